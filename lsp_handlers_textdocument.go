// gocodeintel/lsp_handlers_textdocument.go
// Contains LSP method handlers related to text document synchronization and language features
// (didOpen, didChange, didClose, completion, signatureHelp, hover, definition, documentSymbol).
package gocodeintel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sourcegraph/jsonrpc2"
)

const (
	requestTimeout     = 15 * time.Second
	diagnosticsTimeout = 30 * time.Second
)

// ============================================================================
// LSP Text Document Method Handlers
// ============================================================================

// handleDidOpen records the document and outlines it in the background.
func (s *Server) handleDidOpen(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidOpenTextDocumentParams, logger *slog.Logger) (any, error) {
	uri := params.TextDocument.URI
	version := params.TextDocument.Version
	content := []byte(params.TextDocument.Text)
	openLogger := logger.With("uri", uri, "version", version, "size", len(content))
	openLogger.Info("Handling textDocument/didOpen")

	file := newOpenFile(uri, s.localPath(uri, openLogger), content, version)
	s.filesMu.Lock()
	s.files[uri] = file
	s.filesMu.Unlock()

	go s.triggerDiagnostics(file, openLogger)
	return nil, nil
}

// handleDidChange replaces the document (full sync only). The resolver
// session carries over so successive explicit requests stay consistent.
func (s *Server) handleDidChange(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidChangeTextDocumentParams, logger *slog.Logger) (any, error) {
	uri := params.TextDocument.URI
	version := params.TextDocument.Version
	changeLogger := logger.With("uri", uri, "new_version", version)

	if len(params.ContentChanges) == 0 {
		changeLogger.Warn("Received didChange notification with no content changes")
		return nil, nil
	}
	newContent := []byte(params.ContentChanges[len(params.ContentChanges)-1].Text)
	changeLogger.Info("Handling textDocument/didChange", "new_size", len(newContent))

	s.filesMu.Lock()
	currentFile, exists := s.files[uri]
	if exists && version <= currentFile.Version {
		s.filesMu.Unlock()
		changeLogger.Warn("Ignoring out-of-order didChange notification", "received_version", version, "current_version", currentFile.Version)
		return nil, nil
	}
	file := newOpenFile(uri, s.localPath(uri, changeLogger), newContent, version)
	if exists {
		file.Session = currentFile.Session
	}
	s.files[uri] = file
	s.filesMu.Unlock()
	changeLogger.Debug("Updated file cache")

	go s.triggerDiagnostics(file, changeLogger)
	return nil, nil
}

// handleDidClose forgets the document and clears its diagnostics.
func (s *Server) handleDidClose(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DidCloseTextDocumentParams, logger *slog.Logger) (any, error) {
	uri := params.TextDocument.URI
	closeLogger := logger.With("uri", uri)
	closeLogger.Info("Handling textDocument/didClose")

	s.filesMu.Lock()
	file, known := s.files[uri]
	delete(s.files, uri)
	s.filesMu.Unlock()

	s.publishDiagnostics(uri, nil, []LspDiagnostic{}, closeLogger)
	if known {
		s.engine.InvalidateDefinitions(file.Path)
	}
	return nil, nil
}

// handleCompletion resolves a completion trigger at the cursor and runs it.
// Trigger characters use Detect as an implicit trigger; explicit requests
// resolve the preceding trigger through the document's session.
func (s *Server) handleCompletion(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params CompletionParams, logger *slog.Logger) (any, error) {
	completionLogger := logger.With("uri", params.TextDocument.URI, "lsp_line", params.Position.Line, "lsp_char", params.Position.Character)
	completionLogger.Info("Handling textDocument/completion")
	empty := CompletionList{IsIncomplete: false, Items: []CompletionItem{}}

	file, buf, offset, err := s.resolvePosition(params.TextDocumentPositionParams, completionLogger)
	if err != nil {
		return empty, nil
	}
	completionLogger = completionLogger.With("offset", offset)

	var (
		trg Trigger
		ok  bool
	)
	if params.Context != nil && params.Context.TriggerKind == CompletionTriggerKindTriggerChar {
		trg, ok = s.engine.Detect(file.Accessor, offset, true)
	} else {
		var next Session
		trg, ok, next = s.engine.PrecedingTrigger(file.Accessor, offset, offset, DefaultTerminators, file.Session)
		s.storeSession(file, next)
		if !ok {
			trg, ok = s.engine.Detect(file.Accessor, offset, false)
		}
	}
	if !ok || trg.Form != FormCompletion {
		completionLogger.Debug("No completion trigger at position")
		return empty, nil
	}

	res, err := s.dispatch(ctx, buf, trg, completionLogger)
	if err != nil {
		s.reportDispatchError(err, trg, completionLogger)
		return empty, nil
	}
	if len(res.Errors) > 0 && !trg.Implicit {
		s.sendShowMessage(MessageTypeWarning, strings.Join(res.Errors, "; "))
	}
	completionLogger.Info("Completion finished", "trigger", trg.String(), "status", res.Status, "count", len(res.Completions))
	return CompletionList{IsIncomplete: false, Items: completionItemsFrom(res.Completions)}, nil
}

// handleSignatureHelp answers with the calltip for the enclosing call.
func (s *Server) handleSignatureHelp(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params SignatureHelpParams, logger *slog.Logger) (any, error) {
	sigLogger := logger.With("uri", params.TextDocument.URI, "lsp_line", params.Position.Line, "lsp_char", params.Position.Character)
	sigLogger.Info("Handling textDocument/signatureHelp")

	file, buf, offset, err := s.resolvePosition(params.TextDocumentPositionParams, sigLogger)
	if err != nil {
		return nil, nil
	}
	trg, ok := s.engine.Detect(file.Accessor, offset, false)
	if !ok || trg.Form != FormCalltip {
		trg, ok, _ = s.engine.PrecedingTrigger(file.Accessor, offset, offset, DefaultTerminators, Session{})
	}
	if !ok || trg.Form != FormCalltip {
		sigLogger.Debug("No call signature trigger at position")
		return nil, nil
	}

	res, err := s.dispatch(ctx, buf, trg, sigLogger)
	if err != nil {
		s.reportDispatchError(err, trg, sigLogger)
		return nil, nil
	}
	if len(res.Calltips) == 0 {
		return nil, nil
	}
	help := SignatureHelp{}
	for _, tip := range res.Calltips {
		help.Signatures = append(help.Signatures, SignatureInformation{Label: tip})
	}
	return help, nil
}

// handleHover shows the signature and documentation of the symbol's definition.
func (s *Server) handleHover(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params HoverParams, logger *slog.Logger) (any, error) {
	hoverLogger := logger.With("uri", params.TextDocument.URI, "lsp_line", params.Position.Line, "lsp_char", params.Position.Character)
	hoverLogger.Info("Handling textDocument/hover")

	_, buf, offset, err := s.resolvePosition(params.TextDocumentPositionParams, hoverLogger)
	if err != nil {
		return nil, nil
	}
	res, err := s.dispatch(ctx, buf, DefinitionTrigger(offset), hoverLogger)
	if err != nil || len(res.Definitions) == 0 {
		hoverLogger.Debug("No definition for hover", "error", err)
		return nil, nil
	}

	markupKind := MarkupKindPlainText
	if s.clientCaps.TextDocument != nil && s.clientCaps.TextDocument.Hover != nil {
		for _, kind := range s.clientCaps.TextDocument.Hover.ContentFormat {
			if kind == MarkupKindMarkdown {
				markupKind = MarkupKindMarkdown
				break
			}
		}
	}
	return HoverResult{Contents: MarkupContent{Kind: markupKind, Value: formatDefinitionHover(res.Definitions[0], markupKind)}}, nil
}

// handleDefinition maps the definition record to an LSP location.
func (s *Server) handleDefinition(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DefinitionParams, logger *slog.Logger) (any, error) {
	defLogger := logger.With("uri", params.TextDocument.URI, "lsp_line", params.Position.Line, "lsp_char", params.Position.Character)
	defLogger.Info("Handling textDocument/definition")

	file, buf, offset, err := s.resolvePosition(params.TextDocumentPositionParams, defLogger)
	if err != nil {
		return nil, nil
	}
	res, err := s.dispatch(ctx, buf, DefinitionTrigger(offset), defLogger)
	if err != nil {
		s.reportDispatchError(err, DefinitionTrigger(offset), defLogger)
		return nil, nil
	}

	locations := make([]Location, 0, len(res.Definitions))
	for _, def := range res.Definitions {
		loc, locErr := definitionLocation(def, file)
		if locErr != nil {
			defLogger.Warn("Cannot convert definition to location", "def_path", def.Path, "line", def.Line, "error", locErr)
			continue
		}
		locations = append(locations, loc)
	}
	defLogger.Info("Definition lookup finished", "locations", len(locations))
	return locations, nil
}

// handleDocumentSymbol returns the outline of the document.
func (s *Server) handleDocumentSymbol(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, params DocumentSymbolParams, logger *slog.Logger) (any, error) {
	symLogger := logger.With("uri", params.TextDocument.URI)
	symLogger.Info("Handling textDocument/documentSymbol")

	file, ok := s.getFile(params.TextDocument.URI)
	if !ok {
		symLogger.Warn("Document symbol request for unknown file")
		return nil, fmt.Errorf("document not open: %s", params.TextDocument.URI)
	}
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	ci, err := s.engine.ExtractOutline(reqCtx, &Buffer{Path: file.Path, Accessor: file.Accessor}, time.Time{})
	if err != nil {
		s.reportDispatchError(err, Trigger{}, symLogger)
		return []DocumentSymbol{}, nil
	}
	if len(ci.Files) == 0 {
		return []DocumentSymbol{}, nil
	}
	return symbolsFromOutline(ci.Files[0]), nil
}

// ============================================================================
// Handler Helpers
// ============================================================================

func (s *Server) getFile(uri DocumentURI) (*OpenFile, bool) {
	s.filesMu.RLock()
	defer s.filesMu.RUnlock()
	f, ok := s.files[uri]
	return f, ok
}

// storeSession saves the resolver state on the current entry for the document.
func (s *Server) storeSession(file *OpenFile, next Session) {
	s.filesMu.Lock()
	defer s.filesMu.Unlock()
	if cur, ok := s.files[file.URI]; ok {
		cur.Session = next
	}
}

// localPath maps a document URI to the path handed to backends.
func (s *Server) localPath(uri DocumentURI, logger *slog.Logger) string {
	p, err := ValidateAndGetFilePath(string(uri), logger)
	if err != nil {
		logger.Debug("Treating document as unsaved", "uri", uri, "reason", err)
		return UnsavedPath
	}
	return p
}

// resolvePosition finds the open document and converts the LSP position to a byte offset.
func (s *Server) resolvePosition(params TextDocumentPositionParams, logger *slog.Logger) (*OpenFile, *Buffer, int, error) {
	file, ok := s.getFile(params.TextDocument.URI)
	if !ok {
		logger.Warn("Request for unknown file")
		return nil, nil, 0, fmt.Errorf("document not open: %s", params.TextDocument.URI)
	}
	_, _, offset, err := LspPositionToBytePosition(file.Content, params.Position)
	if err != nil {
		logger.Error("Failed to convert LSP position to byte position", "error", err)
		return nil, nil, 0, err
	}
	return file, &Buffer{Path: file.Path, Accessor: file.Accessor}, offset, nil
}

func (s *Server) dispatch(ctx context.Context, buf *Buffer, trg Trigger, logger *slog.Logger) (CollectedResult, error) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	collector := NewResultCollector()
	if err := s.engine.Dispatch(reqCtx, buf, trg, collector); err != nil {
		return collector.Result(), err
	}
	res := collector.Result()
	logger.Debug("Dispatch finished", "trigger", trg.String(), "started", res.Started, "status", res.Status)
	return res, nil
}

// reportDispatchError surfaces setup problems to the user and logs the rest.
func (s *Server) reportDispatchError(err error, trg Trigger, logger *slog.Logger) {
	switch {
	case errors.Is(err, context.Canceled):
		logger.Info("Request cancelled", "trigger", trg.String())
	case errors.Is(err, ErrConfiguration), errors.Is(err, ErrBuild):
		logger.Error("Code intelligence unavailable", "error", err)
		s.sendShowMessage(MessageTypeError, err.Error())
	default:
		logger.Warn("Dispatch failed", "trigger", trg.String(), "error", err)
	}
}

func formatDefinitionHover(def DefinitionRecord, kind MarkupKind) string {
	var b strings.Builder
	sig := strings.TrimSpace(def.Name + " " + def.Signature)
	if kind == MarkupKindMarkdown {
		b.WriteString("```go\n" + sig + "\n```")
	} else {
		b.WriteString(sig)
	}
	if doc := strings.TrimSpace(def.Doc); doc != "" {
		b.WriteString("\n\n" + doc)
	}
	return b.String()
}

// definitionLocation converts a record's 1-based line to an LSP location.
// The column is unknown, so the location starts at the line.
func definitionLocation(def DefinitionRecord, file *OpenFile) (Location, error) {
	line, err := strconv.Atoi(strings.TrimSpace(def.Line))
	if err != nil || line < 1 {
		return Location{}, fmt.Errorf("%w: line %q", ErrInvalidPositionInput, def.Line)
	}
	uri := file.URI
	if def.Path != file.Path {
		if _, statErr := os.Stat(def.Path); statErr != nil {
			return Location{}, statErr
		}
		u, uriErr := PathToURI(def.Path)
		if uriErr != nil {
			return Location{}, uriErr
		}
		uri = DocumentURI(u)
	}
	pos := LSPPosition{Line: uint32(line - 1)}
	return Location{URI: uri, Range: LSPRange{Start: pos, End: pos}}, nil
}

// triggerDiagnostics outlines the document and publishes its first parse
// error, if any. Outline failures publish nothing.
func (s *Server) triggerDiagnostics(file *OpenFile, logger *slog.Logger) {
	diagLogger := logger.With("operation", "triggerDiagnostics")
	ctx, cancel := context.WithTimeout(context.Background(), diagnosticsTimeout)
	defer cancel()

	ci, err := s.engine.ExtractOutline(ctx, &Buffer{Path: file.Path, Accessor: file.Accessor}, time.Time{})
	if err != nil {
		diagLogger.Debug("Outline unavailable, skipping diagnostics", "error", err)
		return
	}
	diagnostics := []LspDiagnostic{}
	for _, f := range ci.Files {
		if f.Error == "" {
			continue
		}
		diagnostics = append(diagnostics, LspDiagnostic{
			Range:    parseErrorRange(file.Content, f.ErrorLine, f.ErrorCol, diagLogger),
			Severity: LspSeverityError,
			Source:   "gocodeintel",
			Message:  f.Error,
		})
	}
	version := file.Version
	s.publishDiagnostics(file.URI, &version, diagnostics, diagLogger)
}

// parseErrorRange converts a 1-based line and byte column to a point range.
func parseErrorRange(content []byte, line, col int, logger *slog.Logger) LSPRange {
	offset := 0
	for l := 1; l < line && offset < len(content); offset++ {
		if content[offset] == '\n' {
			l++
		}
	}
	if col > 1 {
		offset += col - 1
	}
	l, c, err := byteOffsetToLSPPosition(content, min(offset, len(content)), logger)
	if err != nil {
		return LSPRange{}
	}
	pos := LSPPosition{Line: l, Character: c}
	return LSPRange{Start: pos, End: pos}
}
