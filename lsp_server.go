// gocodeintel/lsp_server.go
// Implements the Language Server Protocol (LSP) server: connection setup,
// method routing, request cancellation and metrics.
package gocodeintel

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/jsonrpc2"
)

// ============================================================================
// LSP Server Implementation
// ============================================================================

// Server represents the LSP server instance.
type Server struct {
	conn           *jsonrpc2.Conn
	logger         *slog.Logger
	levelVar       *slog.LevelVar // Optional; adjusted on configuration changes.
	engine         *Engine
	files          map[DocumentURI]*OpenFile
	filesMu        sync.RWMutex
	clientCaps     ClientCapabilities
	serverInfo     *ServerInfo
	initParams     *InitializeParams
	requestTracker *RequestTracker
}

// OpenFile represents a file currently open in the client editor.
type OpenFile struct {
	URI      DocumentURI
	Path     string // Local path, or UnsavedPath for non-file URIs.
	Content  []byte
	Version  int
	Accessor *TextAccessor
	Session  Session // Resolver state for explicit completion requests.
}

func newOpenFile(uri DocumentURI, path string, content []byte, version int) *OpenFile {
	return &OpenFile{URI: uri, Path: path, Content: content, Version: version, Accessor: NewTextAccessor(content)}
}

// NewServer creates a new LSP server instance.
func NewServer(engine *Engine, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		logger: logger,
		engine: engine,
		files:  make(map[DocumentURI]*OpenFile),
		serverInfo: &ServerInfo{
			Name:    "gocodeintel",
			Version: version,
		},
		requestTracker: NewRequestTracker(),
	}
	publishExpvarMetrics(s)
	return s
}

// SetLogLevelVar lets workspace/didChangeConfiguration adjust the log level.
func (s *Server) SetLogLevelVar(lv *slog.LevelVar) { s.levelVar = lv }

// Run starts the LSP server and blocks until the connection closes.
func (s *Server) Run(r io.Reader, w io.Writer) {
	s.logger.Info("Starting LSP server run loop")

	stream := &stdrwc{r: r, w: w}
	objectStream := jsonrpc2.NewPlainObjectStream(stream)
	handler := jsonrpc2.HandlerWithError(s.handle)

	s.conn = jsonrpc2.NewConn(context.Background(), objectStream, handler)
	s.logger.Info("JSON-RPC connection established")

	<-s.conn.DisconnectNotify()
	s.logger.Info("JSON-RPC connection closed")
}

// stdrwc wraps stdin/stdout without closing them.
type stdrwc struct {
	r io.Reader
	w io.Writer
}

func (s *stdrwc) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *stdrwc) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *stdrwc) Close() error                { return nil }

// handle routes incoming LSP requests/notifications to appropriate methods.
func (s *Server) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (result any, err error) {
	methodLogger := s.logger.With("method", req.Method, "is_notification", req.Notif)
	isRequest := !req.Notif
	if isRequest {
		methodLogger = methodLogger.With("req_id", req.ID)
	}
	methodLogger.Debug("Received request/notification")

	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			methodLogger.Error("Panic recovered in handler", "panic_value", r, "stack", stack)

			panicData, marshalErr := json.Marshal(fmt.Sprintf("Panic: %v", r))
			if marshalErr != nil {
				panicData = []byte(`"failed to marshal panic data"`)
			}
			rawPanicData := json.RawMessage(panicData)
			err = &jsonrpc2.Error{
				Code:    int64(JsonRpcInternalError),
				Message: fmt.Sprintf("Internal server error in method %s", req.Method),
				Data:    &rawPanicData,
			}
			result = nil
		}
	}()

	if isRequest {
		ctx = s.requestTracker.Add(req.ID, ctx)
		defer s.requestTracker.Remove(req.ID)
	}
	select {
	case <-ctx.Done():
		methodLogger.Warn("Request context cancelled before processing started", "error", ctx.Err())
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcRequestCancelled), Message: "Request cancelled"}
	default:
	}

	unmarshalParams := func(target any) error {
		if req.Params == nil {
			return errors.New("params field is null")
		}
		return json.Unmarshal(*req.Params, target)
	}
	invalidParams := func(err error) error {
		methodLogger.Error("Failed to unmarshal params", "error", err)
		return &jsonrpc2.Error{Code: int64(JsonRpcInvalidParams), Message: fmt.Sprintf("Invalid %s params: %v", req.Method, err)}
	}

	switch req.Method {
	case "initialize":
		var params InitializeParams
		if err := unmarshalParams(&params); err != nil {
			return nil, invalidParams(err)
		}
		return s.handleInitialize(ctx, conn, req, params, methodLogger)

	case "initialized":
		methodLogger.Info("Client initialized notification received")
		return nil, nil

	case "shutdown":
		return s.handleShutdown(ctx, conn, req, methodLogger)

	case "exit":
		return s.handleExit(ctx, conn, req, methodLogger)

	case "textDocument/didOpen":
		var params DidOpenTextDocumentParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal didOpen params", "error", err)
			return nil, nil
		}
		return s.handleDidOpen(ctx, conn, req, params, methodLogger)

	case "textDocument/didChange":
		var params DidChangeTextDocumentParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal didChange params", "error", err)
			return nil, nil
		}
		return s.handleDidChange(ctx, conn, req, params, methodLogger)

	case "textDocument/didClose":
		var params DidCloseTextDocumentParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal didClose params", "error", err)
			return nil, nil
		}
		return s.handleDidClose(ctx, conn, req, params, methodLogger)

	case "textDocument/completion":
		var params CompletionParams
		if err := unmarshalParams(&params); err != nil {
			return nil, invalidParams(err)
		}
		return s.handleCompletion(ctx, conn, req, params, methodLogger)

	case "textDocument/signatureHelp":
		var params SignatureHelpParams
		if err := unmarshalParams(&params); err != nil {
			return nil, invalidParams(err)
		}
		return s.handleSignatureHelp(ctx, conn, req, params, methodLogger)

	case "textDocument/hover":
		var params HoverParams
		if err := unmarshalParams(&params); err != nil {
			return nil, invalidParams(err)
		}
		return s.handleHover(ctx, conn, req, params, methodLogger)

	case "textDocument/definition":
		var params DefinitionParams
		if err := unmarshalParams(&params); err != nil {
			return nil, invalidParams(err)
		}
		return s.handleDefinition(ctx, conn, req, params, methodLogger)

	case "textDocument/documentSymbol":
		var params DocumentSymbolParams
		if err := unmarshalParams(&params); err != nil {
			return nil, invalidParams(err)
		}
		return s.handleDocumentSymbol(ctx, conn, req, params, methodLogger)

	case "workspace/didChangeConfiguration":
		var params DidChangeConfigurationParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal didChangeConfiguration params", "error", err)
			return nil, nil
		}
		return s.handleDidChangeConfiguration(ctx, conn, req, params, methodLogger)

	case "$/cancelRequest":
		var params CancelParams
		if err := unmarshalParams(&params); err != nil {
			methodLogger.Error("Failed to unmarshal cancelRequest params", "error", err)
			return nil, nil
		}
		cancelID, ok := cancelRequestID(params.ID)
		if !ok {
			methodLogger.Warn("Could not determine type of cancel request ID", "id_value", params.ID, "id_type", fmt.Sprintf("%T", params.ID))
			return nil, nil
		}
		s.requestTracker.Cancel(cancelID)
		methodLogger.Info("Cancellation request processed", "cancelled_id", cancelID)
		return nil, nil

	default:
		if req.Notif {
			methodLogger.Debug("Ignoring unhandled notification")
			return nil, nil
		}
		methodLogger.Warn("Unhandled LSP method")
		return nil, &jsonrpc2.Error{Code: int64(JsonRpcMethodNotFound), Message: fmt.Sprintf("Method not supported: %s", req.Method)}
	}
}

func cancelRequestID(raw any) (jsonrpc2.ID, bool) {
	switch idVal := raw.(type) {
	case float64:
		return jsonrpc2.ID{Num: uint64(idVal)}, true
	case string:
		return jsonrpc2.ID{Str: idVal, IsString: true}, true
	default:
		return jsonrpc2.ID{}, false
	}
}

// ============================================================================
// LSP Notification Sending Helpers
// ============================================================================

func (s *Server) sendShowMessage(msgType MessageType, message string) {
	if s.conn == nil {
		s.logger.Warn("Cannot send showMessage: connection is nil")
		return
	}
	params := ShowMessageParams{Type: msgType, Message: message}
	if err := s.conn.Notify(context.Background(), "window/showMessage", params); err != nil {
		s.logger.Error("Failed to send window/showMessage notification", "error", err, "message_type", msgType)
	}
}

func (s *Server) publishDiagnostics(uri DocumentURI, version *int, diagnostics []LspDiagnostic, logger *slog.Logger) {
	if s.conn == nil {
		logger.Debug("Cannot publish diagnostics: connection is nil", "uri", uri)
		return
	}
	params := PublishDiagnosticsParams{URI: uri, Version: version, Diagnostics: diagnostics}
	if err := s.conn.Notify(context.Background(), "textDocument/publishDiagnostics", params); err != nil {
		logger.Error("Failed to send textDocument/publishDiagnostics notification", "error", err, "uri", uri, "diagnostic_count", len(diagnostics))
		return
	}
	logger.Debug("Published diagnostics", "uri", uri, "diagnostic_count", len(diagnostics))
}

// ============================================================================
// Metrics Publishing
// ============================================================================

var (
	metricsOnce   sync.Once
	metricsServer atomic.Pointer[Server] // Most recently created server.
)

// publishExpvarMetrics exposes server and engine counters. expvar names are
// process-global, so they are registered once and follow the latest server.
func publishExpvarMetrics(s *Server) {
	metricsServer.Store(s)
	metricsOnce.Do(func() {
		startTime := time.Now()
		expvar.NewString("serverStartTime").Set(startTime.Format(time.RFC3339))
		expvar.Publish("serverInfo", expvar.Func(func() any {
			if srv := metricsServer.Load(); srv != nil {
				return srv.serverInfo
			}
			return nil
		}))
		expvar.Publish("goroutines", expvar.Func(func() any { return runtime.NumGoroutine() }))
		expvar.Publish("memory.allocBytes", expvar.Func(func() any {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			return m.Alloc
		}))
		expvar.Publish("lsp.openFiles", expvar.Func(func() any {
			srv := metricsServer.Load()
			if srv == nil {
				return 0
			}
			srv.filesMu.RLock()
			defer srv.filesMu.RUnlock()
			return len(srv.files)
		}))
		expvar.Publish("lsp.pendingRequests", expvar.Func(func() any {
			if srv := metricsServer.Load(); srv != nil {
				return srv.requestTracker.Count()
			}
			return 0
		}))
		expvar.Publish("engine.packageLists", expvar.Func(func() any {
			srv := metricsServer.Load()
			if srv == nil || srv.engine == nil {
				return nil
			}
			cached, loads := srv.engine.PackageListStats()
			return map[string]any{"cached": cached, "loads": loads}
		}))
		expvar.Publish("engine.outlineHelperBuilds", expvar.Func(func() any {
			srv := metricsServer.Load()
			if srv == nil || srv.engine == nil || srv.engine.OutlineDriver() == nil {
				return 0
			}
			return srv.engine.OutlineDriver().Builds()
		}))
		expvar.Publish("cache.memory", expvar.Func(func() any {
			srv := metricsServer.Load()
			if srv == nil || srv.engine == nil {
				return nil
			}
			m := srv.engine.GetMemoryCacheMetrics()
			if m == nil {
				return map[string]uint64{}
			}
			return map[string]uint64{
				"hits":        m.Hits(),
				"misses":      m.Misses(),
				"costAdded":   m.CostAdded(),
				"costEvicted": m.CostEvicted(),
				"keysAdded":   m.KeysAdded(),
				"keysEvicted": m.KeysEvicted(),
			}
		}))
	})
	s.logger.Debug("Expvar metrics published")
}

// ============================================================================
// Request Cancellation Tracker
// ============================================================================

// RequestTracker manages cancellation contexts for ongoing LSP requests.
type RequestTracker struct {
	mu       sync.Mutex
	requests map[jsonrpc2.ID]context.CancelFunc
}

func NewRequestTracker() *RequestTracker {
	return &RequestTracker{requests: make(map[jsonrpc2.ID]context.CancelFunc)}
}

// Add registers id and returns a context that Cancel(id) cancels.
func (rt *RequestTracker) Add(id jsonrpc2.ID, ctx context.Context) context.Context {
	reqCtx, cancel := context.WithCancel(ctx)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if prev, ok := rt.requests[id]; ok {
		prev()
	}
	rt.requests[id] = cancel
	return reqCtx
}

// Remove deregisters id and releases its context.
func (rt *RequestTracker) Remove(id jsonrpc2.ID) {
	rt.mu.Lock()
	cancel, found := rt.requests[id]
	delete(rt.requests, id)
	rt.mu.Unlock()
	if found {
		cancel()
	}
}

// Cancel cancels the context registered for id, if any.
func (rt *RequestTracker) Cancel(id jsonrpc2.ID) {
	rt.mu.Lock()
	cancel, found := rt.requests[id]
	if found {
		delete(rt.requests, id)
	}
	rt.mu.Unlock()

	if found {
		slog.Debug("Calling cancel function for request", "id", id)
		cancel()
	} else {
		slog.Debug("Cancel function not found for request ID", "id", id)
	}
}

// Count returns the number of currently tracked requests.
func (rt *RequestTracker) Count() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.requests)
}
