// gocodeintel/helpers_dispatch.go
// Routes a resolved trigger to one backend strategy and normalizes its output.
package gocodeintel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// ============================================================================
// Dispatcher
// ============================================================================

// Dispatch runs the backend strategy selected by trg and reports results
// through ctlr. Definition lookup and import enumeration failures are
// returned; completion failures are reported through ctlr instead so the
// editor's popup stays responsive.
func (e *Engine) Dispatch(ctx context.Context, buf *Buffer, trg Trigger, ctlr ResultController) error {
	if buf == nil || buf.Accessor == nil {
		return fmt.Errorf("%w: buffer has no accessor", ErrInvalidTrigger)
	}
	if trg.Pos < 0 || trg.Pos > buf.Accessor.Len() {
		return fmt.Errorf("%w: position %d outside buffer of %d bytes", ErrInvalidTrigger, trg.Pos, buf.Accessor.Len())
	}
	logger := e.logger.With(append(bufferLogAttrs(buf), "op", "Dispatch", "trigger", trg.String())...)
	logger.Debug("Dispatching trigger")

	switch trg.Form {
	case FormDefinition:
		return e.lookupDefinition(ctx, buf, trg, ctlr, logger)
	case FormCompletion, FormCalltip:
		switch trg.Kind {
		case KindImports:
			return e.availableImports(ctx, buf, trg, ctlr, logger)
		case KindObjectMembers, KindCallSignature, KindAny, KindNames:
			e.invokeGocode(ctx, buf, trg, ctlr, logger)
			return nil
		case KindNone:
			return fmt.Errorf("%w: %s has no completion kind", ErrInvalidTrigger, trg)
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidTrigger, trg)
}

// ============================================================================
// Symbol / Member / Signature Completion (gocode)
// ============================================================================

const (
	gocodePanicClass = "PANIC"
	gocodeNoResponse = "no valid response from gocode: check gocode is running"
)

// gocodeCandidate is one entry of gocode's JSON output.
type gocodeCandidate struct {
	Class string `json:"class"`
	Name  string `json:"name"`
	Type  string `json:"type"`
}

var gocodeClassKinds = map[string]DisplayKind{
	"var":     DisplayVariable,
	"func":    DisplayFunction,
	"package": DisplayModule,
	"type":    DisplayClass,
	"const":   DisplayConstant,
}

// displayKindFor maps a gocode candidate to its UI category. Slice and map
// typed candidates get their own markers regardless of class.
func displayKindFor(c gocodeCandidate, logger *slog.Logger) DisplayKind {
	switch {
	case strings.HasPrefix(c.Type, "[]"):
		return DisplayArrayVariable
	case strings.HasPrefix(c.Type, "map["):
		return DisplayMapVariable
	}
	if kind, ok := gocodeClassKinds[c.Class]; ok {
		return kind
	}
	logger.Debug("Unknown gocode class, using variable", "class", c.Class, "name", c.Name)
	return DisplayVariable
}

// invokeGocode runs the completion analyzer. Every path that reaches the
// backend ends with exactly one Done on ctlr; implicit generic triggers are
// dropped before anything runs.
func (e *Engine) invokeGocode(ctx context.Context, buf *Buffer, trg Trigger, ctlr ResultController, logger *slog.Logger) {
	if trg.Kind == KindAny && trg.Implicit {
		logger.Debug("Dropping implicit generic trigger")
		return
	}

	pos := trg.Pos
	if trg.Kind == KindCallSignature {
		pos-- // Query at the callee name, not after the paren.
	}
	cfg := e.GetCurrentConfig()
	cmd := Command{
		Path:  resolveToolOrBare(toolGocode, cfg.GocodePath, cfg, buf.Env),
		Args:  []string{"-f=json", "autocomplete", buf.Path, strconv.Itoa(pos)},
		Env:   buf.Env,
		Stdin: buf.Text(),
	}
	logger = logger.With("cmd", cmd.String())

	out, err := e.getRunner().Run(ctx, cmd)
	if err != nil {
		logger.Error("Completion analyzer failed to run", "error", err)
		ctlr.Start(buf, trg)
		ctlr.Done(StatusNoResults)
		return
	}
	if len(out.Stderr) > 0 {
		logger.Warn("Completion analyzer wrote to stderr", "stderr", strings.TrimSpace(string(out.Stderr)))
	}

	candidates, hasResults, err := parseGocodeOutput(out.Stdout)
	if err != nil {
		logger.Error("Failed to parse completion analyzer output", "error", err, "stdout", string(out.Stdout))
		ctlr.Start(buf, trg)
		ctlr.Done(StatusNoResults)
		return
	}

	ctlr.Start(buf, trg)
	if hasResults {
		candidates = filterPanics(candidates)
	}
	if len(candidates) == 0 {
		logger.Debug("Completion analyzer returned no usable entries", "had_result_array", hasResults)
		ctlr.Error(gocodeNoResponse)
		ctlr.Done(StatusError)
		return
	}

	switch trg.Kind {
	case KindCallSignature:
		first := candidates[0]
		ctlr.SetCalltips([]string{first.Name + " " + first.Type})
	default:
		entries := make([]CompletionEntry, 0, len(candidates))
		for _, c := range candidates {
			entries = append(entries, CompletionEntry{Kind: displayKindFor(c, logger), Name: c.Name})
		}
		ctlr.SetCompletions(entries)
	}
	logger.Debug("Completion analyzer results delivered", "count", len(candidates))
	ctlr.Done(StatusSuccess)
}

// parseGocodeOutput decodes `[version, [entries...]]`. hasResults is false
// when the top-level array has no second element, which is how the backend
// reports nothing to offer.
func parseGocodeOutput(stdout []byte) (candidates []gocodeCandidate, hasResults bool, err error) {
	var top []json.RawMessage
	if err := json.Unmarshal(stdout, &top); err != nil {
		return nil, false, fmt.Errorf("%w: decoding response: %w", ErrBackendProtocol, err)
	}
	if len(top) < 2 {
		return nil, false, nil
	}
	if err := json.Unmarshal(top[1], &candidates); err != nil {
		return nil, false, fmt.Errorf("%w: decoding candidates: %w", ErrBackendProtocol, err)
	}
	return candidates, true, nil
}

// filterPanics removes PANIC entries, keeping the backend's order.
func filterPanics(candidates []gocodeCandidate) []gocodeCandidate {
	kept := make([]gocodeCandidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Class != gocodePanicClass {
			kept = append(kept, c)
		}
	}
	return kept
}
