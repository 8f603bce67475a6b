// gocodeintel/helpers_definition.go
// Definition lookup through godef.
package gocodeintel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// ============================================================================
// Definition Lookup (godef)
// ============================================================================

// lookupDefinition resolves the symbol at trg.Pos. Results are memoized per
// buffer content and offset.
func (e *Engine) lookupDefinition(ctx context.Context, buf *Buffer, trg Trigger, ctlr ResultController, logger *slog.Logger) error {
	cfg := e.GetCurrentConfig()
	text := buf.Text()
	cmd := Command{
		Path:  resolveToolOrBare(toolGodef, cfg.GodefPath, cfg, buf.Env),
		Args:  []string{"-i=true", "-t=true", "-f=" + buf.Path, "-o=" + strconv.Itoa(trg.Pos)},
		Env:   buf.Env,
		Stdin: text,
	}
	logger = logger.With("cmd", cmd.String())

	compute := func() (DefinitionRecord, error) {
		out, err := e.getRunner().Run(ctx, cmd)
		if err != nil {
			return DefinitionRecord{}, err
		}
		if len(out.Stderr) > 0 {
			logger.Warn("Definition finder wrote to stderr", "stderr", strings.TrimSpace(string(out.Stderr)))
			return DefinitionRecord{}, NewCommandError(cmd, ErrBackendProtocol).WithStderr(string(out.Stderr))
		}
		rec, err := parseDefinitionOutput(buf.Path, string(out.Stdout))
		if err != nil {
			return DefinitionRecord{}, NewCommandError(cmd, err)
		}
		return rec, nil
	}

	key := definitionCacheKey(buf.Path, e.memoEpoch(buf.Path), text, trg.Pos)
	rec, hit, err := withMemoryCache(e, key, 0, cfg.DefinitionCacheTTL, compute, logger)
	if err != nil {
		logger.Error("Definition lookup failed", "error", err)
		return err
	}
	logger.Debug("Definition resolved", "name", rec.Name, "def_path", rec.Path, "line", rec.Line, "cache_hit", hit)

	ctlr.Start(buf, trg)
	ctlr.SetDefinitions([]DefinitionRecord{rec})
	ctlr.Done(StatusSuccess)
	return nil
}

// parseDefinitionOutput reads godef's two-line answer:
//
//	/abs/path.go:12:6     (other file)  or  12:6 / 12  (same file)
//	Name typeDescription
//	doc lines...
func parseDefinitionOutput(bufPath, stdout string) (DefinitionRecord, error) {
	lines := strings.Split(strings.ReplaceAll(stdout, "\r\n", "\n"), "\n")
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) < 2 {
		return DefinitionRecord{}, fmt.Errorf("%w: expected location and description lines, got %d line(s)", ErrBackendProtocol, len(lines))
	}

	path, line := splitLocation(bufPath, lines[0])
	if strings.TrimSpace(line) == "" {
		return DefinitionRecord{}, fmt.Errorf("%w: malformed location %q", ErrBackendProtocol, lines[0])
	}

	name, typeDesc, _ := strings.Cut(lines[1], " ")
	if name == "" {
		return DefinitionRecord{}, fmt.Errorf("%w: malformed description %q", ErrBackendProtocol, lines[1])
	}

	return DefinitionRecord{
		Lang:      Lang,
		Path:      path,
		Name:      name,
		Line:      strings.TrimSpace(line),
		Kind:      definitionKind(typeDesc),
		Signature: typeDesc,
		Doc:       strings.Join(lines[2:], "\n"),
	}, nil
}

// splitLocation reads godef's location line. The shapes are path:line:col,
// path:line, line:col and line; the last two refer to bufPath.
func splitLocation(bufPath, loc string) (path, line string) {
	parts := rsplitN(loc, ":", 2)
	switch len(parts) {
	case 3:
		if isDecimal(parts[1]) {
			return parts[0], parts[1]
		}
		// A drive letter or other colon in the path, followed by a line.
		return parts[0] + ":" + parts[1], parts[2]
	case 2:
		if isDecimal(parts[0]) || !isDecimal(parts[1]) {
			return bufPath, parts[0]
		}
		if parts[0] == "" {
			return bufPath, parts[1]
		}
		return parts[0], parts[1]
	default:
		return bufPath, parts[0]
	}
}

func isDecimal(s string) bool {
	_, err := strconv.Atoi(strings.TrimSpace(s))
	return err == nil
}

func definitionKind(typeDesc string) string {
	if strings.HasPrefix(typeDesc, "func") {
		return "function"
	}
	if fields := strings.Fields(typeDesc); len(fields) > 0 {
		return fields[0]
	}
	return ""
}

// rsplitN splits s on sep from the right, at most n times.
func rsplitN(s, sep string, n int) []string {
	var tail []string
	for range n {
		i := strings.LastIndex(s, sep)
		if i < 0 {
			break
		}
		tail = append([]string{s[i+len(sep):]}, tail...)
		s = s[:i]
	}
	return append([]string{s}, tail...)
}
