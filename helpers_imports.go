// gocodeintel/helpers_imports.go
// Import path completion from `go list std`.
package gocodeintel

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
)

// ============================================================================
// Import Enumeration
// ============================================================================

func (e *Engine) availableImports(ctx context.Context, buf *Buffer, trg Trigger, ctlr ResultController, logger *slog.Logger) error {
	cfg := e.GetCurrentConfig()
	goExe, ok := ResolveGoExe(cfg, buf.Env)
	if !ok {
		logger.Error("Unable to locate go executable")
		return fmt.Errorf("%w: unable to locate go executable", ErrConfiguration)
	}
	logger = logger.With("go_exe", goExe)

	names, cached, err := e.packages.get(goExe, func() ([]string, error) {
		return e.listStdPackages(ctx, buf, goExe, logger)
	})
	if err != nil {
		return err
	}
	logger.Debug("Import candidates ready", "count", len(names), "cached", cached)

	entries := make([]CompletionEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, CompletionEntry{Kind: DisplayImport, Name: name})
	}
	ctlr.Start(buf, trg)
	ctlr.SetCompletions(entries)
	ctlr.Done(StatusSuccess)
	return nil
}

func (e *Engine) listStdPackages(ctx context.Context, buf *Buffer, goExe string, logger *slog.Logger) ([]string, error) {
	cmd := Command{Path: goExe, Args: []string{"list", "std"}, Env: buf.Env}
	if buf.Path != "" && buf.Path != UnsavedPath {
		cmd.Dir = filepath.Dir(buf.Path)
	}
	out, err := e.getRunner().Run(ctx, cmd)
	if err != nil {
		logger.Error("Package listing failed to run", "cmd", cmd.String(), "error", err)
		return nil, fmt.Errorf("%w: %w", ErrBackendProtocol, err)
	}
	if len(out.Stderr) > 0 {
		logger.Warn("Package listing wrote to stderr", "cmd", cmd.String(), "stderr", strings.TrimSpace(string(out.Stderr)))
		return nil, NewCommandError(cmd, ErrBackendProtocol).WithStderr(string(out.Stderr))
	}

	var names []string
	for _, line := range strings.Split(string(out.Stdout), "\n") {
		if name := strings.TrimSpace(line); name != "" {
			names = append(names, name)
		}
	}
	logger.Debug("Retrieved package names", "count", len(names))
	return names, nil
}
