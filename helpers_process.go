// gocodeintel/helpers_process.go
// The narrow synchronous port used to run external analysis backends.
package gocodeintel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// ============================================================================
// Process Port
// ============================================================================

// Command is a single backend invocation.
type Command struct {
	Path  string
	Args  []string
	Dir   string   // Working directory; empty means the current one.
	Env   []string // Nil means the current process environment.
	Stdin []byte
}

// String renders the command line for logs and errors.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, c.Path)
	parts = append(parts, c.Args...)
	return strings.Join(parts, " ")
}

// Output is what a finished backend wrote.
type Output struct {
	Stdout []byte
	Stderr []byte
}

// ProcessRunner runs one backend invocation to completion. Implementations
// report a non-zero exit as a normal Output; callers judge success by the
// error stream. Failures to start wrap ErrProcessSpawn.
type ProcessRunner interface {
	Run(ctx context.Context, cmd Command) (Output, error)
}

// ExecRunner runs commands as local subprocesses.
type ExecRunner struct {
	Timeout time.Duration // Per-invocation limit; zero means defaultProcessTimeoutSecs.
	Logger  *slog.Logger
}

// NewExecRunner returns an ExecRunner with the given per-invocation timeout.
func NewExecRunner(timeout time.Duration, logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{Timeout: timeout, Logger: logger.With("component", "ExecRunner")}
}

// Run implements ProcessRunner.
func (r *ExecRunner) Run(ctx context.Context, c Command) (Output, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("op", "Run", "cmd", c.String())

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = time.Duration(defaultProcessTimeoutSecs) * time.Second
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	if c.Stdin != nil {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("Running backend process", "dir", c.Dir, "stdin_bytes", len(c.Stdin))
	start := time.Now()
	err := cmd.Run()
	out := Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	if cmdCtx.Err() == context.DeadlineExceeded {
		logger.Warn("Backend process timed out", "timeout", timeout)
		return out, NewCommandError(c, fmt.Errorf("%w: %w", ErrBackendProtocol, context.DeadlineExceeded)).WithStderr(stderr.String())
	}
	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			logger.Debug("Backend process exited non-zero", "exit_code", exitErr.ExitCode(), "duration", time.Since(start))
			return out, nil
		}
		logger.Error("Failed to start backend process", "error", err)
		return out, NewCommandError(c, fmt.Errorf("%w: %w", ErrProcessSpawn, err))
	}
	logger.Debug("Backend process finished", "duration", time.Since(start), "stdout_bytes", stdout.Len(), "stderr_bytes", stderr.Len())
	return out, nil
}
