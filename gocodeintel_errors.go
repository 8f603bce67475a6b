// gocodeintel/errors.go
// Contains exported error definitions for the gocodeintel package.
package gocodeintel

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Exported Errors
// =============================================================================

var (
	// ErrConfiguration indicates a toolchain or tool executable could not be resolved.
	ErrConfiguration = errors.New("toolchain configuration error")

	// ErrProcessSpawn indicates an OS-level failure starting a backend process.
	ErrProcessSpawn = errors.New("backend process spawn failed")

	// ErrBackendProtocol indicates a backend wrote to stderr, produced unparseable
	// output, or returned a structurally empty result.
	ErrBackendProtocol = errors.New("backend protocol error")

	// ErrBuild indicates the outline helper could not be compiled.
	ErrBuild = errors.New("outline helper build failed")

	// ErrInvalidTrigger indicates a trigger that the dispatcher cannot route.
	ErrInvalidTrigger = errors.New("invalid trigger")

	// ErrConfigLoad indicates non-fatal errors during config loading or processing.
	ErrConfigLoad = errors.New("configuration load error")

	// ErrInvalidConfig indicates a configuration value is invalid after validation.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrCacheRead indicates failure reading from the build manifest.
	ErrCacheRead = errors.New("cache read failed")

	// ErrCacheWrite indicates failure writing to the build manifest.
	ErrCacheWrite = errors.New("cache write failed")

	// ErrCacheDecode indicates failure decoding data read from the build manifest.
	ErrCacheDecode = errors.New("cache decode failed")

	// ErrPositionConversion indicates failure converting between position formats (e.g., LSP <-> byte offset).
	ErrPositionConversion = errors.New("position conversion failed")

	// ErrInvalidPositionInput indicates input position values (line/col) are invalid.
	ErrInvalidPositionInput = errors.New("invalid input position")

	// ErrPositionOutOfRange indicates a position is outside the valid bounds of the file or line.
	ErrPositionOutOfRange = errors.New("position out of range")

	// ErrInvalidUTF8 indicates an invalid UTF-8 sequence was encountered during processing.
	ErrInvalidUTF8 = errors.New("invalid utf-8 sequence")

	// ErrInvalidURI indicates a document URI is invalid or uses an unsupported scheme.
	ErrInvalidURI = errors.New("invalid document URI")
)

// =============================================================================
// Command Errors
// =============================================================================

// CommandError ties a backend failure to the command line that produced it.
type CommandError struct {
	Command string // Attempted command line.
	Stderr  string // Captured error stream, if any.
	Err     error  // One of the sentinel errors above, possibly wrapped.
}

// NewCommandError creates a CommandError for cmd.
func NewCommandError(cmd Command, err error) *CommandError {
	return &CommandError{Command: cmd.String(), Err: err}
}

// WithStderr attaches captured stderr output.
func (e *CommandError) WithStderr(stderr string) *CommandError {
	e.Stderr = strings.TrimSpace(stderr)
	return e
}

func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%v: %s: %s", e.Err, e.Command, e.Stderr)
	}
	return fmt.Sprintf("%v: %s", e.Err, e.Command)
}

func (e *CommandError) Unwrap() error { return e.Err }
