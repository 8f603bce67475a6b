// gocodeintel_utils.go
package gocodeintel

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"unicode/utf8"
)

// ============================================================================
// Logging Helpers
// ============================================================================

// ParseLogLevel converts a config/flag string to an slog.Level.
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

// ============================================================================
// Configuration File Helpers
// ============================================================================

// configPathEnv overrides the primary config location.
const configPathEnv = "GOCODEINTEL_CONFIG"

// errConfigParse marks a config file that exists but is not valid JSON.
var errConfigParse = errors.New("config file parse error")

// GetConfigPaths returns the primary (user config dir or $GOCODEINTEL_CONFIG)
// and secondary (~/.config) config file locations.
func GetConfigPaths(logger *slog.Logger) (primary, secondary string, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	var errs []error
	if p := strings.TrimSpace(os.Getenv(configPathEnv)); p != "" {
		primary = p
	} else if dir, dirErr := os.UserConfigDir(); dirErr == nil {
		primary = filepath.Join(dir, configDirName, defaultConfigFileName)
	} else {
		errs = append(errs, fmt.Errorf("user config dir: %w", dirErr))
	}

	if home, homeErr := os.UserHomeDir(); homeErr == nil {
		secondary = filepath.Join(home, ".config", configDirName, defaultConfigFileName)
	} else {
		errs = append(errs, fmt.Errorf("user home dir: %w", homeErr))
	}
	logger.Debug("Resolved config paths", "primary", primary, "secondary", secondary)

	if primary == "" && secondary == "" {
		return "", "", fmt.Errorf("%w: %w", ErrConfigLoad, errors.Join(errs...))
	}
	return primary, secondary, nil
}

// LoadAndMergeConfig merges the file at path onto cfg. A missing file is not
// an error and reports loaded=false.
func LoadAndMergeConfig(path string, cfg *Config, logger *slog.Logger) (loaded bool, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Debug("Config file not found", "path", path)
			return false, nil
		}
		return false, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		logger.Debug("Config file is empty", "path", path)
		return false, nil
	}

	var fc FileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return false, fmt.Errorf("%w: %s: %w", errConfigParse, path, err)
	}
	merged := fc.Merge(cfg)
	logger.Debug("Merged config file", "path", path, "fields", merged)
	return true, nil
}

// WriteDefaultConfig writes cfg as indented JSON, creating parent directories.
func WriteDefaultConfig(path string, cfg Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o640); err != nil {
		return fmt.Errorf("writing default config: %w", err)
	}
	logger.Info("Wrote default config", "path", path)
	return nil
}

// defaultHelperDir is where the outline helper lives unless configured.
func defaultHelperDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, configDirName, "golib")
	}
	return filepath.Join(os.TempDir(), configDirName, "golib")
}

// ============================================================================
// LSP Position Conversion Helpers
// ============================================================================

// LspPositionToBytePosition converts 0-based LSP line/character (UTF-16) to
// 1-based Go line/column (bytes) and 0-based byte offset.
func LspPositionToBytePosition(content []byte, lspPos LSPPosition) (line, col, byteOffset int, err error) {
	if content == nil {
		return 0, 0, -1, fmt.Errorf("%w: file content is nil", ErrPositionConversion)
	}
	targetLine := int(lspPos.Line)
	targetUTF16Char := int(lspPos.Character)

	lineStart := 0
	for currentLine := 0; ; currentLine++ {
		lineEnd := len(content)
		if i := bytes.IndexByte(content[lineStart:], '\n'); i >= 0 {
			lineEnd = lineStart + i
		}
		if currentLine == targetLine {
			lineTextBytes := bytes.TrimSuffix(content[lineStart:lineEnd], []byte("\r"))
			byteOffsetInLine, convErr := Utf16OffsetToBytes(lineTextBytes, targetUTF16Char)
			if convErr != nil {
				if !errors.Is(convErr, ErrPositionOutOfRange) {
					return 0, 0, -1, fmt.Errorf("failed converting UTF16 to byte offset on line %d: %w", currentLine, convErr)
				}
				slog.Warn("UTF16 offset out of range, clamping to line end", "line", targetLine, "char", targetUTF16Char, "error", convErr)
				byteOffsetInLine = len(lineTextBytes)
			}
			return currentLine + 1, byteOffsetInLine + 1, lineStart + byteOffsetInLine, nil
		}
		if lineEnd == len(content) {
			return 0, 0, -1, fmt.Errorf("%w: LSP line %d not found in file (total lines %d)", ErrPositionOutOfRange, targetLine, currentLine+1)
		}
		lineStart = lineEnd + 1
	}
}

// Utf16OffsetToBytes converts a 0-based UTF-16 offset within a line to a 0-based byte offset.
func Utf16OffsetToBytes(line []byte, utf16Offset int) (int, error) {
	if utf16Offset < 0 {
		return 0, fmt.Errorf("%w: invalid utf16Offset: %d (must be >= 0)", ErrInvalidPositionInput, utf16Offset)
	}
	byteOffset := 0
	currentUTF16Offset := 0
	for byteOffset < len(line) && currentUTF16Offset < utf16Offset {
		r, size := utf8.DecodeRune(line[byteOffset:])
		if r == utf8.RuneError && size <= 1 {
			return byteOffset, fmt.Errorf("%w at byte offset %d", ErrInvalidUTF8, byteOffset)
		}
		utf16Units := 1
		if r > 0xFFFF {
			utf16Units = 2 // Surrogate pair.
		}
		if currentUTF16Offset+utf16Units > utf16Offset {
			break
		}
		currentUTF16Offset += utf16Units
		byteOffset += size
	}
	if byteOffset == len(line) && currentUTF16Offset < utf16Offset {
		return len(line), fmt.Errorf("%w: utf16Offset %d is beyond the line length in UTF-16 units (%d)", ErrPositionOutOfRange, utf16Offset, currentUTF16Offset)
	}
	return byteOffset, nil
}

// byteOffsetToLSPPosition converts a 0-based byte offset to 0-based LSP line/char (UTF-16).
func byteOffsetToLSPPosition(content []byte, targetByteOffset int, logger *slog.Logger) (line, char uint32, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	if content == nil {
		return 0, 0, fmt.Errorf("%w: content is nil", ErrPositionConversion)
	}
	if targetByteOffset < 0 {
		return 0, 0, fmt.Errorf("%w: invalid byte offset %d", ErrInvalidPositionInput, targetByteOffset)
	}
	if targetByteOffset > len(content) {
		logger.Debug("Byte offset exceeds content length, clamping to EOF", "offset", targetByteOffset, "content_len", len(content))
		targetByteOffset = len(content)
	}

	lineStart := 0
	for i := 0; i < targetByteOffset; i++ {
		if content[i] == '\n' {
			line++
			lineStart = i + 1
		}
	}
	lineContentBytes := content[lineStart:targetByteOffset]
	utf16CharOffset, convErr := bytesToUTF16Offset(lineContentBytes)
	if convErr != nil {
		logger.Warn("Error converting line bytes to UTF16 offset", "error", convErr, "line", line)
		utf16CharOffset = len(lineContentBytes)
	}
	return line, uint32(utf16CharOffset), nil
}

// bytesToUTF16Offset counts the UTF-16 code units in b.
func bytesToUTF16Offset(b []byte) (int, error) {
	utf16Offset := 0
	for byteOffset := 0; byteOffset < len(b); {
		r, size := utf8.DecodeRune(b[byteOffset:])
		if r == utf8.RuneError && size <= 1 {
			return utf16Offset, fmt.Errorf("%w at byte offset %d within slice", ErrInvalidUTF8, byteOffset)
		}
		if r > 0xFFFF {
			utf16Offset += 2
		} else {
			utf16Offset++
		}
		byteOffset += size
	}
	return utf16Offset, nil
}

// ============================================================================
// URI Helpers
// ============================================================================

// PathToURI converts a filesystem path to a file:// URI.
func PathToURI(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURI, err)
	}
	slashed := filepath.ToSlash(abs)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed // Windows drive letter.
	}
	return (&url.URL{Scheme: "file", Path: slashed}).String(), nil
}

// ValidateAndGetFilePath checks that uri is a file:// URI and returns the
// local path it names.
func ValidateAndGetFilePath(uri string, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if uri == "" {
		return "", fmt.Errorf("%w: empty URI", ErrInvalidURI)
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURI, err)
	}
	if u.Scheme != "file" {
		logger.Warn("Rejecting non-file URI", "uri", uri, "scheme", u.Scheme)
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURI, u.Scheme)
	}
	p := u.Path
	if p == "" {
		return "", fmt.Errorf("%w: URI has no path", ErrInvalidURI)
	}
	if runtime.GOOS == "windows" && len(p) >= 3 && p[0] == '/' && p[2] == ':' {
		p = p[1:]
	}
	return filepath.Clean(filepath.FromSlash(p)), nil
}
