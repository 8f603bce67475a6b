// gocodeintel/helpers_outline.go
// Outline extraction through a small helper program that is compiled on first
// use with the resolved go toolchain.
package gocodeintel

import (
	"bytes"
	"context"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

//go:embed golib/outline.go
var outlineHelperSource []byte

const (
	outlineSourceName   = "outline.go"
	outlineManifestName = "manifest.db"
	cixVersion          = "2.0"
)

// ============================================================================
// Outline Types (CIX)
// ============================================================================

// CodeIntel is the root of an outline document.
type CodeIntel struct {
	XMLName xml.Name      `xml:"codeintel"`
	Version string        `xml:"version,attr"`
	Files   []OutlineFile `xml:"file"`
}

// OutlineFile is the outline of one source file.
type OutlineFile struct {
	Lang      string        `xml:"lang,attr"`
	Path      string        `xml:"path,attr"`
	Mtime     int64         `xml:"mtime,attr"`
	Error     string        `xml:"error,attr,omitempty"`     // Parse error; the outline may be partial.
	ErrorLine int           `xml:"errorline,attr,omitempty"` // 1-based.
	ErrorCol  int           `xml:"errorcol,attr,omitempty"`  // 1-based byte column.
	Blob      *OutlineScope `xml:"scope"`
}

// OutlineScope is a blob (file), class (named type) or function scope.
type OutlineScope struct {
	Ilk       string            `xml:"ilk,attr"`
	Name      string            `xml:"name,attr"`
	Lang      string            `xml:"lang,attr,omitempty"`
	Signature string            `xml:"signature,attr,omitempty"`
	Classrefs string            `xml:"classrefs,attr,omitempty"`
	Line      int               `xml:"line,attr,omitempty"`
	LineEnd   int               `xml:"lineend,attr,omitempty"`
	Imports   []OutlineImport   `xml:"import"`
	Variables []OutlineVariable `xml:"variable"`
	Scopes    []OutlineScope    `xml:"scope"`
}

type OutlineVariable struct {
	Name       string `xml:"name,attr"`
	Citdl      string `xml:"citdl,attr,omitempty"`
	Attributes string `xml:"attributes,attr,omitempty"`
	Line       int    `xml:"line,attr,omitempty"`
}

type OutlineImport struct {
	Module string `xml:"module,attr"`
	Name   string `xml:"name,attr,omitempty"`
	Line   int    `xml:"line,attr,omitempty"`
}

// ParseCodeIntel decodes a CIX document.
func ParseCodeIntel(data []byte) (*CodeIntel, error) {
	var ci CodeIntel
	if err := xml.Unmarshal(data, &ci); err != nil {
		return nil, fmt.Errorf("%w: decoding outline: %w", ErrBackendProtocol, err)
	}
	return &ci, nil
}

// ============================================================================
// Outline Driver
// ============================================================================

// helperBuild is the memoized outcome of building the helper for one go
// executable. A failed build stays failed until the toolchain changes.
type helperBuild struct {
	goExe      string
	helperPath string
	err        error
}

// OutlineDriver builds and runs the outline helper.
type OutlineDriver struct {
	runner func() ProcessRunner
	config func() Config
	logger *slog.Logger

	build atomic.Pointer[helperBuild]
	group singleflight.Group

	manifestMu   sync.Mutex
	manifest     *buildManifest
	manifestPath string
	builds       atomic.Int64
}

// NewOutlineDriver creates a driver that reads its runner and configuration
// through the given accessors, so engine reconfiguration is observed.
func NewOutlineDriver(runner func() ProcessRunner, config func() Config, logger *slog.Logger) *OutlineDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutlineDriver{runner: runner, config: config, logger: logger.With("component", "OutlineDriver")}
}

// Builds reports how many helper compilations the driver started.
func (d *OutlineDriver) Builds() int64 { return d.builds.Load() }

// EnsureHelper returns the path of a helper built with the go executable
// resolved from env, building it at most once per executable.
func (d *OutlineDriver) EnsureHelper(ctx context.Context, env []string) (string, error) {
	cfg := d.config()
	goExe, ok := ResolveGoExe(cfg, env)
	if !ok {
		return "", fmt.Errorf("%w: unable to locate go executable", ErrConfiguration)
	}
	if st := d.build.Load(); st != nil && st.goExe == goExe {
		return st.helperPath, st.err
	}

	v, _, _ := d.group.Do(goExe, func() (any, error) {
		if st := d.build.Load(); st != nil && st.goExe == goExe {
			return st, nil
		}
		st := d.buildHelper(ctx, cfg, goExe, env)
		// A cancelled caller must not poison the memo for everyone else.
		if st.err != nil && ctx.Err() != nil {
			return st, nil
		}
		d.build.Store(st)
		return st, nil
	})
	st := v.(*helperBuild)
	return st.helperPath, st.err
}

func (d *OutlineDriver) buildHelper(ctx context.Context, cfg Config, goExe string, env []string) *helperBuild {
	logger := d.logger.With("op", "buildHelper", "go_exe", goExe, "helper_dir", cfg.HelperDir)
	dir := cfg.HelperDir
	srcPath := filepath.Join(dir, outlineSourceName)
	helperPath := strings.TrimSuffix(srcPath, ".go") + exeSuffix()
	failed := func(err error) *helperBuild {
		logger.Error("Outline helper unavailable", "error", err)
		return &helperBuild{goExe: goExe, err: err}
	}

	if err := writeHelperSource(dir, srcPath); err != nil {
		return failed(fmt.Errorf("%w: writing helper source: %w", ErrBuild, err))
	}

	hash := helperSourceHash()
	goModTime := modTime(goExe)
	manifest := d.openManifest(cfg)
	if manifest != nil {
		entry, found, err := manifest.lookup(goExe)
		switch {
		case err != nil:
			logger.Warn("Build manifest lookup failed", "error", err)
		case found && entry.HelperPath == helperPath && entry.SourceHash == hash &&
			entry.GoExeModTime == goModTime && fileExists(helperPath):
			logger.Debug("Reusing recorded outline helper build", "helper", helperPath, "built_at", entry.BuiltAt)
			return &helperBuild{goExe: goExe, helperPath: helperPath}
		case found:
			logger.Debug("Recorded outline helper build is stale")
			if err := manifest.forget(goExe); err != nil {
				logger.Warn("Failed to drop stale manifest entry", "error", err)
			}
		}
	}

	d.builds.Add(1)
	cmd := Command{Path: goExe, Args: []string{"build", outlineSourceName}, Dir: dir, Env: env}
	logger.Info("Building outline helper", "cmd", cmd.String())
	out, err := d.runner().Run(ctx, cmd)
	if err != nil {
		return failed(fmt.Errorf("%w: unable to compile %s: %w", ErrBuild, outlineSourceName, err))
	}
	if len(out.Stderr) > 0 {
		logger.Warn("Outline helper build wrote to stderr", "stderr", strings.TrimSpace(string(out.Stderr)))
	}
	if !fileExists(helperPath) {
		return failed(NewCommandError(cmd, fmt.Errorf("%w: unable to compile %s", ErrBuild, outlineSourceName)).WithStderr(string(out.Stderr)))
	}

	if manifest != nil {
		entry := manifestEntry{HelperPath: helperPath, SourceHash: hash, GoExeModTime: goModTime, BuiltAt: time.Now()}
		if err := manifest.record(goExe, entry); err != nil {
			logger.Warn("Failed to record outline helper build", "error", err)
		}
	}
	logger.Info("Outline helper ready", "helper", helperPath)
	return &helperBuild{goExe: goExe, helperPath: helperPath}
}

// openManifest lazily opens the manifest inside the helper directory.
// Failures disable it for this process.
func (d *OutlineDriver) openManifest(cfg Config) *buildManifest {
	if !cfg.BuildManifest {
		return nil
	}
	path := filepath.Join(cfg.HelperDir, outlineManifestName)
	d.manifestMu.Lock()
	defer d.manifestMu.Unlock()
	if d.manifest != nil && d.manifestPath == path {
		return d.manifest
	}
	if d.manifestPath == path {
		return nil // Already failed for this path.
	}
	if d.manifest != nil {
		d.manifest.Close()
		d.manifest = nil
	}
	d.manifestPath = path
	m, err := openBuildManifest(path, d.logger)
	if err != nil {
		d.logger.Warn("Build manifest disabled", "path", path, "error", err)
		return nil
	}
	d.manifest = m
	return m
}

// Extract runs the helper over buf and returns the parsed outline. The file
// element is stamped with mtime (now when zero) and a slash-separated path.
func (d *OutlineDriver) Extract(ctx context.Context, buf *Buffer, mtime time.Time) (*CodeIntel, error) {
	logger := d.logger.With(append([]any{"op", "Extract"}, bufferLogAttrs(buf)...)...)
	if buf == nil {
		return nil, fmt.Errorf("%w: nil buffer", ErrInvalidTrigger)
	}
	helper, err := d.EnsureHelper(ctx, buf.Env)
	if err != nil {
		return nil, err
	}

	cmd := Command{Path: helper, Args: []string{buf.Path}, Env: buf.Env}
	if text := buf.Text(); text != nil {
		cmd.Args = []string{"-stdin", buf.Path}
		cmd.Stdin = text
	}
	out, err := d.runner().Run(ctx, cmd)
	if err != nil {
		logger.Error("Outline helper failed to run", "error", err)
		return nil, err
	}
	if len(out.Stderr) > 0 {
		logger.Warn("Outline helper wrote to stderr", "stderr", strings.TrimSpace(string(out.Stderr)))
	}

	doc := make([]byte, 0, len(out.Stdout)+64)
	doc = fmt.Appendf(doc, "<codeintel version=%q>\n", cixVersion)
	doc = append(doc, out.Stdout...)
	doc = append(doc, "</codeintel>"...)
	ci, err := ParseCodeIntel(doc)
	if err != nil {
		logger.Error("Outline helper output did not parse", "error", err)
		return nil, NewCommandError(cmd, err).WithStderr(string(out.Stderr))
	}

	if mtime.IsZero() {
		mtime = time.Now()
	}
	for i := range ci.Files {
		ci.Files[i].Path = normalizeOutlinePath(buf.Path)
		ci.Files[i].Mtime = mtime.Unix()
		if ci.Files[i].Error != "" {
			logger.Debug("Outline is partial", "parse_error", ci.Files[i].Error)
		}
	}
	logger.Debug("Outline extracted", "files", len(ci.Files))
	return ci, nil
}

// Close releases the build manifest.
func (d *OutlineDriver) Close() error {
	d.manifestMu.Lock()
	defer d.manifestMu.Unlock()
	if d.manifest == nil {
		return nil
	}
	err := d.manifest.Close()
	d.manifest = nil
	return err
}

func writeHelperSource(dir, srcPath string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	if existing, err := os.ReadFile(srcPath); err == nil && bytes.Equal(existing, outlineHelperSource) {
		return nil
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return os.WriteFile(srcPath, outlineHelperSource, 0o644)
}

func helperSourceHash() string {
	sum := sha256.Sum256(outlineHelperSource)
	return hex.EncodeToString(sum[:])
}

func modTime(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.ModTime().UnixNano()
}

func normalizeOutlinePath(p string) string {
	if runtime.GOOS == "windows" {
		return strings.ReplaceAll(p, `\`, "/")
	}
	return p
}
