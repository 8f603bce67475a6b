// gocodeintel.go
// Package gocodeintel provides Go source-code intelligence for editors:
// trigger detection at a cursor, dispatch to external analysis backends
// (godef, go list, gocode), and structural outlines.
package gocodeintel

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	stdslog "log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
)

// Core type definitions are in gocodeintel_types.go.
// Exported error variables are in gocodeintel_errors.go.

// =============================================================================
// Interfaces for Components
// =============================================================================

// ResultController receives the normalized results of one dispatch.
type ResultController interface {
	// Start marks the beginning of results for trg.
	Start(buf *Buffer, trg Trigger)
	SetCompletions(entries []CompletionEntry)
	SetCalltips(calltips []string)
	SetDefinitions(defs []DefinitionRecord)
	// Error reports a user-visible failure; Done(StatusError) follows.
	Error(msg string)
	Done(status Status)
}

// =============================================================================
// Configuration Loading
// =============================================================================

// LoadConfig reads the first usable config file from the standard locations
// and validates the result. If no file loads cleanly, defaults are written to
// the primary location and used instead. The returned error wraps
// ErrConfigLoad and is a warning: the Config is always usable.
func LoadConfig(logger *stdslog.Logger) (Config, error) {
	if logger == nil {
		logger = stdslog.Default()
	}
	var problems []error
	primary, secondary, err := GetConfigPaths(logger)
	if err != nil {
		problems = append(problems, err)
		logger.Warn("Could not determine config paths, using defaults", "error", err)
	}

	cfg := getDefaultConfig()
	loaded := false
	var parseErr error
	for _, path := range configCandidates(primary, secondary) {
		if loaded && parseErr == nil {
			break
		}
		ok, err := LoadAndMergeConfig(path, &cfg, logger)
		switch {
		case err != nil:
			if parseErr == nil && errors.Is(err, errConfigParse) {
				parseErr = err
			}
			problems = append(problems, fmt.Errorf("loading %s failed: %w", path, err))
			logger.Warn("Failed to load config", "path", path, "error", err)
		case ok && !loaded:
			loaded = true
			logger.Info("Loaded config", "path", path)
		}
	}

	// A file that exists but does not parse is replaced, even if a later
	// location loaded.
	if !loaded || parseErr != nil {
		cfg = getDefaultConfig()
		if path := cmp.Or(primary, secondary); path != "" {
			logger.Info("Writing default config", "path", path, "parse_error", parseErr)
			if err := WriteDefaultConfig(path, cfg, logger); err != nil {
				logger.Warn("Failed to write default config", "path", path, "error", err)
				problems = append(problems, fmt.Errorf("writing default config failed: %w", err))
			}
		} else {
			problems = append(problems, errors.New("cannot determine default config path"))
		}
	}

	if err := cfg.Validate(logger); err != nil {
		logger.Error("Configuration is invalid, falling back to defaults", "error", err)
		problems = append(problems, fmt.Errorf("config validation failed: %w", err))
		cfg = getDefaultConfig()
		if err := cfg.Validate(logger); err != nil {
			return cfg, fmt.Errorf("default config definition is invalid: %w", err)
		}
	}

	if len(problems) > 0 {
		return cfg, fmt.Errorf("%w: %w", ErrConfigLoad, errors.Join(problems...))
	}
	return cfg, nil
}

// configCandidates lists the distinct, non-empty config paths in load order.
func configCandidates(paths ...string) []string {
	var out []string
	for _, p := range paths {
		if p != "" && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}

// =============================================================================
// Engine Service
// =============================================================================

// Engine ties trigger detection, backend dispatch and outline extraction to
// one configuration and one set of caches. It is safe for concurrent use.
type Engine struct {
	runner        ProcessRunner
	runnerIsOwned bool // runner was built from config and follows its timeout.
	outline       *OutlineDriver
	packages      *packageCache
	memoryCache   *ristretto.Cache // Memoized definition lookups.
	memoEpochs    sync.Map         // Buffer path to *atomic.Uint64, bumped on invalidation.
	config        Config
	mu            sync.RWMutex // Protects runner, memoryCache and config.
	logger        *stdslog.Logger
}

// EngineOption customizes an Engine at construction.
type EngineOption func(*Engine)

// WithProcessRunner substitutes the backend runner, e.g. a long-lived
// analyzer server or a test fake.
func WithProcessRunner(r ProcessRunner) EngineOption {
	return func(e *Engine) {
		if r != nil {
			e.runner = r
			e.runnerIsOwned = false
		}
	}
}

// NewEngine loads configuration from disk and creates an Engine. A non-nil
// Engine is returned alongside ErrConfigLoad warnings.
func NewEngine(logger *stdslog.Logger, opts ...EngineOption) (*Engine, error) {
	if logger == nil {
		logger = stdslog.Default()
	}
	serviceLogger := logger.With("service", "Engine")

	cfg, configErr := LoadConfig(serviceLogger)
	if configErr != nil && !errors.Is(configErr, ErrConfigLoad) {
		serviceLogger.Error("Fatal error during initial config load", "error", configErr)
		return nil, configErr
	}
	e, err := NewEngineWithConfig(cfg, logger, opts...)
	if err != nil {
		return nil, err
	}
	if configErr != nil {
		return e, configErr
	}
	return e, nil
}

// NewEngineWithConfig creates an Engine with a specific config.
func NewEngineWithConfig(config Config, logger *stdslog.Logger, opts ...EngineOption) (*Engine, error) {
	if logger == nil {
		logger = stdslog.Default()
	}
	serviceLogger := logger.With("service", "Engine")
	if err := config.Validate(serviceLogger); err != nil {
		return nil, fmt.Errorf("provided config validation failed: %w", err)
	}

	memCache, cacheErr := newDefinitionCache()
	if cacheErr != nil {
		serviceLogger.Warn("Failed to create ristretto memory cache, definition memo disabled.", "error", cacheErr)
		memCache = nil
	}

	e := &Engine{
		runner:        NewExecRunner(config.ProcessTimeout, serviceLogger),
		runnerIsOwned: true,
		packages:      &packageCache{},
		memoryCache:   memCache,
		config:        config,
		logger:        serviceLogger,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.outline = NewOutlineDriver(e.getRunner, e.GetCurrentConfig, serviceLogger)
	return e, nil
}

// Close cleans up resources used by the Engine.
func (e *Engine) Close() error {
	e.logger.Info("Closing Engine service")
	var closeErrors []error
	if e.outline != nil {
		if err := e.outline.Close(); err != nil {
			closeErrors = append(closeErrors, fmt.Errorf("outline driver close failed: %w", err))
		}
	}
	e.mu.Lock()
	if e.memoryCache != nil {
		e.memoryCache.Close()
		e.memoryCache = nil
	}
	e.mu.Unlock()
	return errors.Join(closeErrors...)
}

// UpdateConfig atomically updates the engine's configuration.
func (e *Engine) UpdateConfig(newConfig Config) error {
	if err := newConfig.Validate(e.logger); err != nil {
		e.logger.Error("Invalid configuration provided for update", "error", err)
		return fmt.Errorf("invalid configuration update: %w", err)
	}

	e.mu.Lock()
	e.config = newConfig
	if e.runnerIsOwned {
		e.runner = NewExecRunner(newConfig.ProcessTimeout, e.logger)
	}
	e.mu.Unlock()

	e.logger.Info("Engine configuration updated",
		stdslog.Group("new_config",
			stdslog.String("go_path", newConfig.GoPath),
			stdslog.String("godef_path", newConfig.GodefPath),
			stdslog.String("gocode_path", newConfig.GocodePath),
			stdslog.String("log_level", newConfig.LogLevel),
			stdslog.Int("process_timeout_seconds", newConfig.ProcessTimeoutSeconds),
			stdslog.Int("definition_cache_ttl_seconds", newConfig.DefinitionCacheTTLSeconds),
			stdslog.String("helper_dir", newConfig.HelperDir),
			stdslog.Bool("build_manifest", newConfig.BuildManifest),
		),
	)
	return nil
}

// GetCurrentConfig returns a copy of the current configuration.
func (e *Engine) GetCurrentConfig() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config
}

func (e *Engine) getRunner() ProcessRunner {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.runner
}

// =============================================================================
// Trigger Entry Points
// =============================================================================

// Detect classifies the context just before pos. See the package-level Detect.
func (e *Engine) Detect(acc Accessor, pos int, implicit bool) (Trigger, bool) {
	trg, ok := Detect(acc, pos, implicit)
	if ok {
		e.logger.Debug("Trigger detected", "op", "Detect", "pos", pos, "trigger", trg.String())
	} else {
		e.logger.Debug("No trigger", "op", "Detect", "pos", pos)
	}
	return trg, ok
}

// PrecedingTrigger resolves the nearest trigger for the token at scanPos.
func (e *Engine) PrecedingTrigger(acc Accessor, scanPos, cursorPos int, terms Terminators, sess Session) (Trigger, bool, Session) {
	trg, ok, next := PrecedingTrigger(acc, scanPos, cursorPos, terms, sess)
	e.logger.Debug("Preceding trigger resolved", "op", "PrecedingTrigger", "scan_pos", scanPos, "cursor_pos", cursorPos,
		"found", ok, "trigger", trg.String(), "last_kind", sess.LastKind.String())
	return trg, ok, next
}

// =============================================================================
// Memory Cache Access
// =============================================================================

// GetMemoryCache retrieves an item from the memory cache.
func (e *Engine) GetMemoryCache(key string) (any, bool) {
	e.mu.RLock()
	cache := e.memoryCache
	e.mu.RUnlock()
	if cache == nil {
		return nil, false
	}
	return cache.Get(key)
}

// SetMemoryCache adds an item to the memory cache. The write is flushed
// before returning so an immediate Get observes it.
func (e *Engine) SetMemoryCache(key string, value any, cost int64, ttl time.Duration) bool {
	e.mu.RLock()
	cache := e.memoryCache
	e.mu.RUnlock()
	if cache == nil {
		return false
	}
	set := cache.SetWithTTL(key, value, cost, ttl)
	if set {
		cache.Wait()
		e.logger.Debug("SetMemoryCache success.", "key", key, "cost", cost, "ttl", ttl)
	}
	return set
}

// MemoryCacheEnabled returns true if the Ristretto cache is initialized and available.
func (e *Engine) MemoryCacheEnabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.memoryCache != nil
}

// GetMemoryCacheMetrics returns the performance metrics collected by Ristretto.
func (e *Engine) GetMemoryCacheMetrics() *ristretto.Metrics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.memoryCache != nil {
		return e.memoryCache.Metrics
	}
	return nil
}

// InvalidateDefinitions makes the memoized lookups for path unreachable.
// The entries themselves age out of the cache through TTL and eviction.
func (e *Engine) InvalidateDefinitions(path string) {
	v, _ := e.memoEpochs.LoadOrStore(path, new(atomic.Uint64))
	epoch := v.(*atomic.Uint64).Add(1)
	e.logger.Debug("Invalidated definition memo", "path", path, "epoch", epoch)
}

func (e *Engine) memoEpoch(path string) uint64 {
	if v, ok := e.memoEpochs.Load(path); ok {
		return v.(*atomic.Uint64).Load()
	}
	return 0
}

// PackageListStats reports how many toolchains have a cached package list and
// how many package-listing invocations ran.
func (e *Engine) PackageListStats() (cached int, loads int64) {
	return e.packages.Len(), e.packages.loads.Load()
}

// OutlineDriver returns the engine's outline driver.
func (e *Engine) OutlineDriver() *OutlineDriver { return e.outline }

// ExtractOutline returns the structural symbol tree for buf. A zero mtime
// stamps the tree with the current time.
func (e *Engine) ExtractOutline(ctx context.Context, buf *Buffer, mtime time.Time) (*CodeIntel, error) {
	return e.outline.Extract(ctx, buf, mtime)
}

func bufferLogAttrs(buf *Buffer) []any {
	path := ""
	if buf != nil {
		path = buf.Path
	}
	return []any{"path", strings.TrimSpace(path)}
}
