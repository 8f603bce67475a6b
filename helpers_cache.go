// gocodeintel/helpers_cache.go
// Contains helper functions for memory caching (Ristretto) and the
// per-toolchain package list cache.
package gocodeintel

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"
)

// ============================================================================
// Memory Cache Helpers
// ============================================================================

// memoryCache is the subset of Engine the memo helpers need.
type memoryCache interface {
	GetMemoryCache(key string) (any, bool)
	SetMemoryCache(key string, value any, cost int64, ttl time.Duration) bool
	MemoryCacheEnabled() bool
}

func newDefinitionCache() (*ristretto.Cache, error) {
	return ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     definitionCacheMaxCost,
		BufferItems: 64,
		Metrics:     true,
	})
}

// definitionCacheKey identifies a lookup by path, invalidation epoch, buffer
// content and offset, so any edit to the buffer produces a fresh key.
func definitionCacheKey(path string, epoch uint64, text []byte, pos int) string {
	if path == "" {
		path = "[unknown-path]"
	}
	sum := sha256.Sum256(text)
	// Format: defn:path:epoch:contentHash:pos
	return fmt.Sprintf("defn:%s:%d:%s:%d", path, epoch, hex.EncodeToString(sum[:8]), pos)
}

// withMemoryCache wraps a function call with caching logic.
// Tries to fetch from cache using cacheKey. If miss, calls computeFn,
// stores the result with cost and ttl, and returns it.
// Returns the result (cached or computed), a boolean indicating cache hit, and any error from computeFn.
func withMemoryCache[T any](
	cache memoryCache,
	cacheKey string,
	cost int64,
	ttl time.Duration,
	computeFn func() (T, error),
	logger *slog.Logger,
) (T, bool, error) {
	var zero T
	if logger == nil {
		logger = slog.Default()
	}
	cacheLogger := logger.With("cache_key", cacheKey)

	if cache == nil || !cache.MemoryCacheEnabled() || ttl <= 0 {
		cacheLogger.Debug("Memory cache check skipped (cache disabled)")
		result, err := computeFn()
		return result, false, err
	}

	if cachedResult, found := cache.GetMemoryCache(cacheKey); found {
		if typedResult, ok := cachedResult.(T); ok {
			cacheLogger.Debug("Memory cache hit")
			return typedResult, true, nil
		}
		// Mismatched entries expire on their own; treat as a miss.
		cacheLogger.Error("Memory cache type assertion failed", "expected_type", fmt.Sprintf("%T", zero), "actual_type", fmt.Sprintf("%T", cachedResult))
	} else {
		cacheLogger.Debug("Memory cache miss")
	}

	computedResult, err := computeFn()
	if err != nil {
		return zero, false, err
	}

	if cost <= 0 {
		cost = estimateCost(computedResult)
	}
	if cost <= 0 {
		cost = 1 // Ristretto cost must be positive
	}
	if !cache.SetMemoryCache(cacheKey, computedResult, cost, ttl) {
		cacheLogger.Warn("Memory cache Set failed, item not cached", "cost", cost, "ttl", ttl)
	}
	return computedResult, false, nil
}

// estimateCost approximates the memory held by a cached value.
func estimateCost(v any) int64 {
	switch val := v.(type) {
	case string:
		return int64(len(val))
	case []byte:
		return int64(len(val))
	case []string:
		cost := int64(0)
		for _, s := range val {
			cost += int64(len(s))
		}
		return cost
	case DefinitionRecord:
		return int64(len(val.Path) + len(val.Name) + len(val.Line) + len(val.Kind) + len(val.Signature) + len(val.Doc))
	default:
		return 1
	}
}

// ============================================================================
// Package List Cache
// ============================================================================

// packageCache memoizes package lists per resolved go executable for the life
// of the process. Entries are never invalidated; concurrent first loads for
// the same executable share one backend invocation.
type packageCache struct {
	entries sync.Map // go exe path -> []string
	group   singleflight.Group
	loads   atomic.Int64
}

func (c *packageCache) get(goExe string, load func() ([]string, error)) ([]string, bool, error) {
	if v, ok := c.entries.Load(goExe); ok {
		return v.([]string), true, nil
	}
	v, err, _ := c.group.Do(goExe, func() (any, error) {
		if v, ok := c.entries.Load(goExe); ok {
			return v, nil
		}
		c.loads.Add(1)
		names, err := load()
		if err != nil {
			return nil, err
		}
		actual, _ := c.entries.LoadOrStore(goExe, names)
		return actual, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]string), false, nil
}

// Len returns the number of executables with a cached package list.
func (c *packageCache) Len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
