package driver

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/gotile/gotile/ir"
)

// EngineCache decides whether a previously compiled engine exists for a cache
// path. The default cache never reports a hit, so every module is compiled;
// inject a different implementation to enable on-disk engine reuse.
type EngineCache interface {
	HasExecutable(path string) bool
}

type neverCache struct{}

func (neverCache) HasExecutable(string) bool { return false }

// CacheKey combines the content hash of a module with the hash of a device
// target. Identical module plus identical device shape always yields the
// identical key; external callers rely on this for engine caching.
func CacheKey(module *ir.Module, target Target) uint64 {
	return combineHash(module.Hash(), target.Hash())
}

// CachedExecutablePath renders the on-disk path an engine with the given key
// would be cached at.
func CachedExecutablePath(dir string, key uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%016x.tile_engine", key))
}

// HaveExecutableCache reports whether an engine cache directory is
// configured.
func (e *Executor) HaveExecutableCache() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config.EngineCacheDir != ""
}

// CachedExecutableFilename returns the cache path for the module on the
// currently attached device. The key also covers the configured compilation
// options, since they change the compiled artifact.
func (e *Executor) CachedExecutableFilename(module *ir.Module) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := combineHash(module.Hash(), e.deviceHash)
	key = combineHash(key, optionsHash(e.config.CompilationOptions))
	return CachedExecutablePath(e.config.EngineCacheDir, key)
}

// optionsHash digests compilation options in sorted key order, so equal maps
// always hash alike.
func optionsHash(options map[string]string) uint64 {
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var hash uint64
	for _, k := range keys {
		hash = combineHash(hash, xxhash.Sum64String(k))
		hash = combineHash(hash, xxhash.Sum64String(options[k]))
	}
	return hash
}

// HaveCachedExecutable consults the engine cache for the given path.
func (e *Executor) HaveCachedExecutable(path string) bool {
	return e.engineCache.HasExecutable(path)
}

// SetEngineCache replaces the engine cache implementation. The default never
// reports a hit.
func (e *Executor) SetEngineCache(cache EngineCache) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cache == nil {
		cache = neverCache{}
	}
	e.engineCache = cache
}
