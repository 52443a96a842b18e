package driver

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gotile/gotile/ir"
	"github.com/gotile/gotile/types/shapes"
	"github.com/stretchr/testify/require"
)

func buildModule(name string) *ir.Module {
	m := ir.NewModule(name)
	entry := m.NewComputation("entry")
	shape := shapes.Make(dtypes.Float32, 2)
	p0 := entry.AddInstruction(ir.NewParameter(0, shape))
	entry.SetRoot(entry.AddInstruction(ir.NewBinaryOp(ir.OpAdd, p0, p0)))
	return m
}

func TestCacheKeyDeterministic(t *testing.T) {
	target := SimTarget(1, 4)
	require.Equal(t, CacheKey(buildModule("m"), target), CacheKey(buildModule("m"), target))
	require.NotEqual(t, CacheKey(buildModule("m"), target), CacheKey(buildModule("other"), target))
	require.NotEqual(t, CacheKey(buildModule("m"), target), CacheKey(buildModule("m"), CPUTarget()))
}

func TestCachedExecutablePath(t *testing.T) {
	path := CachedExecutablePath("/var/cache/engines", 0xabc)
	require.Equal(t, "/var/cache/engines", filepath.Dir(path))
	require.Equal(t, "0000000000000abc.tile_engine", filepath.Base(path))
}

func TestExecutorCache(t *testing.T) {
	e := newTestExecutor(t)
	require.False(t, e.HaveExecutableCache())

	dir := t.TempDir()
	require.NoError(t, e.Configure(DeviceConfig{ConfigIndex: -1, EngineCacheDir: dir}))
	require.True(t, e.HaveExecutableCache())

	name := e.CachedExecutableFilename(buildModule("m"))
	require.True(t, strings.HasPrefix(name, dir))
	require.Equal(t, name, e.CachedExecutableFilename(buildModule("m")))

	// The default cache never hits; an injected one is consulted.
	require.False(t, e.HaveCachedExecutable(name))
	e.SetEngineCache(alwaysCache{})
	require.True(t, e.HaveCachedExecutable(name))
}

func TestCompilationOptionsChangeCacheKey(t *testing.T) {
	e := newTestExecutor(t)
	dir := t.TempDir()
	require.NoError(t, e.Configure(DeviceConfig{ConfigIndex: -1, EngineCacheDir: dir}))
	plain := e.CachedExecutableFilename(buildModule("m"))

	require.NoError(t, e.Configure(DeviceConfig{
		ConfigIndex:        -1,
		EngineCacheDir:     dir,
		CompilationOptions: map[string]string{"opt.level": "2"},
	}))
	tuned := e.CachedExecutableFilename(buildModule("m"))
	require.NotEqual(t, plain, tuned)
	// Equal option maps hash alike regardless of map iteration order.
	require.Equal(t, tuned, e.CachedExecutableFilename(buildModule("m")))
}

type alwaysCache struct{}

func (alwaysCache) HasExecutable(string) bool { return true }
