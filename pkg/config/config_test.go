package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultConfigMatchesStrategyDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 102400, cfg.Strategy.Threshold)
	assert.Equal(t, 1024, cfg.Strategy.MinProbe)
	assert.Equal(t, 10240, cfg.Strategy.ClimbStep)
	assert.Equal(t, 256, cfg.Strategy.BisectConvergence)
	assert.Equal(t, 25, cfg.Strategy.MaxIterations)
}

func TestCreateDefaultWritesReadableYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lmstrix.yaml")

	require.NoError(t, createDefault(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var loaded LMStrixConfig
	require.NoError(t, yaml.Unmarshal(data, &loaded))
	assert.Equal(t, "http://localhost:1234", loaded.Backend.BaseURL)
	assert.Equal(t, 102400, loaded.Strategy.Threshold)
}

func TestLoadCreatesFileOnFirstRunAndIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)

	resetOnceForTest()
	require.NoError(t, Load())

	path, err := DefaultPath()
	require.NoError(t, err)
	_, statErr := os.Stat(path)
	assert.NoError(t, statErr)

	// Mutate the file; a second Load within the same process must not
	// re-read it, since the singleton is populated exactly once.
	require.NoError(t, os.WriteFile(path, []byte("backend:\n  base_url: http://changed\n"), 0o644))
	require.NoError(t, Load())
	assert.Equal(t, "http://localhost:1234", Global.Backend.BaseURL)
}

func TestDefaultPathJoinsHomeDirectory(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)

	path, err := DefaultPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ".lmstrix", "lmstrix.yaml"), path)
}

// resetOnceForTest allows exercising loadInternal's first-run behavior
// across independent test cases within this package.
func resetOnceForTest() {
	once = sync.Once{}
	Global = LMStrixConfig{}
}
