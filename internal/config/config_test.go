package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spdeepak/offlinecache"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "offlinecache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, `
worker:
  cache_name: my-reflection-app-v2
  scope: https://journal.example/
  precache:
    - ./
    - ./index.html
  dedupe_in_flight: true
storage:
  backend: memory
  quota_mb: 10
server:
  listen: ":9090"
  upstream: http://localhost:5173
logging:
  level: debug
  format: text
`)
	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, "my-reflection-app-v2", cfg.Worker.CacheName)
	assert.Equal(t, []string{"./", "./index.html"}, cfg.Worker.Precache)
	assert.True(t, cfg.Worker.DedupeInFlight)
	assert.Equal(t, StorageMemory, cfg.Storage.Backend)
	assert.Equal(t, 10, cfg.Storage.QuotaMB)
	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, "text", cfg.Logging.Format)
	// untouched keys keep their defaults
	assert.Equal(t, int64(10<<20), cfg.Worker.MaxBodyBytes)
	assert.Equal(t, offlinecache.DefaultInstallConcurrency, cfg.Worker.InstallConcurrency)

	wc := cfg.OfflineConfig()
	assert.Equal(t, "my-reflection-app-v2", wc.CacheName)
	assert.Equal(t, "https://journal.example/", wc.Scope)
	assert.True(t, wc.DedupeInFlight)
	assert.NotNil(t, wc.KeyGenerator)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "worker:\n  cache_name: my-reflection-app-v1\n")
	t.Setenv("OFFLINECACHE_WORKER_CACHE_NAME", "my-reflection-app-v3")
	t.Setenv("OFFLINECACHE_STORAGE_BACKEND", "memory")

	cfg, err := Load(nil, path)
	require.NoError(t, err)
	assert.Equal(t, "my-reflection-app-v3", cfg.Worker.CacheName)
	assert.Equal(t, StorageMemory, cfg.Storage.Backend)
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load(nil, "")
	require.NoError(t, err)
	assert.Equal(t, offlinecache.DefaultCacheName, cfg.Worker.CacheName)
	assert.Equal(t, offlinecache.DefaultPrecache, cfg.Worker.Precache)
	assert.Equal(t, StorageBolt, cfg.Storage.Backend)
	assert.NotEmpty(t, cfg.Storage.Path)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(nil, filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Load(nil, writeFile(t, "storage:\n  backend: redis\n"))
	require.ErrorContains(t, err, "unknown storage backend")

	_, err = Load(nil, writeFile(t, "worker:\n  scope: not-a-url\n"))
	require.ErrorIs(t, err, offlinecache.ErrInvalidConfig)
}
