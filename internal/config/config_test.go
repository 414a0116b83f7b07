package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/John-Rood/MemoryRouter-sub003/internal/memory"
	"github.com/John-Rood/MemoryRouter-sub003/internal/provider"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 300, cfg.Memory.Chunk.TargetTokens)
	assert.Equal(t, 30, cfg.Memory.Chunk.OverlapTokens)
	assert.Equal(t, memory.ModeFull, cfg.Memory.Mode)
	assert.Equal(t, 4, cfg.Kronos.HotWindowHours)
	assert.Equal(t, 3, cfg.Kronos.WorkingWindowDays)
	assert.Equal(t, 90, cfg.Kronos.LongtermWindowDays)
	assert.Equal(t, 100*time.Millisecond, cfg.Latency.Overhead)
	assert.Equal(t, 200*time.Millisecond, cfg.Latency.Processing)
	assert.Equal(t, 1, cfg.Sync.MaxLag)
	assert.True(t, cfg.Metrics.Enabled)

	require.NoError(t, cfg.Validate(), "the development defaults must be runnable")
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "invalid server port",
		},
		{
			name:    "unknown mode",
			mutate:  func(c *Config) { c.Memory.Mode = "recent" },
			wantErr: "memory.mode",
		},
		{
			name:    "overlap too large",
			mutate:  func(c *Config) { c.Memory.Chunk.OverlapTokens = 200 },
			wantErr: "overlap_tokens",
		},
		{
			name:    "windows do not nest",
			mutate:  func(c *Config) { c.Kronos.WorkingWindowDays = 120 },
			wantErr: "kronos",
		},
		{
			name:    "quotas above one",
			mutate:  func(c *Config) { c.Kronos.Quotas.Hot = 0.9 },
			wantErr: "kronos.quotas",
		},
		{
			name:    "processing below overhead",
			mutate:  func(c *Config) { c.Latency.Processing = 50 * time.Millisecond },
			wantErr: "latency.processing",
		},
		{
			name:    "soft budget above hard budget",
			mutate:  func(c *Config) { c.Latency.SoftOverhead = time.Second },
			wantErr: "soft_overhead",
		},
		{
			name:    "zero lag",
			mutate:  func(c *Config) { c.Sync.MaxLag = 0 },
			wantErr: "sync.max_lag",
		},
		{
			name:    "http embedder without url",
			mutate:  func(c *Config) { c.Embedding.Type = EmbeddingHTTP },
			wantErr: "embedding.service.base_url",
		},
		{
			name:    "openai embedder without key",
			mutate:  func(c *Config) { c.Embedding.Type = EmbeddingOpenAI },
			wantErr: "embedding.openai.api_key",
		},
		{
			name:    "unknown embedder",
			mutate:  func(c *Config) { c.Embedding.Type = "word2vec" },
			wantErr: "embedding.type",
		},
		{
			name:    "openai provider without key",
			mutate:  func(c *Config) { c.Provider.Type = provider.TypeOpenAI },
			wantErr: "provider.api_key",
		},
		{
			name: "openai provider with key",
			mutate: func(c *Config) {
				c.Provider.Type = provider.TypeOpenAI
				c.Provider.APIKey = "sk-test"
			},
		},
		{
			name: "postgres without database",
			mutate: func(c *Config) {
				c.Storage.Durable.Driver = DriverPostgres
				c.Storage.Durable.Postgres.Database = ""
			},
			wantErr: "storage.durable.postgres",
		},
		{
			name:    "unknown durable driver",
			mutate:  func(c *Config) { c.Storage.Durable.Driver = "sqlite" },
			wantErr: "storage.durable.driver",
		},
		{
			name: "redis without address",
			mutate: func(c *Config) {
				c.Storage.Snapshot.Driver = DriverRedis
				c.Storage.Snapshot.Redis.Addr = ""
			},
			wantErr: "storage.snapshot.redis",
		},
		{
			name:    "s3 without bucket",
			mutate:  func(c *Config) { c.Storage.Snapshot.Driver = DriverS3 },
			wantErr: "storage.snapshot.s3.bucket",
		},
		{
			name:   "snapshots disabled",
			mutate: func(c *Config) { c.Storage.Snapshot.Driver = DriverNone },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Run("valid yaml", func(t *testing.T) {
		path := createTempFile(t, `
server:
  port: 9090
  read_timeout: 10s
memory:
  mode: tiered
  top_k: 20
  chunk:
    target_tokens: 200
kronos:
  hot_window_hours: 2
  quotas:
    hot: 0.4
    working: 0.4
    longterm: 0.2
latency:
  overhead: 80ms
  processing: 150ms
storage:
  snapshot:
    driver: redis
    redis:
      addr: redis:6379
`)

		cfg, err := LoadFromFile(path)
		require.NoError(t, err)

		assert.Equal(t, 9090, cfg.Server.Port)
		assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, memory.ModeTiered, cfg.Memory.Mode)
		assert.Equal(t, 20, cfg.Memory.TopK)
		assert.Equal(t, 200, cfg.Memory.Chunk.TargetTokens)
		assert.Equal(t, 30, cfg.Memory.Chunk.OverlapTokens, "unset fields keep their defaults")
		assert.Equal(t, 2, cfg.Kronos.HotWindowHours)
		assert.Equal(t, 3, cfg.Kronos.WorkingWindowDays)
		assert.InDelta(t, 0.4, cfg.Kronos.Quotas.Working, 1e-9)
		assert.Equal(t, 80*time.Millisecond, cfg.Latency.Overhead)
		assert.Equal(t, DriverRedis, cfg.Storage.Snapshot.Driver)
		assert.Equal(t, "redis:6379", cfg.Storage.Snapshot.Redis.Addr)
		assert.Equal(t, "memoryrouter", cfg.Storage.Snapshot.Redis.Namespace)
	})

	t.Run("environment variable expansion", func(t *testing.T) {
		t.Setenv("TEST_API_KEY", "secret-key-123")
		t.Setenv("TEST_PG_PASSWORD", "pg-secret")

		path := createTempFile(t, `
provider:
  type: openai
  api_key: ${TEST_API_KEY}
storage:
  durable:
    driver: postgres
    postgres:
      password: ${TEST_PG_PASSWORD}
`)

		cfg, err := LoadFromFile(path)
		require.NoError(t, err)
		assert.Equal(t, "secret-key-123", cfg.Provider.APIKey)
		assert.Equal(t, "pg-secret", cfg.Storage.Durable.Postgres.Password)
	})

	t.Run("file not found", func(t *testing.T) {
		_, err := LoadFromFile("/nonexistent/path/config.yaml")
		assert.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := createTempFile(t, `
server:
  port: [invalid
`)
		_, err := LoadFromFile(path)
		assert.Error(t, err)
	})

	t.Run("invalid values", func(t *testing.T) {
		path := createTempFile(t, `
memory:
  mode: everything
`)
		_, err := LoadFromFile(path)
		require.Error(t, err)
		assert.True(t, strings.HasPrefix(err.Error(), "validate config"))
	})
}

func TestActorAndRegistryOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Memory.LazySync = true
	cfg.Memory.Chunk.TargetTokens = 100
	cfg.Sync.Schedule = ""

	actor := cfg.ActorOptions(nil)
	assert.Equal(t, 100, actor.Chunker.Config().TargetTokens)
	assert.True(t, actor.LazySync)
	assert.Equal(t, cfg.Kronos.Config, actor.Kronos)
	assert.Equal(t, cfg.Memory.TopK, actor.TopK)

	reg := cfg.RegistryOptions(nil)
	assert.Empty(t, reg.SyncSchedule)
	assert.Equal(t, "@every 5m", reg.SnapshotSchedule)
	assert.Equal(t, cfg.Memory.IdleTTL, reg.IdleTTL)
}

func TestLoadFromFile_SampleConfig(t *testing.T) {
	t.Setenv("POSTGRES_PASSWORD", "secret")

	cfg, err := LoadFromFile(filepath.Join("..", "..", "config", "config.yaml"))
	require.NoError(t, err)

	defaults := DefaultConfig()
	assert.Equal(t, defaults.Server, cfg.Server)
	assert.Equal(t, defaults.Memory, cfg.Memory)
	assert.Equal(t, defaults.Kronos, cfg.Kronos)
	assert.Equal(t, defaults.Latency, cfg.Latency)
	assert.Equal(t, defaults.Sync, cfg.Sync)
	assert.Equal(t, DriverMemory, cfg.Storage.Durable.Driver)
	assert.Equal(t, "secret", cfg.Storage.Durable.Postgres.Password)
	assert.Equal(t, defaults.Storage.Snapshot.Redis, cfg.Storage.Snapshot.Redis)
}

func createTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
