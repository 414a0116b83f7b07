// Package config provides configuration management with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for zero-downtime updates.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/John-Rood/MemoryRouter-sub003/internal/chunker"
	"github.com/John-Rood/MemoryRouter-sub003/internal/durable"
	"github.com/John-Rood/MemoryRouter-sub003/internal/embedding"
	"github.com/John-Rood/MemoryRouter-sub003/internal/kronos"
	"github.com/John-Rood/MemoryRouter-sub003/internal/memory"
	"github.com/John-Rood/MemoryRouter-sub003/internal/observability"
	"github.com/John-Rood/MemoryRouter-sub003/internal/pipeline"
	"github.com/John-Rood/MemoryRouter-sub003/internal/provider"
	"github.com/John-Rood/MemoryRouter-sub003/internal/snapshot"
)

// Config represents the complete MemoryRouter configuration.
type Config struct {
	Server    ServerConfig                `yaml:"server"`
	Memory    MemoryConfig                `yaml:"memory"`
	Kronos    KronosConfig                `yaml:"kronos"`
	Latency   pipeline.Budgets            `yaml:"latency"`
	Sync      SyncConfig                  `yaml:"sync"`
	Embedding EmbeddingConfig             `yaml:"embedding"`
	Provider  provider.Config             `yaml:"provider"`
	Storage   StorageConfig               `yaml:"storage"`
	Logging   observability.LoggerConfig  `yaml:"logging"`
	Metrics   MetricsConfig               `yaml:"metrics"`
	Tracing   observability.TracingConfig `yaml:"tracing"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// MemoryConfig contains per-key actor settings.
type MemoryConfig struct {
	Chunk       chunker.Config `yaml:"chunk"`
	TopK        int            `yaml:"top_k"`
	TokenBudget int            `yaml:"token_budget"`
	Mode        memory.Mode    `yaml:"mode"` // full, tiered
	LazySync    bool           `yaml:"lazy_sync"`
	OpTimeout   time.Duration  `yaml:"op_timeout"`

	IdleTTL          time.Duration `yaml:"idle_ttl"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	HibernateTimeout time.Duration `yaml:"hibernate_timeout"`
}

// KronosConfig contains the recency windows and the tiered retrieval quotas.
type KronosConfig struct {
	kronos.Config `yaml:",inline"`
	Quotas        kronos.Quotas `yaml:"quotas"`
}

// SyncConfig contains durable sync settings.
type SyncConfig struct {
	// MaxLag is the number of indexed chunks the durable store may trail by.
	MaxLag int `yaml:"max_lag"`
	// Schedule and SnapshotSchedule are cron specs; empty disables them.
	Schedule         string `yaml:"schedule"`
	SnapshotSchedule string `yaml:"snapshot_schedule"`
}

// Embedding backends.
const (
	EmbeddingHash   = "hash"
	EmbeddingHTTP   = "http"
	EmbeddingOpenAI = "openai"
)

// EmbeddingConfig selects and configures the embedding backend.
type EmbeddingConfig struct {
	Type string `yaml:"type"` // hash, http, openai
	// Dimension applies to the hash embedder.
	Dimension int                    `yaml:"dimension"`
	Service   embedding.ServiceConfig `yaml:"service"`
	OpenAI    embedding.OpenAIConfig  `yaml:"openai"`
	// CacheBytes bounds the query embedding cache; 0 disables it.
	CacheBytes int64 `yaml:"cache_bytes"`
}

// StorageConfig contains the durable and snapshot store settings.
type StorageConfig struct {
	Durable  DurableConfig  `yaml:"durable"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
}

// Store drivers.
const (
	DriverNone     = "none"
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverS3       = "s3"
)

// DurableConfig selects the durable chunk store.
type DurableConfig struct {
	Driver   string                 `yaml:"driver"` // memory, postgres
	Postgres durable.PostgresConfig `yaml:"postgres"`
	// Migrate creates the tables on startup.
	Migrate bool `yaml:"migrate"`
}

// SnapshotConfig selects the snapshot store.
type SnapshotConfig struct {
	Driver string              `yaml:"driver"` // none, memory, redis, s3
	TTL    time.Duration       `yaml:"ttl"`
	Redis  snapshot.RedisConfig `yaml:"redis"`
	S3     snapshot.S3Config    `yaml:"s3"`
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns a self-contained development configuration: hash
// embeddings, the echo provider and in-process stores.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    10 << 20,
		},
		Memory: MemoryConfig{
			Chunk:            chunker.DefaultConfig(),
			TopK:             memory.DefaultTopK,
			TokenBudget:      memory.DefaultTokenBudget,
			Mode:             memory.ModeFull,
			OpTimeout:        memory.DefaultOpTimeout,
			IdleTTL:          15 * time.Minute,
			SweepInterval:    time.Minute,
			HibernateTimeout: 30 * time.Second,
		},
		Kronos: KronosConfig{
			Config: kronos.DefaultConfig(),
			Quotas: kronos.DefaultQuotas(),
		},
		Latency: pipeline.DefaultBudgets(),
		Sync: SyncConfig{
			MaxLag:           durable.DefaultMaxLag,
			Schedule:         "@every 5s",
			SnapshotSchedule: "@every 5m",
		},
		Embedding: EmbeddingConfig{
			Type:       EmbeddingHash,
			Dimension:  256,
			OpenAI:     embedding.DefaultOpenAIConfig(),
			CacheBytes: 64 << 20,
		},
		Provider: provider.Config{
			Type:    provider.TypeEcho,
			Timeout: 120 * time.Second,
		},
		Storage: StorageConfig{
			Durable: DurableConfig{
				Driver:   DriverMemory,
				Postgres: durable.DefaultPostgresConfig(),
				Migrate:  true,
			},
			Snapshot: SnapshotConfig{
				Driver: DriverMemory,
				TTL:    7 * 24 * time.Hour,
				Redis:  snapshot.DefaultRedisConfig(),
			},
		},
		Logging: observability.DefaultLoggerConfig(),
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: observability.DefaultTracingConfig(),
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of DefaultConfig and validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes cannot be negative")
	}

	if err := c.validateMemory(); err != nil {
		return err
	}
	if err := c.Kronos.Config.Validate(); err != nil {
		return fmt.Errorf("kronos: %w", err)
	}
	if err := c.Kronos.Quotas.Validate(); err != nil {
		return fmt.Errorf("kronos.quotas: %w", err)
	}

	l := c.Latency
	if l.Overhead <= 0 || l.Processing <= 0 {
		return fmt.Errorf("latency.overhead and latency.processing must be positive")
	}
	if l.SoftOverhead < 0 || l.SoftOverhead > l.Overhead {
		return fmt.Errorf("latency.soft_overhead must be between 0 and latency.overhead")
	}
	if l.Processing < l.Overhead {
		return fmt.Errorf("latency.processing (%s) cannot be below latency.overhead (%s)", l.Processing, l.Overhead)
	}

	if c.Sync.MaxLag < 1 {
		return fmt.Errorf("sync.max_lag must be at least 1, got %d", c.Sync.MaxLag)
	}

	if err := c.validateEmbedding(); err != nil {
		return err
	}

	switch c.Provider.Type {
	case "", provider.TypeOpenAI:
		if c.Provider.APIKey == "" {
			return fmt.Errorf("provider.api_key is required for the openai provider")
		}
	case provider.TypeEcho:
	default:
		return fmt.Errorf("unknown provider.type %q", c.Provider.Type)
	}
	if c.Provider.Timeout < 0 {
		return fmt.Errorf("provider.timeout cannot be negative")
	}

	return c.validateStorage()
}

func (c *Config) validateMemory() error {
	m := c.Memory
	if m.TopK < 0 {
		return fmt.Errorf("memory.top_k cannot be negative")
	}
	if m.TokenBudget < 0 {
		return fmt.Errorf("memory.token_budget cannot be negative")
	}
	switch m.Mode {
	case "", memory.ModeFull, memory.ModeTiered:
	default:
		return fmt.Errorf("unknown memory.mode %q", m.Mode)
	}
	if m.Chunk.TargetTokens < 0 || m.Chunk.OverlapTokens < 0 || m.Chunk.CharsPerToken < 0 {
		return fmt.Errorf("memory.chunk values cannot be negative")
	}
	if m.Chunk.TargetTokens > 0 && m.Chunk.OverlapTokens*2 > m.Chunk.TargetTokens {
		return fmt.Errorf("memory.chunk.overlap_tokens (%d) must be at most half of target_tokens (%d)",
			m.Chunk.OverlapTokens, m.Chunk.TargetTokens)
	}
	if m.IdleTTL < 0 || m.SweepInterval < 0 || m.HibernateTimeout < 0 || m.OpTimeout < 0 {
		return fmt.Errorf("memory durations cannot be negative")
	}
	return nil
}

func (c *Config) validateEmbedding() error {
	e := c.Embedding
	switch e.Type {
	case EmbeddingHash:
		if e.Dimension <= 0 {
			return fmt.Errorf("embedding.dimension must be positive for the hash embedder")
		}
	case EmbeddingHTTP:
		if e.Service.BaseURL == "" {
			return fmt.Errorf("embedding.service.base_url is required for the http embedder")
		}
	case EmbeddingOpenAI:
		if e.OpenAI.APIKey == "" {
			return fmt.Errorf("embedding.openai.api_key is required for the openai embedder")
		}
	default:
		return fmt.Errorf("unknown embedding.type %q", e.Type)
	}
	if e.CacheBytes < 0 {
		return fmt.Errorf("embedding.cache_bytes cannot be negative")
	}
	return nil
}

func (c *Config) validateStorage() error {
	d := c.Storage.Durable
	switch d.Driver {
	case DriverMemory:
	case DriverPostgres:
		if d.Postgres.Host == "" || d.Postgres.Database == "" {
			return fmt.Errorf("storage.durable.postgres host and database are required")
		}
	default:
		return fmt.Errorf("unknown storage.durable.driver %q", d.Driver)
	}

	s := c.Storage.Snapshot
	switch s.Driver {
	case "", DriverNone, DriverMemory:
	case DriverRedis:
		if s.Redis.Addr == "" && len(s.Redis.ClusterAddrs) == 0 && len(s.Redis.SentinelAddrs) == 0 {
			return fmt.Errorf("storage.snapshot.redis needs addr, cluster_addrs or sentinel_addrs")
		}
	case DriverS3:
		if s.S3.Bucket == "" {
			return fmt.Errorf("storage.snapshot.s3.bucket is required")
		}
	default:
		return fmt.Errorf("unknown storage.snapshot.driver %q", s.Driver)
	}
	if s.TTL < 0 {
		return fmt.Errorf("storage.snapshot.ttl cannot be negative")
	}
	return nil
}
