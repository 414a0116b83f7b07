package main

import (
	"context"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/John-Rood/MemoryRouter-sub003/internal/api"
	"github.com/John-Rood/MemoryRouter-sub003/internal/config"
	"github.com/John-Rood/MemoryRouter-sub003/internal/durable"
	"github.com/John-Rood/MemoryRouter-sub003/internal/embedding"
	"github.com/John-Rood/MemoryRouter-sub003/internal/memory"
	"github.com/John-Rood/MemoryRouter-sub003/internal/pipeline"
	"github.com/John-Rood/MemoryRouter-sub003/internal/provider"
	"github.com/John-Rood/MemoryRouter-sub003/internal/snapshot"
)

// closers runs cleanup functions in reverse order of registration.
type closers []func()

func (c *closers) add(fn func()) {
	if fn != nil {
		*c = append(*c, fn)
	}
}

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func buildEmbedder(cfg config.EmbeddingConfig) (embedding.Embedder, func(), error) {
	var base embedding.Embedder
	switch cfg.Type {
	case config.EmbeddingHash:
		base = embedding.NewHashEmbedder(cfg.Dimension)
	case config.EmbeddingHTTP:
		e, err := embedding.NewHTTPEmbedder(cfg.Service)
		if err != nil {
			return nil, nil, fmt.Errorf("embedding service: %w", err)
		}
		base = e
	case config.EmbeddingOpenAI:
		e, err := embedding.NewOpenAIEmbedder(cfg.OpenAI)
		if err != nil {
			return nil, nil, fmt.Errorf("openai embedder: %w", err)
		}
		base = e
	default:
		return nil, nil, fmt.Errorf("unknown embedding type %q", cfg.Type)
	}

	if cfg.CacheBytes <= 0 {
		return base, nil, nil
	}
	cached, err := embedding.NewCachedEmbedder(base, cfg.CacheBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("embedding cache: %w", err)
	}
	return cached, cached.Close, nil
}

func buildDurable(ctx context.Context, cfg config.DurableConfig, logger *slog.Logger) (durable.Repository, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return durable.NewMemoryRepository(), nil
	case config.DriverPostgres:
		repo, err := durable.NewPostgresRepository(cfg.Postgres)
		if err != nil {
			return nil, err
		}
		if cfg.Migrate {
			if err := repo.Migrate(ctx); err != nil {
				_ = repo.Close()
				return nil, fmt.Errorf("migrate durable store: %w", err)
			}
			logger.Info("durable store migrated")
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown durable driver %q", cfg.Driver)
	}
}

// pingFunc adapts a ping function to api.HealthChecker.
type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// embeddingCheck returns a readiness check for embedders backed by a
// service with a health endpoint, nil for the rest.
func embeddingCheck(e embedding.Embedder) api.HealthChecker {
	if c, ok := e.(*embedding.CachedEmbedder); ok {
		e = c.Unwrap()
	}
	if h, ok := e.(interface{ Health(context.Context) error }); ok {
		return pingFunc(h.Health)
	}
	return nil
}

// snapshotStore is the built snapshot store plus its readiness check and
// cleanup. All fields are nil when snapshots are disabled.
type snapshotStore struct {
	store snapshot.Store
	check api.HealthChecker
	close func()
}

func buildSnapshots(ctx context.Context, cfg config.SnapshotConfig) (snapshotStore, error) {
	switch cfg.Driver {
	case "", config.DriverNone:
		return snapshotStore{}, nil
	case config.DriverMemory:
		return snapshotStore{store: snapshot.NewMemoryStore(cfg.TTL)}, nil
	case config.DriverRedis:
		client, err := snapshot.NewRedisClient(cfg.Redis)
		if err != nil {
			return snapshotStore{}, err
		}
		ttl := cfg.TTL
		if ttl <= 0 {
			ttl = cfg.Redis.TTL
		}
		return snapshotStore{
			store: snapshot.NewRedisStore(client, cfg.Redis.Namespace, ttl),
			check: redisCheck(client),
			close: func() { _ = client.Close() },
		}, nil
	case config.DriverS3:
		store, err := snapshot.NewS3Store(ctx, cfg.S3)
		if err != nil {
			return snapshotStore{}, err
		}
		return snapshotStore{store: store}, nil
	default:
		return snapshotStore{}, fmt.Errorf("unknown snapshot driver %q", cfg.Driver)
	}
}

func redisCheck(client goredis.UniversalClient) api.HealthChecker {
	return pingFunc(func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
}

// deps are the long-lived collaborators shared by every pipeline built
// from a configuration.
type deps struct {
	registry *memory.Registry
	embedder embedding.Embedder
	provider provider.Provider
	tracer   trace.Tracer
	logger   *slog.Logger
}

func buildPipeline(cfg *config.Config, d deps) (*pipeline.Pipeline, error) {
	prov := d.provider
	if prov == nil {
		p, err := provider.New(cfg.Provider)
		if err != nil {
			return nil, fmt.Errorf("provider: %w", err)
		}
		prov = p
	}
	return pipeline.New(d.registry, d.embedder, prov, pipeline.Options{
		Budgets:     cfg.Latency,
		TokenBudget: cfg.Memory.TokenBudget,
		TopK:        cfg.Memory.TopK,
		Mode:        cfg.Memory.Mode,
		Tracer:      d.tracer,
		Logger:      d.logger,
	}), nil
}
