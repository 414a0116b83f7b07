package config

import (
	"log/slog"

	"github.com/John-Rood/MemoryRouter-sub003/internal/chunker"
	"github.com/John-Rood/MemoryRouter-sub003/internal/memory"
)

// ActorOptions maps the memory, kronos and sync sections onto actor options.
// Embedder, Repository and Snapshots are left for the caller.
func (c *Config) ActorOptions(logger *slog.Logger) memory.Options {
	return memory.Options{
		Chunker:     chunker.New(c.Memory.Chunk),
		Kronos:      c.Kronos.Config,
		Quotas:      c.Kronos.Quotas,
		MaxLag:      c.Sync.MaxLag,
		TopK:        c.Memory.TopK,
		TokenBudget: c.Memory.TokenBudget,
		LazySync:    c.Memory.LazySync,
		OpTimeout:   c.Memory.OpTimeout,
		Logger:      logger,
	}
}

// RegistryOptions maps actor lifetimes and schedules onto registry options.
func (c *Config) RegistryOptions(logger *slog.Logger) memory.RegistryOptions {
	return memory.RegistryOptions{
		IdleTTL:          c.Memory.IdleTTL,
		SweepInterval:    c.Memory.SweepInterval,
		SyncSchedule:     c.Sync.Schedule,
		SnapshotSchedule: c.Sync.SnapshotSchedule,
		HibernateTimeout: c.Memory.HibernateTimeout,
		Logger:           logger,
	}
}
