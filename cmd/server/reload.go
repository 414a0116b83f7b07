package main

import (
	"log/slog"
	"sync/atomic"

	"github.com/John-Rood/MemoryRouter-sub003/internal/config"
	"github.com/John-Rood/MemoryRouter-sub003/internal/memory"
	"github.com/John-Rood/MemoryRouter-sub003/internal/pipeline"
)

type pipelineSetter interface {
	SetPipeline(*pipeline.Pipeline)
}

type actorOptionsSetter interface {
	SetActorOptions(memory.Options)
}

// configReloader applies a reloaded configuration: new completions use a
// pipeline built from it, and actors created from then on use its memory
// settings. Storage, embedding and server settings need a restart.
type configReloader struct {
	logger     *slog.Logger
	handler    pipelineSetter
	registry   actorOptionsSetter
	build      func(*config.Config) (*pipeline.Pipeline, error)
	actorOpts  func(*config.Config) memory.Options
	inProgress atomic.Bool
}

func newConfigReloader(
	logger *slog.Logger,
	handler pipelineSetter,
	registry actorOptionsSetter,
	build func(*config.Config) (*pipeline.Pipeline, error),
	actorOpts func(*config.Config) memory.Options,
) *configReloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &configReloader{
		logger:    logger,
		handler:   handler,
		registry:  registry,
		build:     build,
		actorOpts: actorOpts,
	}
}

func (r *configReloader) Reload(cfg *config.Config) {
	if !r.inProgress.CompareAndSwap(false, true) {
		r.logger.Warn("config reload already in progress")
		return
	}
	defer r.inProgress.Store(false)

	next, err := r.build(cfg)
	if err != nil {
		r.logger.Error("failed to rebuild pipeline", "error", err)
		return
	}
	if next == nil {
		r.logger.Error("failed to rebuild pipeline", "error", "nil pipeline")
		return
	}

	r.registry.SetActorOptions(r.actorOpts(cfg))
	r.handler.SetPipeline(next)

	r.logger.Info("memory configuration reloaded",
		"mode", cfg.Memory.Mode,
		"top_k", cfg.Memory.TopK,
		"token_budget", cfg.Memory.TokenBudget,
	)
}
