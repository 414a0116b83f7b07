// Package main is the entry point for the MemoryRouter server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/John-Rood/MemoryRouter-sub003/internal/api"
	"github.com/John-Rood/MemoryRouter-sub003/internal/config"
	"github.com/John-Rood/MemoryRouter-sub003/internal/durable"
	"github.com/John-Rood/MemoryRouter-sub003/internal/memory"
	"github.com/John-Rood/MemoryRouter-sub003/internal/observability"
	"github.com/John-Rood/MemoryRouter-sub003/internal/pipeline"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("memoryrouter exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfgManager, err := config.NewManager(configPath, bootLogger)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	defer func() { _ = cfgManager.Close() }()
	cfg := cfgManager.Get()

	logger, err := observability.NewLogger(cfg.Logging, observability.NewRedactor())
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	slog.SetDefault(logger.Slog())
	log := logger.Slog()
	log.Info("starting memoryrouter", "config", cfgManager.Status().Path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cleanup closers
	defer func() { cleanup.run() }()

	tp, err := observability.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	cleanup.add(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warn("tracer shutdown failed", "error", err)
		}
	})

	embedder, closeEmbedder, err := buildEmbedder(cfg.Embedding)
	if err != nil {
		return err
	}
	cleanup.add(closeEmbedder)

	repo, err := buildDurable(ctx, cfg.Storage.Durable, log)
	if err != nil {
		return fmt.Errorf("durable store: %w", err)
	}
	cleanup.add(func() { _ = repo.Close() })
	if pg, ok := repo.(*durable.PostgresRepository); ok {
		cleanup.add(startDBPoolMetrics(ctx, pg, log, 30*time.Second))
	}

	snaps, err := buildSnapshots(ctx, cfg.Storage.Snapshot)
	if err != nil {
		return fmt.Errorf("snapshot store: %w", err)
	}
	cleanup.add(snaps.close)

	actorOptions := func(c *config.Config) memory.Options {
		opts := c.ActorOptions(log)
		opts.Embedder = embedder
		opts.Repository = repo
		opts.Snapshots = snaps.store
		return opts
	}
	registry := memory.NewRegistry(actorOptions(cfg), cfg.RegistryOptions(log))
	if err := registry.Start(); err != nil {
		return fmt.Errorf("memory schedule: %w", err)
	}

	d := deps{registry: registry, embedder: embedder, tracer: tp.Tracer(), logger: log}
	build := func(c *config.Config) (*pipeline.Pipeline, error) { return buildPipeline(c, d) }
	p, err := build(cfg)
	if err != nil {
		return err
	}

	checks := map[string]api.HealthChecker{"durable": repo}
	if snaps.check != nil {
		checks["snapshot"] = snaps.check
	}
	if check := embeddingCheck(embedder); check != nil {
		checks["embedding"] = check
	}
	handler := api.NewHandler(p, registry, embedder, logger, &api.HandlerConfig{
		MaxBodySize: cfg.Server.MaxBodyBytes,
		Retrieve: api.RetrieveDefaults{
			TokenBudget: cfg.Memory.TokenBudget,
			TopK:        cfg.Memory.TopK,
			Mode:        cfg.Memory.Mode,
		},
		Checks: checks,
	})

	reloader := newConfigReloader(log, handler, registry, build, actorOptions)
	cfgManager.OnChange(reloader.Reload)
	if err := cfgManager.Watch(ctx); err != nil {
		log.Warn("config hot-reload disabled", "error", err)
	}

	mux, err := buildMux(cfg, handler)
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      buildMiddlewareStack(log)(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	log.Info("shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", "error", err)
	}
	// Hibernating every actor flushes buffers to the durable store and
	// writes final snapshots.
	if err := registry.Close(shutdownCtx); err != nil {
		log.Error("memory shutdown error", "error", err)
	}

	log.Info("server stopped")
	return nil
}
