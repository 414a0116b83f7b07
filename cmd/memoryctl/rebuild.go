package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/John-Rood/MemoryRouter-sub003/internal/chunker"
	"github.com/John-Rood/MemoryRouter-sub003/internal/config"
	"github.com/John-Rood/MemoryRouter-sub003/internal/durable"
	"github.com/John-Rood/MemoryRouter-sub003/internal/snapshot"
)

func newRebuildCmd() *cobra.Command {
	var (
		configPath string
		outPath    string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "rebuild <memory-key>",
		Short: "Rebuild a key's index from the durable store and optionally write a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromFile(configPath)
			if err != nil {
				return err
			}
			if cfg.Storage.Durable.Driver != config.DriverPostgres {
				return fmt.Errorf("rebuild needs a persistent durable store, config uses %q", cfg.Storage.Durable.Driver)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			repo, err := durable.NewPostgresRepository(cfg.Storage.Durable.Postgres)
			if err != nil {
				return err
			}
			defer func() { _ = repo.Close() }()

			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))
			snap, res, err := rebuildSnapshot(ctx, repo, args[0], cfg.Memory.Chunk, logger, time.Now)
			if err != nil {
				return err
			}
			printRebuild(cmd.OutOrStdout(), snap, res)

			if outPath == "" {
				return nil
			}
			data, err := snapshot.Encode(snap)
			if err != nil {
				return err
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write snapshot: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "snapshot written to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config/config.yaml", "Path to the server configuration")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Write the rebuilt snapshot to this file")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Overall deadline")
	return cmd
}

// rebuildSnapshot replays every durable chunk of key into a fresh index and
// packages the result with the persisted buffer as a snapshot.
func rebuildSnapshot(ctx context.Context, repo durable.Repository, key string, chunkCfg chunker.Config, logger *slog.Logger, now func() time.Time) (*snapshot.Snapshot, durable.RebuildResult, error) {
	syncer := durable.NewSyncer(key, repo, durable.SyncerOptions{Logger: logger, Now: now})
	res, err := syncer.Rebuild(ctx, nil, 0)
	if err != nil {
		return nil, durable.RebuildResult{}, err
	}

	encoded, err := res.Index.MarshalBinary()
	if err != nil {
		return nil, durable.RebuildResult{}, err
	}
	snap := &snapshot.Snapshot{
		Key:       key,
		Index:     encoded,
		Records:   make([]snapshot.Record, 0, len(res.Rows)),
		CreatedAt: now().UTC(),
	}
	for _, row := range res.Rows {
		snap.Records = append(snap.Records, snapshot.Record{ID: row.ID, Role: row.Role, Content: row.Content})
	}
	if last, ok := res.Index.LastID(); ok {
		snap.LastChunkID = last
	}
	if res.Buffer != nil {
		snap.Buffer = chunker.New(chunkCfg).NewBuffer(res.Buffer.PendingText)
	}
	return snap, res, nil
}

func printRebuild(w io.Writer, snap *snapshot.Snapshot, res durable.RebuildResult) {
	fmt.Fprintf(w, "memory key:  %s\n", snap.Key)
	fmt.Fprintf(w, "chunks:      %d\n", len(res.Rows))
	fmt.Fprintf(w, "skipped:     %d\n", res.Skipped)
	fmt.Fprintf(w, "dimension:   %d\n", res.Index.Dim())
	fmt.Fprintf(w, "last id:     %d\n", snap.LastChunkID)
	fmt.Fprintf(w, "buffer:      %d tokens\n", snap.Buffer.TokenEstimate)
}
