package durable

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/John-Rood/MemoryRouter-sub003/internal/chunker"
	"github.com/John-Rood/MemoryRouter-sub003/internal/vectorindex"
	mrerrors "github.com/John-Rood/MemoryRouter-sub003/pkg/errors"
)

// DefaultMaxLag is the number of finalized chunks the durable store may
// trail the live index by before Enqueue reports a sync lag.
const DefaultMaxLag = 1

// SyncerOptions configures a Syncer.
type SyncerOptions struct {
	MaxLag int
	Logger *slog.Logger
	Now    func() time.Time
}

// Syncer replicates one key's chunks and buffer to a Repository. It is owned
// by the key's actor and is not safe for concurrent use.
type Syncer struct {
	key    string
	repo   Repository
	maxLag int
	logger *slog.Logger
	now    func() time.Time

	pending    []ChunkRow
	cursor     Cursor
	lastBuffer *chunker.Buffer
}

// NewSyncer creates a syncer for key.
func NewSyncer(key string, repo Repository, opts SyncerOptions) *Syncer {
	if opts.MaxLag <= 0 {
		opts.MaxLag = DefaultMaxLag
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Syncer{
		key:    key,
		repo:   repo,
		maxLag: opts.MaxLag,
		logger: opts.Logger.With("memory_key", key),
		now:    opts.Now,
	}
}

// Key returns the memory key this syncer replicates.
func (s *Syncer) Key() string { return s.key }

// Cursor returns the last persisted position.
func (s *Syncer) Cursor() Cursor { return s.cursor }

// Lag returns the number of finalized chunks not yet persisted.
func (s *Syncer) Lag() int { return len(s.pending) }

// MaxLag returns the configured lag bound.
func (s *Syncer) MaxLag() int { return s.maxLag }

// Enqueue queues finalized chunks for the next Flush. The rows are always
// queued; a SyncLag error only signals that the bound is exceeded.
func (s *Syncer) Enqueue(rows ...ChunkRow) error {
	for _, row := range rows {
		row.MemoryKey = s.key
		s.pending = append(s.pending, copyRow(row))
	}
	if lag := s.Lag(); lag > s.maxLag {
		return mrerrors.NewSyncLag(s.key, lag, s.maxLag, nil)
	}
	return nil
}

// Flush persists queued chunks in id order, then the buffer. On failure the
// chunks not yet written stay queued for the next attempt.
func (s *Syncer) Flush(ctx context.Context, buf chunker.Buffer) error {
	for len(s.pending) > 0 {
		row := s.pending[0]
		if err := s.repo.InsertChunk(ctx, row); err != nil {
			return fmt.Errorf("flush chunk %d of %s: %w", row.ID, s.key, err)
		}
		s.pending = s.pending[1:]
		s.cursor.LastChunkID = row.ID
		s.cursor.Count++
	}
	if len(s.pending) == 0 {
		s.pending = nil
	}

	if s.lastBuffer != nil && *s.lastBuffer == buf {
		return nil
	}
	err := s.repo.UpsertBuffer(ctx, BufferRow{
		MemoryKey:   s.key,
		PendingText: buf.PendingText,
		TokenCount:  buf.TokenEstimate,
		UpdatedAt:   s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("flush buffer of %s: %w", s.key, err)
	}
	s.lastBuffer = &buf
	return nil
}

// RebuildResult is the outcome of a replay from the durable store.
type RebuildResult struct {
	Index *vectorindex.Index
	// Rows are the chunks replayed into Index, in id order.
	Rows []ChunkRow
	// Buffer is the persisted buffer, nil when none was stored.
	Buffer  *BufferRow
	Skipped int
}

// Rebuild replays every persisted chunk with id > afterID into base. A nil
// base starts from an empty index, which is a full rebuild; otherwise the
// replay is a delta on top of a restored snapshot. Rows the index rejects
// are skipped and logged.
func (s *Syncer) Rebuild(ctx context.Context, base *vectorindex.Index, afterID uint32) (RebuildResult, error) {
	if base == nil {
		base = vectorindex.New(0)
	}
	if last, ok := base.LastID(); ok && last > afterID {
		afterID = last
	}

	rows, err := s.repo.ListChunksByKey(ctx, s.key, afterID)
	if err != nil {
		return RebuildResult{}, fmt.Errorf("list chunks of %s: %w", s.key, err)
	}

	res := RebuildResult{Index: base}
	for _, row := range rows {
		if err := base.Add(row.ID, row.Embedding, row.Timestamp); err != nil {
			s.logger.Warn("skipping durable chunk during rebuild", "chunk_id", row.ID, "error", err)
			res.Skipped++
			continue
		}
		res.Rows = append(res.Rows, row)
	}

	if res.Buffer, err = s.repo.GetBuffer(ctx, s.key); err != nil {
		return RebuildResult{}, fmt.Errorf("load buffer of %s: %w", s.key, err)
	}
	if res.Buffer != nil {
		b := chunker.Buffer{PendingText: res.Buffer.PendingText, TokenEstimate: res.Buffer.TokenCount}
		s.lastBuffer = &b
	}
	if s.cursor, err = s.repo.Cursor(ctx, s.key); err != nil {
		return RebuildResult{}, fmt.Errorf("load cursor of %s: %w", s.key, err)
	}
	s.pending = nil

	s.logger.Debug("rebuilt index from durable store",
		"after_id", afterID, "replayed", len(res.Rows), "skipped", res.Skipped, "size", base.Len())
	return res, nil
}
