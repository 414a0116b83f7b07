package memory

import (
	"context"
	"errors"

	"github.com/John-Rood/MemoryRouter-sub003/internal/chunker"
	"github.com/John-Rood/MemoryRouter-sub003/internal/durable"
	"github.com/John-Rood/MemoryRouter-sub003/internal/kronos"
	"github.com/John-Rood/MemoryRouter-sub003/internal/metrics"
	"github.com/John-Rood/MemoryRouter-sub003/internal/snapshot"
	"github.com/John-Rood/MemoryRouter-sub003/internal/vectorindex"
	mrerrors "github.com/John-Rood/MemoryRouter-sub003/pkg/errors"
)

// Rehydration sources reported in Stats.
const (
	SourceEmpty    = "empty"
	SourceSnapshot = "snapshot"
	SourceDurable  = "durable"
)

func (a *Actor) ensureIndex(ctx context.Context) {
	if a.st.index == nil {
		a.rehydrate(ctx)
	}
}

// rehydrate restores the key: the latest snapshot if it decodes cleanly,
// then every durable chunk newer than it. Without a usable snapshot the
// whole durable history is replayed. On failure the index stays nil and
// retrieval serves the buffer only until a later attempt succeeds.
func (a *Actor) rehydrate(ctx context.Context) {
	snap, base := a.loadSnapshot(ctx)

	syncer := durable.NewSyncer(a.key, a.opts.Repository, durable.SyncerOptions{
		MaxLag: a.opts.MaxLag,
		Logger: a.opts.Logger,
		Now:    a.opts.Now,
	})
	res, err := syncer.Rebuild(ctx, base, 0)
	if err != nil {
		metrics.Rehydrations.WithLabelValues("failed").Inc()
		a.logger.Error("rehydration failed, serving buffer-only retrieval", "error", err)
		return
	}

	records := make(map[uint32]chunkText, res.Index.Len())
	var pending []snapshot.PendingChunk
	restored := chunker.Buffer{}
	source := SourceEmpty

	if snap != nil {
		source = SourceSnapshot
		for _, r := range snap.Records {
			records[r.ID] = chunkText{role: r.Role, content: r.Content}
		}
		pending = append(pending, snap.Pending...)
		restored = a.opts.Chunker.NewBuffer(snap.Buffer.PendingText)
	}
	for _, row := range res.Rows {
		records[row.ID] = chunkText{role: row.Role, content: row.Content}
	}
	if len(res.Rows) > 0 && source == SourceEmpty {
		source = SourceDurable
	}
	// The buffer row is written on every sync, the snapshot only on
	// hibernation or schedule: prefer whichever is newer.
	if res.Buffer != nil && (snap == nil || !res.Buffer.UpdatedAt.Before(snap.CreatedAt)) {
		restored = a.opts.Chunker.NewBuffer(res.Buffer.PendingText)
		if source == SourceEmpty {
			source = SourceDurable
		}
	}

	// Text stored while the key was unavailable goes after the restored
	// state. Chunks it already produced keep their place in the queue.
	buffer := restored
	if a.st.dirty {
		merged := a.opts.Chunker.ProcessBuffer(restored.PendingText, a.st.buffer.PendingText)
		buffer = merged.Buffer
		pending = append(pending, a.st.pending...)
		for _, c := range merged.Chunks {
			pending = append(pending, snapshot.PendingChunk{Content: c, Timestamp: kronos.Millis(a.opts.Now())})
		}
		a.logger.Info("merged text stored during outage into restored buffer", "pending_chunks", len(pending))
	}

	// Chunks the snapshot holds but the durable store never received are
	// queued again.
	cursor := syncer.Cursor()
	if last, ok := res.Index.LastID(); ok && last > cursor.LastChunkID {
		for _, rec := range res.Index.Records() {
			if rec.ID <= cursor.LastChunkID {
				continue
			}
			t := records[rec.ID]
			if err := syncer.Enqueue(durable.ChunkRow{
				ID:        rec.ID,
				Role:      t.role,
				Content:   t.content,
				Embedding: rec.Vector,
				Timestamp: rec.Timestamp,
			}); err != nil {
				a.reportLag(err)
			}
		}
	}

	a.st.index = res.Index
	a.st.records = records
	a.st.syncer = syncer
	a.st.buffer = buffer
	a.st.pending = pending
	a.st.dirty = false
	a.st.source = source
	a.st.nextID = cursor.LastChunkID + 1
	if last, ok := res.Index.LastID(); ok && last >= cursor.LastChunkID {
		a.st.nextID = last + 1
	}

	if syncer.Lag() > 0 {
		_ = a.flush(ctx)
	}
	metrics.Rehydrations.WithLabelValues(source).Inc()
	a.logger.Info("memory actor rehydrated",
		"source", source,
		"index_size", res.Index.Len(),
		"replayed", len(res.Rows),
		"skipped", res.Skipped,
		"pending_chunks", len(pending),
		"buffer_tokens", buffer.TokenEstimate)
}

// loadSnapshot returns the stored snapshot and its decoded index, or nils
// when there is none or it cannot be trusted.
func (a *Actor) loadSnapshot(ctx context.Context) (*snapshot.Snapshot, *vectorindex.Index) {
	if a.opts.Snapshots == nil {
		return nil, nil
	}
	snap, err := a.opts.Snapshots.Load(ctx, a.key)
	if errors.Is(err, snapshot.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		a.logger.Warn("snapshot unavailable, rebuilding from durable store", "error", err)
		return nil, nil
	}

	idx, err := vectorindex.Decode(snap.Index)
	if err != nil {
		a.logger.Warn("snapshot index corrupt, rebuilding from durable store",
			"corruption", mrerrors.IsIndexCorruption(err), "error", err)
		return nil, nil
	}
	if !recordsMatch(idx, snap.Records) {
		a.logger.Warn("snapshot records do not match its index, rebuilding from durable store",
			"index_size", idx.Len(), "records", len(snap.Records))
		return nil, nil
	}
	return snap, idx
}

func recordsMatch(idx *vectorindex.Index, records []snapshot.Record) bool {
	if idx.Len() != len(records) {
		return false
	}
	for i, rec := range idx.Records() {
		if records[i].ID != rec.ID {
			return false
		}
	}
	return true
}
