package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/John-Rood/MemoryRouter-sub003/internal/durable"
	"github.com/John-Rood/MemoryRouter-sub003/internal/embedding"
	"github.com/John-Rood/MemoryRouter-sub003/internal/kronos"
	"github.com/John-Rood/MemoryRouter-sub003/internal/snapshot"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const testDim = 64

// flakyEmbedder fails while fail is set.
type flakyEmbedder struct {
	*embedding.HashEmbedder
	fail atomic.Bool
}

func (e *flakyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.fail.Load() {
		return nil, errors.New("embedding service unavailable")
	}
	return e.HashEmbedder.Embed(ctx, text)
}

// gatedEmbedder blocks every call until gate is closed.
type gatedEmbedder struct {
	*embedding.HashEmbedder
	gate chan struct{}
}

func (e *gatedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	select {
	case <-e.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return e.HashEmbedder.Embed(ctx, text)
}

// faultyRepo wraps the in-memory repository with switchable failures.
type faultyRepo struct {
	*durable.MemoryRepository
	failList   atomic.Bool
	failInsert atomic.Bool
}

func newFaultyRepo() *faultyRepo {
	return &faultyRepo{MemoryRepository: durable.NewMemoryRepository()}
}

func (r *faultyRepo) ListChunksByKey(ctx context.Context, key string, afterID uint32) ([]durable.ChunkRow, error) {
	if r.failList.Load() {
		return nil, errors.New("durable store down")
	}
	return r.MemoryRepository.ListChunksByKey(ctx, key, afterID)
}

func (r *faultyRepo) InsertChunk(ctx context.Context, row durable.ChunkRow) error {
	if r.failInsert.Load() {
		return errors.New("durable store down")
	}
	return r.MemoryRepository.InsertChunk(ctx, row)
}

func testOptions(repo durable.Repository, emb embedding.Embedder) Options {
	return Options{
		Embedder:   emb,
		Repository: repo,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:        func() time.Time { return t0 },
	}
}

func startActor(t *testing.T, key string, opts Options) *Actor {
	t.Helper()
	a := NewActor(key, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Hibernate(ctx)
	})
	return a
}

// prose builds roughly n runes of short sentences tagged with tag.
func prose(tag string, n int) string {
	var b strings.Builder
	for i := 0; b.Len() < n; i++ {
		fmt.Fprintf(&b, "%s sentence %d mentions the garden. ", tag, i)
	}
	return strings.TrimSpace(b.String())
}

func query(t *testing.T, text string) []float32 {
	t.Helper()
	vec, err := embedding.NewHashEmbedder(testDim).Embed(context.Background(), text)
	require.NoError(t, err)
	return vec
}

func durableRows(t *testing.T, repo durable.Repository, key string) []durable.ChunkRow {
	t.Helper()
	rows, err := repo.ListChunksByKey(context.Background(), key, 0)
	require.NoError(t, err)
	return rows
}

func TestActor_RetrieveIncludesBufferBeforeFlush(t *testing.T) {
	ctx := context.Background()
	a := startActor(t, "user-1", testOptions(durable.NewMemoryRepository(), embedding.NewHashEmbedder(testDim)))

	res, err := a.Store(ctx, Turn{Role: "user", Content: "My PIN is 1234", Timestamp: t0})
	require.NoError(t, err)
	assert.Empty(t, res.ChunkIDs)
	assert.Greater(t, res.BufferTokens, 0)

	got, err := a.Retrieve(ctx, RetrieveRequest{Query: query(t, "What is my PIN?"), Now: t0, TokenBudget: 500})
	require.NoError(t, err)
	require.Len(t, got.Items, 1)
	assert.Equal(t, SourceBuffer, got.Items[0].Source)
	assert.Contains(t, got.Items[0].Content, "My PIN is 1234")
	assert.Greater(t, got.TokensRetrieved, 0)
	assert.Zero(t, got.ChunksRetrieved)
	assert.Equal(t, kronos.Breakdown{}, got.Breakdown)
	assert.False(t, got.Degraded)
}

func TestActor_TwoStoresFinalizeOneChunkWithOverlap(t *testing.T) {
	ctx := context.Background()
	repo := durable.NewMemoryRepository()
	a := startActor(t, "user-1", testOptions(repo, embedding.NewHashEmbedder(testDim)))

	first, err := a.Store(ctx, Turn{Role: "user", Content: prose("first", 700)})
	require.NoError(t, err)
	assert.Empty(t, first.ChunkIDs)

	second, err := a.Store(ctx, Turn{Role: "assistant", Content: prose("second", 700)})
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, second.ChunkIDs)
	assert.Equal(t, 1, second.IndexSize)
	assert.Zero(t, second.SyncLag)

	rows := durableRows(t, repo, "user-1")
	require.Len(t, rows, 1)
	chunk := []rune(rows[0].Content)
	tail := strings.TrimSpace(string(chunk[len(chunk)-100:]))

	got, err := a.Retrieve(ctx, RetrieveRequest{TokenBudget: 1000})
	require.NoError(t, err)
	require.NotEmpty(t, got.Items)
	buffer := got.Items[0]
	require.Equal(t, SourceBuffer, buffer.Source)
	assert.Contains(t, buffer.Content[:200], tail)
}

func TestActor_ConcurrentStoresLoseNothing(t *testing.T) {
	ctx := context.Background()
	repo := durable.NewMemoryRepository()
	a := startActor(t, "shared", testOptions(repo, embedding.NewHashEmbedder(testDim)))

	const n = 60
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := a.Store(ctx, Turn{Role: "user", Content: fmt.Sprintf("marker%03d is a note about something worth keeping around.", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	stats, err := a.Stats(ctx)
	require.NoError(t, err)
	require.Greater(t, stats.IndexSize, 0, "stores must have produced chunks")

	got, err := a.Retrieve(ctx, RetrieveRequest{Query: query(t, "marker note"), K: 1000, TokenBudget: 1_000_000})
	require.NoError(t, err)
	assert.Equal(t, stats.IndexSize, got.ChunksRetrieved)

	all := got.Text()
	for i := 0; i < n; i++ {
		assert.Contains(t, all, fmt.Sprintf("marker%03d", i))
	}
}

func TestActor_StoresApplyInCallOrder(t *testing.T) {
	ctx := context.Background()
	a := startActor(t, "ordered", testOptions(durable.NewMemoryRepository(), embedding.NewHashEmbedder(testDim)))

	var chans []<-chan StoreOutcome
	for i := 0; i < 5; i++ {
		chans = append(chans, a.StoreAsync(Turn{Role: "user", Content: fmt.Sprintf("step %d", i)}))
	}
	for _, ch := range chans {
		out := <-ch
		require.NoError(t, out.Err)
	}

	got, err := a.Retrieve(ctx, RetrieveRequest{})
	require.NoError(t, err)
	assert.Equal(t, "user: step 0\n\nuser: step 1\n\nuser: step 2\n\nuser: step 3\n\nuser: step 4", got.Items[0].Content)
}

func TestActor_DurableNeverTrailsByMoreThanOne(t *testing.T) {
	ctx := context.Background()
	repo := durable.NewMemoryRepository()
	a := startActor(t, "lag", testOptions(repo, embedding.NewHashEmbedder(testDim)))

	for i := 0; i < 12; i++ {
		_, err := a.Store(ctx, Turn{Role: "user", Content: prose(fmt.Sprintf("turn%d", i), 400)})
		require.NoError(t, err)
		require.NoError(t, a.Flush(ctx))

		stats, err := a.Stats(ctx)
		require.NoError(t, err)
		diff := stats.IndexSize - len(durableRows(t, repo, "lag"))
		assert.LessOrEqual(t, diff, 1)
		assert.GreaterOrEqual(t, diff, 0)
	}
}

func TestActor_EmbeddingFailureKeepsChunkForRetry(t *testing.T) {
	ctx := context.Background()
	repo := durable.NewMemoryRepository()
	emb := &flakyEmbedder{HashEmbedder: embedding.NewHashEmbedder(testDim)}
	a := startActor(t, "flaky", testOptions(repo, emb))

	_, err := a.Store(ctx, Turn{Role: "user", Content: prose("alpha", 700)})
	require.NoError(t, err)

	emb.fail.Store(true)
	res, err := a.Store(ctx, Turn{Role: "user", Content: prose("beta", 700)})
	require.NoError(t, err)
	assert.Empty(t, res.ChunkIDs)
	assert.Equal(t, 1, res.Retrying)
	assert.Zero(t, res.IndexSize)
	assert.Empty(t, durableRows(t, repo, "flaky"))

	got, err := a.Retrieve(ctx, RetrieveRequest{Query: query(t, "alpha garden"), TokenBudget: 2000})
	require.NoError(t, err)
	require.Len(t, got.Items, 2)
	assert.Equal(t, SourceBuffer, got.Items[0].Source)
	assert.Equal(t, SourcePending, got.Items[1].Source)
	assert.Contains(t, got.Items[1].Content, "alpha sentence 0")

	emb.fail.Store(false)
	require.NoError(t, a.Flush(ctx))

	stats, err := a.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.IndexSize)
	assert.Zero(t, stats.PendingChunks)
	rows := durableRows(t, repo, "flaky")
	require.Len(t, rows, 1)
	assert.Contains(t, rows[0].Content, "alpha sentence 0")
}

func TestActor_RetrieveNeverExceedsBudget(t *testing.T) {
	ctx := context.Background()
	a := startActor(t, "budget", testOptions(durable.NewMemoryRepository(), embedding.NewHashEmbedder(testDim)))

	for i := 0; i < 6; i++ {
		_, err := a.Store(ctx, Turn{Role: "user", Content: prose(fmt.Sprintf("t%d", i), 500)})
		require.NoError(t, err)
	}
	_, err := a.Store(ctx, Turn{Role: "user", Content: "the latest words"})
	require.NoError(t, err)

	whole, err := a.Retrieve(ctx, RetrieveRequest{TokenBudget: 1_000_000})
	require.NoError(t, err)
	require.NotEmpty(t, whole.Items)
	buffer := whole.Items[0].Content
	require.True(t, strings.HasSuffix(buffer, "the latest words"))

	for _, budget := range []int{1, 5, 50, 120, 400, 1000} {
		got, err := a.Retrieve(ctx, RetrieveRequest{Query: query(t, "garden"), TokenBudget: budget, K: 20})
		require.NoError(t, err)
		assert.LessOrEqual(t, got.TokensRetrieved, budget, "budget %d", budget)

		sum := 0
		for _, it := range got.Items {
			sum += it.Tokens
		}
		assert.Equal(t, got.TokensRetrieved, sum)
		require.NotEmpty(t, got.Items, "budget %d", budget)
		assert.Equal(t, SourceBuffer, got.Items[0].Source)
		assert.True(t, strings.HasSuffix(buffer, got.Items[0].Content), "buffer keeps its most recent text")
	}
}

func TestActor_DegradesWhileRehydrationFails(t *testing.T) {
	ctx := context.Background()
	repo := newFaultyRepo()
	require.NoError(t, repo.UpsertBuffer(ctx, durable.BufferRow{
		MemoryKey:   "outage",
		PendingText: "user: old note",
		TokenCount:  4,
		UpdatedAt:   t0.Add(-time.Hour),
	}))
	repo.failList.Store(true)

	a := startActor(t, "outage", testOptions(repo, embedding.NewHashEmbedder(testDim)))

	res, err := a.Store(ctx, Turn{Role: "user", Content: "new note"})
	require.NoError(t, err)
	assert.True(t, res.Degraded)

	got, err := a.Retrieve(ctx, RetrieveRequest{Query: query(t, "note")})
	require.NoError(t, err)
	assert.True(t, got.Degraded)
	require.Len(t, got.Items, 1)
	assert.Equal(t, "user: new note", got.Items[0].Content)

	repo.failList.Store(false)
	_, err = a.Store(ctx, Turn{Role: "user", Content: "third note"})
	require.NoError(t, err)

	got, err = a.Retrieve(ctx, RetrieveRequest{Query: query(t, "note")})
	require.NoError(t, err)
	assert.False(t, got.Degraded)
	assert.Equal(t, "user: old note\n\nuser: new note\n\nuser: third note", got.Items[0].Content)

	stats, err := a.Stats(ctx)
	require.NoError(t, err)
	assert.True(t, stats.Available)
	assert.Equal(t, SourceDurable, stats.RehydratedFrom)
}

func TestActor_DeadlineWhileBusyServesPublishedBuffer(t *testing.T) {
	ctx := context.Background()
	emb := &gatedEmbedder{HashEmbedder: embedding.NewHashEmbedder(testDim), gate: make(chan struct{})}
	a := startActor(t, "busy", testOptions(durable.NewMemoryRepository(), emb))

	_, err := a.Store(ctx, Turn{Role: "user", Content: prose("alpha", 700)})
	require.NoError(t, err)

	// This store finalizes a chunk and blocks in the embedder.
	pending := a.StoreAsync(Turn{Role: "user", Content: prose("beta", 700)})

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	got, err := a.Retrieve(short, RetrieveRequest{Query: query(t, "alpha")})
	require.NoError(t, err)
	assert.True(t, got.Degraded)
	assert.Less(t, time.Since(start), time.Second)
	require.NotEmpty(t, got.Items)
	assert.Contains(t, got.Items[0].Content, "alpha sentence 0")
	assert.NotContains(t, got.Text(), "beta")

	close(emb.gate)
	out := <-pending
	require.NoError(t, out.Err)
	assert.Equal(t, []uint32{1}, out.Result.ChunkIDs)

	got, err = a.Retrieve(ctx, RetrieveRequest{Query: query(t, "alpha")})
	require.NoError(t, err)
	assert.False(t, got.Degraded)
	assert.Contains(t, got.Text(), "beta")
}

func TestActor_IngestChunksWholeDocument(t *testing.T) {
	ctx := context.Background()
	repo := durable.NewMemoryRepository()
	a := startActor(t, "docs", testOptions(repo, embedding.NewHashEmbedder(testDim)))

	res, err := a.Ingest(ctx, Turn{Role: "document", Content: prose("manual", 6000)})
	require.NoError(t, err)
	assert.Greater(t, len(res.ChunkIDs), 4)
	assert.Zero(t, res.BufferTokens)
	assert.Len(t, durableRows(t, repo, "docs"), len(res.ChunkIDs))

	for i, id := range res.ChunkIDs {
		assert.Equal(t, uint32(i+1), id)
	}
}

func TestActor_TieredRetrievalReservesSlotsPerTier(t *testing.T) {
	ctx := context.Background()
	a := startActor(t, "tiers", testOptions(durable.NewMemoryRepository(), embedding.NewHashEmbedder(testDim)))

	ages := map[kronos.Tier]time.Duration{
		kronos.TierHot:      time.Hour,
		kronos.TierWorking:  24 * time.Hour,
		kronos.TierLongterm: 30 * 24 * time.Hour,
		kronos.TierArchive:  365 * 24 * time.Hour,
	}
	for _, tier := range kronos.Tiers {
		for i := 0; i < 4; i++ {
			_, err := a.Ingest(ctx, Turn{
				Role:      "document",
				Content:   fmt.Sprintf("%s fact %d about the garden", tier, i),
				Timestamp: t0.Add(-ages[tier]),
			})
			require.NoError(t, err)
		}
	}

	q := query(t, "archive fact about the garden")
	full, err := a.Retrieve(ctx, RetrieveRequest{Query: q, K: 16, Mode: ModeFull})
	require.NoError(t, err)
	assert.Equal(t, kronos.Breakdown{Hot: 4, Working: 4, Longterm: 4, Archive: 4}, full.Breakdown)

	tiered, err := a.Retrieve(ctx, RetrieveRequest{Query: q, K: 10, Mode: ModeTiered})
	require.NoError(t, err)
	assert.Equal(t, 10, tiered.ChunksRetrieved)
	assert.Equal(t, 4, tiered.Breakdown.Hot)
	assert.GreaterOrEqual(t, tiered.Breakdown.Working, 3)
	assert.GreaterOrEqual(t, tiered.Breakdown.Longterm, 2)
	assert.Equal(t, 10, tiered.Breakdown.Total())

	for i := 1; i < len(tiered.Items); i++ {
		assert.GreaterOrEqual(t, tiered.Items[i-1].Score, tiered.Items[i].Score)
	}
}

func TestActor_WarmRetrievalsStayFast(t *testing.T) {
	ctx := context.Background()
	a := startActor(t, "warm", testOptions(durable.NewMemoryRepository(), embedding.NewHashEmbedder(testDim)))
	_, err := a.Ingest(ctx, Turn{Role: "document", Content: prose("warm", 20000)})
	require.NoError(t, err)

	q := query(t, "warm garden")
	for i := 0; i < 10; i++ {
		got, err := a.Retrieve(ctx, RetrieveRequest{Query: q})
		require.NoError(t, err)
		assert.Less(t, got.ProcessingTime, 100*time.Millisecond)
	}
}

func TestActor_HibernateThenRehydrateAnswersIdentically(t *testing.T) {
	for _, withSnapshots := range []bool{true, false} {
		t.Run(fmt.Sprintf("snapshots=%v", withSnapshots), func(t *testing.T) {
			ctx := context.Background()
			repo := durable.NewMemoryRepository()
			opts := testOptions(repo, embedding.NewHashEmbedder(testDim))
			if withSnapshots {
				opts.Snapshots = snapshot.NewMemoryStore(0)
			}

			a := NewActor("restart", opts)
			for i := 0; i < 8; i++ {
				_, err := a.Store(ctx, Turn{Role: "user", Content: prose(fmt.Sprintf("topic%d", i), 450)})
				require.NoError(t, err)
			}
			queries := [][]float32{query(t, "topic3 garden"), query(t, "topic7"), query(t, "sentence 2")}
			var before []RetrieveResult
			for _, q := range queries {
				got, err := a.Retrieve(ctx, RetrieveRequest{Query: q, K: 5})
				require.NoError(t, err)
				before = append(before, got)
			}
			statsBefore, err := a.Stats(ctx)
			require.NoError(t, err)
			require.NoError(t, a.Hibernate(ctx))

			_, err = a.Store(ctx, Turn{Content: "too late"})
			assert.ErrorIs(t, err, ErrActorStopped)

			b := startActor(t, "restart", opts)
			for i, q := range queries {
				got, err := b.Retrieve(ctx, RetrieveRequest{Query: q, K: 5})
				require.NoError(t, err)
				assert.Equal(t, before[i].Items, got.Items)
				assert.Equal(t, before[i].Breakdown, got.Breakdown)
			}

			stats, err := b.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, statsBefore.IndexSize, stats.IndexSize)
			assert.Equal(t, statsBefore.BufferTokens, stats.BufferTokens)
			if withSnapshots {
				assert.Equal(t, SourceSnapshot, stats.RehydratedFrom)
			} else {
				assert.Equal(t, SourceDurable, stats.RehydratedFrom)
			}

			res, err := b.Ingest(ctx, Turn{Role: "document", Content: "a fresh fact"})
			require.NoError(t, err)
			assert.Equal(t, []uint32{statsBefore.LastChunkID + 1}, res.ChunkIDs)
		})
	}
}

func TestActor_CorruptSnapshotFallsBackToDurable(t *testing.T) {
	ctx := context.Background()
	repo := durable.NewMemoryRepository()
	snaps := snapshot.NewMemoryStore(0)
	opts := testOptions(repo, embedding.NewHashEmbedder(testDim))
	opts.Snapshots = snaps

	a := NewActor("corrupt", opts)
	_, err := a.Ingest(ctx, Turn{Role: "document", Content: prose("corrupt", 3000)})
	require.NoError(t, err)
	q := query(t, "corrupt sentence 4")
	before, err := a.Retrieve(ctx, RetrieveRequest{Query: q})
	require.NoError(t, err)
	require.NoError(t, a.Hibernate(ctx))

	snap, err := snaps.Load(ctx, "corrupt")
	require.NoError(t, err)
	snap.Index = snap.Index[:len(snap.Index)-3]
	require.NoError(t, snaps.Save(ctx, snap))

	b := startActor(t, "corrupt", opts)
	after, err := b.Retrieve(ctx, RetrieveRequest{Query: q})
	require.NoError(t, err)
	assert.Equal(t, before.Items, after.Items)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, SourceDurable, stats.RehydratedFrom)
}

func TestActor_SnapshotAheadOfDurableIsResynced(t *testing.T) {
	ctx := context.Background()
	repo := newFaultyRepo()
	opts := testOptions(repo, embedding.NewHashEmbedder(testDim))
	opts.Snapshots = snapshot.NewMemoryStore(0)

	a := NewActor("behind", opts)
	_, err := a.Store(ctx, Turn{Role: "user", Content: "warm up"})
	require.NoError(t, err)

	repo.failInsert.Store(true)
	res, err := a.Ingest(ctx, Turn{Role: "document", Content: "an unsynced fact"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.SyncLag)
	assert.Error(t, a.Hibernate(ctx), "final flush fails")
	assert.Empty(t, durableRows(t, repo, "behind"))

	repo.failInsert.Store(false)
	b := startActor(t, "behind", opts)
	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.IndexSize)
	assert.Zero(t, stats.SyncLag)

	rows := durableRows(t, repo, "behind")
	require.Len(t, rows, 1)
	assert.Equal(t, "an unsynced fact", rows[0].Content)
	assert.Len(t, rows[0].Embedding, testDim)
}

func TestSelectTiered_FillsUnusedSlots(t *testing.T) {
	hits := []hit{
		{id: 1, score: 0.9, tier: kronos.TierArchive},
		{id: 2, score: 0.8, tier: kronos.TierArchive},
		{id: 3, score: 0.7, tier: kronos.TierHot},
		{id: 4, score: 0.6, tier: kronos.TierWorking},
	}
	slots := kronos.Quotas{Hot: 0.5, Working: 0.5}.Slots(3)

	out := selectTiered(hits, slots, 3)
	ids := make([]uint32, len(out))
	for i, h := range out {
		ids[i] = h.id
	}
	assert.Equal(t, []uint32{1, 3, 4}, ids)
}
