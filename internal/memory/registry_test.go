package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/John-Rood/MemoryRouter-sub003/internal/durable"
	"github.com/John-Rood/MemoryRouter-sub003/internal/embedding"
	"github.com/John-Rood/MemoryRouter-sub003/internal/snapshot"
)

func newTestRegistry(t *testing.T, opts RegistryOptions) (*Registry, *durable.MemoryRepository, *snapshot.MemoryStore) {
	t.Helper()
	repo := durable.NewMemoryRepository()
	snaps := snapshot.NewMemoryStore(0)
	actorOpts := testOptions(repo, embedding.NewHashEmbedder(testDim))
	actorOpts.Snapshots = snaps
	opts.Logger = actorOpts.Logger

	r := NewRegistry(actorOpts, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Close(ctx)
	})
	return r, repo, snaps
}

func TestRegistry_KeysAreIsolated(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t, RegistryOptions{})

	_, err := r.Store(ctx, "alice", Turn{Role: "user", Content: "alice likes tea"})
	require.NoError(t, err)
	_, err = r.Store(ctx, "bob", Turn{Role: "user", Content: "bob likes coffee"})
	require.NoError(t, err)

	alice, err := r.Retrieve(ctx, "alice", RetrieveRequest{Query: query(t, "likes")})
	require.NoError(t, err)
	assert.Contains(t, alice.Text(), "tea")
	assert.NotContains(t, alice.Text(), "coffee")

	bob, err := r.Retrieve(ctx, "bob", RetrieveRequest{Query: query(t, "likes")})
	require.NoError(t, err)
	assert.Contains(t, bob.Text(), "coffee")
	assert.NotContains(t, bob.Text(), "tea")

	assert.Equal(t, 2, r.Len())

	a1, err := r.Actor("alice")
	require.NoError(t, err)
	a2, err := r.Actor("alice")
	require.NoError(t, err)
	assert.Same(t, a1, a2)
}

func TestRegistry_ConcurrentCallersShareOneActor(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t, RegistryOptions{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Store(ctx, "shared", Turn{Role: "user", Content: fmt.Sprintf("note%02d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := r.Retrieve(ctx, "shared", RetrieveRequest{})
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		assert.Contains(t, got.Text(), fmt.Sprintf("note%02d", i))
	}
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_IdleActorHibernatesAndRehydrates(t *testing.T) {
	ctx := context.Background()
	r, repo, snaps := newTestRegistry(t, RegistryOptions{
		IdleTTL:       50 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	})

	_, err := r.Ingest(ctx, "sleepy", Turn{Role: "document", Content: "the boat is moored at pier nine"})
	require.NoError(t, err)
	_, err = r.Store(ctx, "sleepy", Turn{Role: "user", Content: "remember the boat"})
	require.NoError(t, err)
	first, err := r.Actor("sleepy")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		select {
		case <-first.Done():
			return r.Len() == 0
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	_, err = snaps.Load(ctx, "sleepy")
	require.NoError(t, err, "hibernation writes a snapshot")
	buf, err := repo.GetBuffer(ctx, "sleepy")
	require.NoError(t, err)
	require.NotNil(t, buf)
	assert.Equal(t, "user: remember the boat", buf.PendingText)

	got, err := r.Retrieve(ctx, "sleepy", RetrieveRequest{Query: query(t, "the boat is moored at pier nine")})
	require.NoError(t, err)
	require.Len(t, got.Items, 2)
	assert.Equal(t, "user: remember the boat", got.Items[0].Content)
	assert.Equal(t, "the boat is moored at pier nine", got.Items[1].Content)

	stats, err := r.Stats(ctx, "sleepy")
	require.NoError(t, err)
	assert.Equal(t, SourceSnapshot, stats.RehydratedFrom)

	second, err := r.Actor("sleepy")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}

func TestRegistry_SlowHibernationHoldsBackNextActor(t *testing.T) {
	ctx := context.Background()
	repo := durable.NewMemoryRepository()
	emb := &gatedEmbedder{HashEmbedder: embedding.NewHashEmbedder(testDim), gate: make(chan struct{})}
	actorOpts := testOptions(repo, emb)
	actorOpts.Snapshots = snapshot.NewMemoryStore(0)
	r := NewRegistry(actorOpts, RegistryOptions{HibernateTimeout: 50 * time.Millisecond, Logger: actorOpts.Logger})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Close(ctx)
	})

	_, err := r.Store(ctx, "k", Turn{Role: "user", Content: prose("alpha", 700)})
	require.NoError(t, err)
	old, err := r.Actor("k")
	require.NoError(t, err)

	// This store finalizes a chunk and blocks in the embedder.
	pending, err := r.StoreAsync("k", Turn{Role: "user", Content: prose("beta", 700)})
	require.NoError(t, err)

	r.actors.Delete("k")
	next, err := r.Actor("k")
	require.NoError(t, err)
	require.NotSame(t, old, next)
	nextOut, err := r.StoreAsync("k", Turn{Role: "user", Content: prose("omega", 1400)})
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	select {
	case <-old.Done():
		t.Fatal("old actor stopped while its embedding was blocked")
	case <-nextOut:
		t.Fatal("next actor ran before the old one stopped")
	default:
	}

	close(emb.gate)
	select {
	case out := <-pending:
		require.NoError(t, out.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked store never completed")
	}
	select {
	case out := <-nextOut:
		require.NoError(t, out.Err)
		assert.NotEmpty(t, out.Result.ChunkIDs)
	case <-time.After(5 * time.Second):
		t.Fatal("next actor never ran")
	}
	select {
	case <-old.Done():
	default:
		t.Fatal("next actor ran before the old one stopped")
	}

	require.NoError(t, r.FlushAll(ctx))
	rows := durableRows(t, repo, "k")
	require.GreaterOrEqual(t, len(rows), 2)
	var all strings.Builder
	for i, row := range rows {
		assert.Equal(t, uint32(i+1), row.ID)
		all.WriteString(row.Content)
	}
	assert.Contains(t, all.String(), "beta sentence")
	assert.Contains(t, all.String(), "omega sentence")
}

func TestRegistry_StoppedActorIsReplaced(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t, RegistryOptions{})

	_, err := r.Store(ctx, "k", Turn{Role: "user", Content: "first note"})
	require.NoError(t, err)
	stale, err := r.Actor("k")
	require.NoError(t, err)

	// A stopped actor put back into the cache, as a refresh racing its
	// eviction would.
	r.actors.Delete("k")
	select {
	case <-stale.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("actor never hibernated")
	}
	r.actors.SetDefault("k", stale)

	for i := 0; i < 3; i++ {
		_, err := r.Store(ctx, "k", Turn{Role: "user", Content: fmt.Sprintf("note %d", i)})
		require.NoError(t, err)
	}
	fresh, err := r.Actor("k")
	require.NoError(t, err)
	assert.NotSame(t, stale, fresh)

	r.actors.SetDefault("k", stale)
	out, err := r.StoreAsync("k", Turn{Role: "user", Content: "async note"})
	require.NoError(t, err)
	select {
	case res := <-out:
		require.NoError(t, res.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("async store never completed")
	}

	got, err := r.Retrieve(ctx, "k", RetrieveRequest{})
	require.NoError(t, err)
	for _, want := range []string{"first note", "note 2", "async note"} {
		assert.Contains(t, got.Text(), want)
	}
}

func TestRegistry_FlushAllAndClose(t *testing.T) {
	ctx := context.Background()
	r, repo, snaps := newTestRegistry(t, RegistryOptions{})

	for _, key := range []string{"k1", "k2", "k3"} {
		_, err := r.Ingest(ctx, key, Turn{Role: "document", Content: "fact for " + key})
		require.NoError(t, err)
	}
	require.NoError(t, r.FlushAll(ctx))
	require.NoError(t, r.SnapshotAll(ctx))

	for _, key := range []string{"k1", "k2", "k3"} {
		rows, err := repo.ListChunksByKey(ctx, key, 0)
		require.NoError(t, err)
		assert.Len(t, rows, 1, key)
		_, err = snaps.Load(ctx, key)
		assert.NoError(t, err, key)
	}

	require.NoError(t, r.Close(ctx))
	assert.Zero(t, r.Len())

	_, err := r.Store(ctx, "k1", Turn{Content: "after close"})
	assert.ErrorIs(t, err, ErrRegistryClosed)
	assert.NoError(t, r.Close(ctx), "close is idempotent")
}

func TestRegistry_StartRejectsBadSchedule(t *testing.T) {
	r, _, _ := newTestRegistry(t, RegistryOptions{SyncSchedule: "every now and then"})
	assert.Error(t, r.Start())
}

func TestRegistry_ScheduledSyncRuns(t *testing.T) {
	ctx := context.Background()
	r, repo, _ := newTestRegistry(t, RegistryOptions{SyncSchedule: "@every 1s", SnapshotSchedule: ""})
	require.NoError(t, r.Start())

	_, err := r.Store(ctx, "ticker", Turn{Role: "user", Content: "tick"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		buf, err := repo.GetBuffer(ctx, "ticker")
		return err == nil && buf != nil && buf.PendingText == "user: tick"
	}, 3*time.Second, 50*time.Millisecond)
}
