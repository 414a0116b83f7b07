package memory

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/John-Rood/MemoryRouter-sub003/internal/chunker"
	"github.com/John-Rood/MemoryRouter-sub003/internal/durable"
	"github.com/John-Rood/MemoryRouter-sub003/internal/embedding"
	"github.com/John-Rood/MemoryRouter-sub003/internal/kronos"
	"github.com/John-Rood/MemoryRouter-sub003/internal/metrics"
	"github.com/John-Rood/MemoryRouter-sub003/internal/snapshot"
	"github.com/John-Rood/MemoryRouter-sub003/internal/vectorindex"
)

// ErrActorStopped is returned for calls made after an actor hibernated.
var ErrActorStopped = errors.New("memory actor stopped")

// Default actor settings.
const (
	DefaultTopK        = 10
	DefaultTokenBudget = 2000
	DefaultOpTimeout   = 30 * time.Second
)

// Options configures an Actor. Embedder and Repository are required; the
// rest falls back to defaults. Options are copied at construction and never
// change for the lifetime of the actor.
type Options struct {
	Chunker    *chunker.Chunker
	Embedder   embedding.Embedder
	Repository durable.Repository
	// Snapshots is optional. Without it every cold start replays the
	// durable store.
	Snapshots snapshot.Store
	Kronos    kronos.Config
	Quotas    kronos.Quotas

	MaxLag      int
	TopK        int
	TokenBudget int
	// LazySync leaves buffer-only changes for the next sync tick. Chunks
	// are always persisted as soon as they are indexed.
	LazySync  bool
	OpTimeout time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Chunker == nil {
		o.Chunker = chunker.New(chunker.DefaultConfig())
	}
	if o.Kronos == (kronos.Config{}) {
		o.Kronos = kronos.DefaultConfig()
	}
	if o.Quotas == (kronos.Quotas{}) {
		o.Quotas = kronos.DefaultQuotas()
	}
	if o.MaxLag <= 0 {
		o.MaxLag = durable.DefaultMaxLag
	}
	if o.TopK <= 0 {
		o.TopK = DefaultTopK
	}
	if o.TokenBudget <= 0 {
		o.TokenBudget = DefaultTokenBudget
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = DefaultOpTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Actor serializes all work on one memory key. Operations are queued in
// call order and run one at a time on the actor's goroutine, which is the
// only goroutine touching the index, buffer and syncer.
type Actor struct {
	key    string
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}

	view atomic.Pointer[view]

	st state
}

// state is owned by the run goroutine.
type state struct {
	index   *vectorindex.Index // nil until rehydration succeeds
	records map[uint32]chunkText
	buffer  chunker.Buffer
	pending []snapshot.PendingChunk
	syncer  *durable.Syncer
	nextID  uint32

	// dirty is set when a store ran before rehydration succeeded.
	dirty     bool
	source    string
	startedAt time.Time
	reported  int
}

type chunkText struct {
	role    string
	content string
}

// view is the state published after every operation. Degraded retrievals
// read it without waiting for the actor.
type view struct {
	buffer    chunker.Buffer
	pending   []snapshot.PendingChunk
	available bool
	indexSize int
}

// NewActor starts the actor for key. The first thing it does is rehydrate
// from the snapshot store and the durable store.
func NewActor(key string, opts Options) *Actor {
	return newActor(key, opts, nil)
}

// newActor starts an actor that waits for after to close before touching
// any storage.
func newActor(key string, opts Options, after <-chan struct{}) *Actor {
	opts = opts.withDefaults()
	a := &Actor{
		key:    key,
		opts:   opts,
		logger: opts.Logger.With("memory_key", key),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	a.st.records = make(map[uint32]chunkText)
	a.st.startedAt = opts.Now()
	a.view.Store(&view{})
	go a.run(after)
	return a
}

// Key returns the memory key.
func (a *Actor) Key() string { return a.key }

// Done is closed once the actor has stopped.
func (a *Actor) Done() <-chan struct{} { return a.done }

// stopped reports whether the actor accepts no more work.
func (a *Actor) stopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *Actor) run(after <-chan struct{}) {
	defer close(a.done)
	if after != nil {
		<-after
	}

	ctx, cancel := a.opContext()
	a.rehydrate(ctx)
	cancel()
	a.publish()

	for range a.wake {
		for {
			a.mu.Lock()
			if len(a.queue) == 0 {
				closed := a.closed
				a.mu.Unlock()
				if closed {
					a.setRetryGauge(0)
					return
				}
				break
			}
			fn := a.queue[0]
			a.queue[0] = nil
			a.queue = a.queue[1:]
			a.mu.Unlock()

			fn()
			a.publish()
		}
	}
}

func (a *Actor) enqueue(fn func()) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrActorStopped
	}
	a.queue = append(a.queue, fn)
	a.mu.Unlock()
	a.signal()
	return nil
}

func (a *Actor) signal() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *Actor) queueDepth() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

type outcome[T any] struct {
	val T
	err error
}

// submit queues fn and returns a channel receiving its result.
func submit[T any](a *Actor, op string, fn func() (T, error)) <-chan outcome[T] {
	ch := make(chan outcome[T], 1)
	start := time.Now()
	err := a.enqueue(func() {
		v, err := fn()
		metrics.RecordOperation(op, time.Since(start))
		ch <- outcome[T]{val: v, err: err}
	})
	if err != nil {
		ch <- outcome[T]{err: err}
	}
	return ch
}

// wait blocks until ch delivers or ctx ends.
func wait[T any](ctx context.Context, ch <-chan outcome[T]) (T, error) {
	select {
	case out := <-ch:
		return out.val, out.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (a *Actor) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), a.opts.OpTimeout)
}

func (a *Actor) publish() {
	pending := make([]snapshot.PendingChunk, len(a.st.pending))
	copy(pending, a.st.pending)
	v := &view{
		buffer:    a.st.buffer,
		pending:   pending,
		available: a.st.index != nil,
	}
	if a.st.index != nil {
		v.indexSize = a.st.index.Len()
	}
	a.view.Store(v)
	a.setRetryGauge(len(a.st.pending))
}

func (a *Actor) setRetryGauge(n int) {
	if d := n - a.st.reported; d != 0 {
		metrics.RetryQueueSize.Add(float64(d))
		a.st.reported = n
	}
}

// StoreOutcome is delivered by StoreAsync.
type StoreOutcome struct {
	Result StoreResult
	Err    error
}

// Store appends turn to the key's buffer, indexing every chunk the append
// finalizes. A chunk whose embedding fails stays in the retry queue and is
// still returned by Retrieve. ctx bounds only the wait: once queued, the
// store runs even if the caller gives up.
func (a *Actor) Store(ctx context.Context, turn Turn) (StoreResult, error) {
	select {
	case out := <-a.StoreAsync(turn):
		return out.Result, out.Err
	case <-ctx.Done():
		return StoreResult{}, ctx.Err()
	}
}

// StoreAsync queues turn and returns immediately. Turns are applied in the
// order StoreAsync is called.
func (a *Actor) StoreAsync(turn Turn) <-chan StoreOutcome {
	ch, err := a.tryStoreAsync(turn)
	if err != nil {
		ch = make(chan StoreOutcome, 1)
		ch <- StoreOutcome{Err: err}
	}
	return ch
}

// tryStoreAsync is StoreAsync reporting ErrActorStopped directly instead of
// through the channel.
func (a *Actor) tryStoreAsync(turn Turn) (chan StoreOutcome, error) {
	ch := make(chan StoreOutcome, 1)
	if turn.Timestamp.IsZero() {
		turn.Timestamp = a.opts.Now()
	}
	start := time.Now()
	err := a.enqueue(func() {
		res := a.store(turn)
		metrics.RecordOperation("store", time.Since(start))
		ch <- StoreOutcome{Result: res}
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (a *Actor) store(turn Turn) StoreResult {
	ctx, cancel := a.opContext()
	defer cancel()

	a.ensureIndex(ctx)
	if a.st.index == nil {
		a.st.dirty = true
	}

	res := a.opts.Chunker.ProcessBuffer(a.st.buffer.PendingText, turn.text())
	a.st.buffer = res.Buffer
	a.appendPending(turn.Role, res.Chunks, turn.Timestamp)

	ids := a.drain(ctx)
	if len(ids) == 0 && !a.opts.LazySync {
		_ = a.flush(ctx)
	}
	return a.storeResult(ids)
}

// Ingest imports a document too large for the buffer. The whole content is
// chunked and indexed at once; the buffer is left untouched.
func (a *Actor) Ingest(ctx context.Context, turn Turn) (StoreResult, error) {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = a.opts.Now()
	}
	return wait(ctx, submit(a, "ingest", func() (StoreResult, error) {
		opCtx, cancel := a.opContext()
		defer cancel()

		a.ensureIndex(opCtx)
		a.appendPending(turn.Role, a.opts.Chunker.ChunkLargeContent(turn.Content), turn.Timestamp)
		return a.storeResult(a.drain(opCtx)), nil
	}))
}

func (a *Actor) appendPending(role string, chunks []string, ts time.Time) {
	for _, c := range chunks {
		a.st.pending = append(a.st.pending, snapshot.PendingChunk{
			Role:      role,
			Content:   c,
			Timestamp: kronos.Millis(ts),
		})
	}
}

func (a *Actor) storeResult(ids []uint32) StoreResult {
	res := StoreResult{
		ChunkIDs:     ids,
		Retrying:     len(a.st.pending),
		BufferTokens: a.st.buffer.TokenEstimate,
		Degraded:     a.st.index == nil,
	}
	if a.st.index != nil {
		res.IndexSize = a.st.index.Len()
	}
	if a.st.syncer != nil {
		res.SyncLag = a.st.syncer.Lag()
	}
	return res
}

// drain embeds and indexes pending chunks in order, stopping at the first
// failure so chunk ids follow the order the text was written in.
func (a *Actor) drain(ctx context.Context) []uint32 {
	if a.st.index == nil {
		return nil
	}
	var ids []uint32
	for len(a.st.pending) > 0 {
		p := a.st.pending[0]
		vec, err := a.embed(ctx, p.Content)
		if err != nil {
			metrics.EmbeddingFailures.Inc()
			a.logger.Warn("chunk embedding failed, keeping chunk for retry",
				"retry_queue", len(a.st.pending), "error", err)
			break
		}

		id := a.st.nextID
		if err := a.st.index.Add(id, vec, p.Timestamp); err != nil {
			a.logger.Error("index rejected chunk, keeping chunk for retry", "chunk_id", id, "error", err)
			break
		}
		a.st.nextID++
		a.st.records[id] = chunkText{role: p.Role, content: p.Content}
		a.st.pending[0] = snapshot.PendingChunk{}
		a.st.pending = a.st.pending[1:]
		ids = append(ids, id)
		metrics.ChunksFinalized.Inc()

		err = a.st.syncer.Enqueue(durable.ChunkRow{
			ID:        id,
			Role:      p.Role,
			Content:   p.Content,
			Embedding: vec,
			Timestamp: p.Timestamp,
		})
		if err != nil {
			a.reportLag(err)
		}
		_ = a.flush(ctx)
	}
	if len(a.st.pending) == 0 {
		a.st.pending = nil
	}
	return ids
}

func (a *Actor) embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := a.opts.Embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	dim := a.st.index.Dim()
	if dim == 0 {
		dim = a.opts.Embedder.Dimension()
	}
	if err := embedding.Validate(vec, dim); err != nil {
		return nil, err
	}
	return vec, nil
}

// flush persists queued chunks and the buffer. Failures are logged and
// metered; the rows stay queued for the next attempt.
func (a *Actor) flush(ctx context.Context) error {
	if a.st.syncer == nil {
		return nil
	}
	if err := a.st.syncer.Flush(ctx, a.st.buffer); err != nil {
		metrics.SyncFailures.Inc()
		a.logger.Warn("durable flush failed", "sync_lag", a.st.syncer.Lag(), "error", err)
		if a.st.syncer.Lag() > a.st.syncer.MaxLag() {
			metrics.SyncLagExceeded.Inc()
		}
		return err
	}
	return nil
}

func (a *Actor) reportLag(err error) {
	metrics.SyncLagExceeded.Inc()
	a.logger.Warn("durable store lagging behind live index", "error", err)
}

// Flush retries pending embeddings and persists everything not yet in the
// durable store. It is the periodic sync tick.
func (a *Actor) Flush(ctx context.Context) error {
	_, err := wait(ctx, submit(a, "flush", func() (struct{}, error) {
		opCtx, cancel := a.opContext()
		defer cancel()

		a.ensureIndex(opCtx)
		a.drain(opCtx)
		return struct{}{}, a.flush(opCtx)
	}))
	return err
}

// Snapshot saves the actor state to the snapshot store without stopping it.
func (a *Actor) Snapshot(ctx context.Context) error {
	_, err := wait(ctx, submit(a, "snapshot", func() (struct{}, error) {
		opCtx, cancel := a.opContext()
		defer cancel()
		return struct{}{}, a.saveSnapshot(opCtx, "schedule")
	}))
	return err
}

// Hibernate flushes, snapshots and stops the actor. Calls made afterwards
// fail with ErrActorStopped.
func (a *Actor) Hibernate(ctx context.Context) error {
	ch := make(chan error, 1)
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrActorStopped
	}
	a.closed = true
	start := time.Now()
	a.queue = append(a.queue, func() {
		ch <- a.hibernate()
		metrics.RecordOperation("hibernate", time.Since(start))
	})
	a.mu.Unlock()
	a.signal()

	select {
	case err := <-ch:
		<-a.done
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Actor) hibernate() error {
	ctx, cancel := a.opContext()
	defer cancel()

	a.ensureIndex(ctx)
	a.drain(ctx)
	flushErr := a.flush(ctx)
	if err := a.saveSnapshot(ctx, "hibernate"); err != nil {
		return err
	}
	if a.st.index == nil {
		return errors.New("hibernated without a rehydrated index")
	}
	return flushErr
}

func (a *Actor) saveSnapshot(ctx context.Context, trigger string) error {
	if a.opts.Snapshots == nil {
		return nil
	}
	snap := &snapshot.Snapshot{
		Key:       a.key,
		Buffer:    a.st.buffer,
		Pending:   append([]snapshot.PendingChunk(nil), a.st.pending...),
		CreatedAt: a.opts.Now().UTC(),
	}

	idx := a.st.index
	if idx == nil {
		// Never rehydrated: the durable state is unknown. Save the text
		// written since start as a pending chunk under an empty index and
		// a zero CreatedAt, so the next start replays the durable store
		// in full and keeps its buffer.
		a.logger.Warn("snapshotting without index", "buffer_tokens", a.st.buffer.TokenEstimate)
		idx = vectorindex.New(0)
		if a.st.buffer.PendingText != "" {
			snap.Pending = append(snap.Pending, snapshot.PendingChunk{
				Content:   a.st.buffer.PendingText,
				Timestamp: kronos.Millis(a.opts.Now()),
			})
		}
		snap.Buffer = chunker.Buffer{}
		snap.CreatedAt = time.Time{}
	} else {
		for _, rec := range idx.Records() {
			t := a.st.records[rec.ID]
			snap.Records = append(snap.Records, snapshot.Record{ID: rec.ID, Role: t.role, Content: t.content})
		}
		snap.LastChunkID, _ = idx.LastID()
	}

	data, err := idx.MarshalBinary()
	if err != nil {
		return err
	}
	snap.Index = data

	if err := a.opts.Snapshots.Save(ctx, snap); err != nil {
		a.logger.Error("snapshot save failed", "trigger", trigger, "error", err)
		return err
	}
	metrics.SnapshotsSaved.WithLabelValues(trigger).Inc()
	return nil
}

// Stats reports the actor state after every queued operation has run.
func (a *Actor) Stats(ctx context.Context) (Stats, error) {
	return wait(ctx, submit(a, "stats", func() (Stats, error) {
		s := Stats{
			Key:            a.key,
			Available:      a.st.index != nil,
			BufferTokens:   a.st.buffer.TokenEstimate,
			PendingChunks:  len(a.st.pending),
			QueueDepth:     a.queueDepth(),
			RehydratedFrom: a.st.source,
			StartedAt:      a.st.startedAt,
		}
		if a.st.index != nil {
			s.IndexSize = a.st.index.Len()
			s.Dimension = a.st.index.Dim()
			s.LastChunkID, _ = a.st.index.LastID()
		}
		if a.st.syncer != nil {
			s.SyncLag = a.st.syncer.Lag()
			s.DurableCount = a.st.syncer.Cursor().Count
		}
		return s, nil
	}))
}
