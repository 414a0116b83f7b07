package memory

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/robfig/cron/v3"

	"github.com/John-Rood/MemoryRouter-sub003/internal/metrics"
)

// ErrRegistryClosed is returned by a Registry after Close.
var ErrRegistryClosed = errors.New("memory registry closed")

// RegistryOptions configures actor lifetimes and the background schedule.
type RegistryOptions struct {
	// IdleTTL is how long an actor may go unused before it hibernates.
	IdleTTL time.Duration
	// SweepInterval is how often idle actors are looked for.
	SweepInterval time.Duration
	// SyncSchedule is a cron spec for FlushAll. Empty disables it.
	SyncSchedule string
	// SnapshotSchedule is a cron spec for SnapshotAll. Empty disables it.
	SnapshotSchedule string
	HibernateTimeout time.Duration
	Logger           *slog.Logger
}

// DefaultRegistryOptions returns a 15 minute idle TTL, a sync tick every 5
// seconds and a snapshot every 5 minutes.
func DefaultRegistryOptions() RegistryOptions {
	return RegistryOptions{
		IdleTTL:          15 * time.Minute,
		SweepInterval:    time.Minute,
		SyncSchedule:     "@every 5s",
		SnapshotSchedule: "@every 5m",
		HibernateTimeout: 30 * time.Second,
	}
}

// Registry addresses actors by memory key. Actors are created on first use
// and hibernated after IdleTTL without calls. A key's new actor does not
// touch storage until the previous one has finished hibernating.
type Registry struct {
	opts      RegistryOptions
	actorOpts atomic.Pointer[Options]
	logger    *slog.Logger

	mu     sync.Mutex
	actors *cache.Cache
	closed bool

	hmu         sync.Mutex
	hibernating map[string]chan struct{}

	cron *cron.Cron
}

// NewRegistry creates a registry whose actors use actorOpts.
func NewRegistry(actorOpts Options, opts RegistryOptions) *Registry {
	d := DefaultRegistryOptions()
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = d.IdleTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = d.SweepInterval
	}
	if opts.HibernateTimeout <= 0 {
		opts.HibernateTimeout = d.HibernateTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	r := &Registry{
		opts:        opts,
		logger:      opts.Logger,
		actors:      cache.New(opts.IdleTTL, opts.SweepInterval),
		hibernating: make(map[string]chan struct{}),
	}
	r.actorOpts.Store(&actorOpts)
	r.actors.OnEvicted(r.onEvicted)
	return r
}

// SetActorOptions replaces the options used for actors created from now on.
// Running actors keep the options they were created with.
func (r *Registry) SetActorOptions(opts Options) {
	r.actorOpts.Store(&opts)
}

// Actor returns the live actor for key, creating it if needed. Every call
// counts as activity and pushes back the key's idle eviction.
func (r *Registry) Actor(key string) (*Actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}

	if v, ok := r.actors.Get(key); ok {
		if a := v.(*Actor); !a.stopped() {
			r.actors.SetDefault(key, a)
			return a, nil
		}
	}
	// An expired entry the janitor has not swept yet, or a stopped actor
	// put back by a refresh racing its eviction, is evicted now so its
	// hibernation is registered before the replacement starts.
	r.actors.Delete(key)

	r.hmu.Lock()
	after := r.hibernating[key]
	r.hmu.Unlock()

	a := newActor(key, *r.actorOpts.Load(), after)
	r.actors.SetDefault(key, a)
	metrics.ActiveActors.Inc()
	return a, nil
}

// Len returns the number of resident actors.
func (r *Registry) Len() int {
	return r.actors.ItemCount()
}

func (r *Registry) onEvicted(key string, v interface{}) {
	a, ok := v.(*Actor)
	if !ok {
		return
	}
	done := make(chan struct{})
	r.hmu.Lock()
	prev := r.hibernating[key]
	r.hibernating[key] = done
	r.hmu.Unlock()

	go func() {
		if prev != nil {
			<-prev
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.HibernateTimeout)
		err := a.Hibernate(ctx)
		cancel()
		switch {
		case errors.Is(err, ErrActorStopped):
			// Already hibernated by an earlier eviction of the same actor.
		case errors.Is(err, context.DeadlineExceeded):
			r.logger.Warn("actor hibernation slow, holding back the key's next actor",
				"memory_key", key, "timeout", r.opts.HibernateTimeout)
			metrics.ActiveActors.Dec()
		case err != nil:
			r.logger.Error("actor hibernation failed", "memory_key", key, "error", err)
			metrics.ActiveActors.Dec()
		default:
			metrics.ActiveActors.Dec()
		}
		// The next actor for key must not start before this one stopped
		// writing, however long its last flush takes.
		<-a.Done()

		r.hmu.Lock()
		if r.hibernating[key] == done {
			delete(r.hibernating, key)
		}
		r.hmu.Unlock()
		close(done)
	}()
}

// withActor runs fn on key's actor, retrying on a fresh actor when the
// one it got hibernated in between.
func withActor[T any](r *Registry, key string, fn func(*Actor) (T, error)) (T, error) {
	var zero T
	for attempt := 0; attempt < 3; attempt++ {
		a, err := r.Actor(key)
		if err != nil {
			return zero, err
		}
		v, err := fn(a)
		if errors.Is(err, ErrActorStopped) {
			continue
		}
		return v, err
	}
	return zero, ErrActorStopped
}

// Store stores a turn on key's actor.
func (r *Registry) Store(ctx context.Context, key string, turn Turn) (StoreResult, error) {
	return withActor(r, key, func(a *Actor) (StoreResult, error) {
		return a.Store(ctx, turn)
	})
}

// StoreAsync queues a turn on key's actor without waiting for it.
func (r *Registry) StoreAsync(key string, turn Turn) (<-chan StoreOutcome, error) {
	return withActor(r, key, func(a *Actor) (<-chan StoreOutcome, error) {
		return a.tryStoreAsync(turn)
	})
}

// Retrieve retrieves context from key's actor.
func (r *Registry) Retrieve(ctx context.Context, key string, req RetrieveRequest) (RetrieveResult, error) {
	return withActor(r, key, func(a *Actor) (RetrieveResult, error) {
		return a.Retrieve(ctx, req)
	})
}

// Ingest imports a document into key's memory.
func (r *Registry) Ingest(ctx context.Context, key string, turn Turn) (StoreResult, error) {
	return withActor(r, key, func(a *Actor) (StoreResult, error) {
		return a.Ingest(ctx, turn)
	})
}

// Stats reports the state of key's actor.
func (r *Registry) Stats(ctx context.Context, key string) (Stats, error) {
	return withActor(r, key, func(a *Actor) (Stats, error) {
		return a.Stats(ctx)
	})
}

func (r *Registry) resident() []*Actor {
	items := r.actors.Items()
	out := make([]*Actor, 0, len(items))
	for _, item := range items {
		if a, ok := item.Object.(*Actor); ok {
			out = append(out, a)
		}
	}
	return out
}

// each runs fn on every resident actor concurrently and joins the errors.
func (r *Registry) each(fn func(*Actor) error) error {
	actors := r.resident()
	errs := make([]error, len(actors))
	var wg sync.WaitGroup
	for i, a := range actors {
		wg.Add(1)
		go func(i int, a *Actor) {
			defer wg.Done()
			if err := fn(a); err != nil && !errors.Is(err, ErrActorStopped) {
				errs[i] = err
			}
		}(i, a)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// FlushAll runs a sync tick on every resident actor. Flushing does not
// count as activity for idle eviction.
func (r *Registry) FlushAll(ctx context.Context) error {
	return r.each(func(a *Actor) error { return a.Flush(ctx) })
}

// SnapshotAll snapshots every resident actor.
func (r *Registry) SnapshotAll(ctx context.Context) error {
	return r.each(func(a *Actor) error { return a.Snapshot(ctx) })
}

// Start schedules FlushAll and SnapshotAll.
func (r *Registry) Start() error {
	c := cron.New()
	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"sync", r.opts.SyncSchedule, r.FlushAll},
		{"snapshot", r.opts.SnapshotSchedule, r.SnapshotAll},
	}
	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		if _, err := c.AddFunc(job.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), r.opts.HibernateTimeout)
			defer cancel()
			if err := job.run(ctx); err != nil {
				r.logger.Warn("scheduled memory job failed", "job", job.name, "error", err)
			}
		}); err != nil {
			return err
		}
	}
	c.Start()

	r.mu.Lock()
	r.cron = c
	r.mu.Unlock()
	return nil
}

// Close stops the schedule and hibernates every actor.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	c := r.cron
	r.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.mu.Lock()
	r.actors.DeleteExpired()
	for key := range r.actors.Items() {
		r.actors.Delete(key)
	}
	r.mu.Unlock()

	for {
		r.hmu.Lock()
		var next chan struct{}
		for _, ch := range r.hibernating {
			next = ch
			break
		}
		r.hmu.Unlock()
		if next == nil {
			return nil
		}
		select {
		case <-next:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
