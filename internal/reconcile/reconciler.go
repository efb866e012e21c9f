// Package reconcile keeps one canonical snapshot per entity id and is its
// only writer.
//
// Poll ticks and push invalidations both funnel into Trigger. A trigger never
// patches state: it schedules a full re-fetch and the result replaces the
// snapshot wholesale. At most one fetch per id is outstanding; triggers that
// land while one is running collapse into exactly one follow-up fetch.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tournament-service/internal/clock"
	"tournament-service/internal/domain"
	"tournament-service/internal/logging"
	"tournament-service/internal/metrics"
)

// ErrClosed is returned once the reconciler has been closed.
var ErrClosed = errors.New("reconciler closed")

// FetchFunc loads the full current state of one entity.
type FetchFunc[T any] func(ctx context.Context, id string) (T, error)

// Snapshot is an immutable view of one entity. Consumers must not mutate
// Value; request a fresh one through the reconciler instead.
type Snapshot[T any] struct {
	ID        string
	Value     T
	Version   uint64
	FetchedAt time.Time
}

// Options tune a Reconciler. Entity labels logs and metrics.
type Options struct {
	Entity       string
	FetchTimeout time.Duration
	Clock        clock.Clock
	Logger       logrus.FieldLogger
	Metrics      *metrics.Metrics
}

// Reconciler owns the snapshots for one entity kind.
type Reconciler[T any] struct {
	fetch   FetchFunc[T]
	entity  string
	timeout time.Duration
	clock   clock.Clock
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	entries map[string]*entry[T]
}

type round[T any] struct {
	done chan struct{}
	snap Snapshot[T]
	err  error
}

type entry[T any] struct {
	snap     *Snapshot[T]
	version  uint64
	running  bool
	next     *round[T]
	watchers map[chan Snapshot[T]]struct{}
}

// New builds a reconciler around fetch. Close releases it.
func New[T any](fetch FetchFunc[T], opts Options) *Reconciler[T] {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.Entity == "" {
		opts.Entity = "entity"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler[T]{
		fetch:   fetch,
		entity:  opts.Entity,
		timeout: opts.FetchTimeout,
		clock:   opts.Clock,
		log:     logging.OrDiscard(opts.Logger).WithField("entity", opts.Entity),
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*entry[T]),
	}
}

// Get returns the current snapshot for id, if one has been fetched.
func (r *Reconciler[T]) Get(id string) (Snapshot[T], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.snap == nil {
		return Snapshot[T]{}, false
	}
	return *e.snap, true
}

// Trigger schedules a re-fetch of id without waiting for it.
func (r *Reconciler[T]) Trigger(id string) {
	r.trigger(id)
}

// Refresh schedules a re-fetch of id and waits for a fetch that started after
// the call. On a failed fetch the previous snapshot is kept and the error is
// returned.
func (r *Reconciler[T]) Refresh(ctx context.Context, id string) (Snapshot[T], error) {
	rd := r.trigger(id)
	select {
	case <-rd.done:
		return rd.snap, rd.err
	case <-ctx.Done():
		return Snapshot[T]{}, ctx.Err()
	}
}

// Load returns the current snapshot, fetching it first if none exists yet.
func (r *Reconciler[T]) Load(ctx context.Context, id string) (Snapshot[T], error) {
	if snap, ok := r.Get(id); ok {
		return snap, nil
	}
	return r.Refresh(ctx, id)
}

// Watch streams snapshots of id. The channel holds only the latest snapshot;
// slow readers skip intermediate versions. The caller must invoke cancel.
func (r *Reconciler[T]) Watch(id string) (<-chan Snapshot[T], func()) {
	ch := make(chan Snapshot[T], 1)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	e := r.entryLocked(id)
	e.watchers[ch] = struct{}{}
	if e.snap != nil {
		ch <- *e.snap
	}
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		if _, ok := e.watchers[ch]; ok {
			delete(e.watchers, ch)
			close(ch)
		}
		r.mu.Unlock()
	}
	return ch, cancel
}

// Poll triggers a fetch of id immediately and then every interval until ctx
// is done.
func (r *Reconciler[T]) Poll(ctx context.Context, id string, interval time.Duration) {
	r.Trigger(id)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Trigger(id)
		}
	}
}

// Listen triggers a fetch for every event that route maps to an id, until ctx
// is done or events is closed.
func (r *Reconciler[T]) Listen(ctx context.Context, events <-chan domain.Event, route func(domain.Event) (string, bool)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if id, match := route(ev); match {
				r.Trigger(id)
			}
		}
	}
}

// Close stops scheduling, cancels outstanding fetches and closes watchers.
func (r *Reconciler[T]) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, e := range r.entries {
		for ch := range e.watchers {
			delete(e.watchers, ch)
			close(ch)
		}
	}
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}

func (r *Reconciler[T]) trigger(id string) *round[T] {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		rd := &round[T]{done: make(chan struct{}), err: ErrClosed}
		close(rd.done)
		return rd
	}

	e := r.entryLocked(id)
	if e.next == nil {
		e.next = &round[T]{done: make(chan struct{})}
	}
	rd := e.next
	if e.running {
		r.metrics.Coalesced(r.entity)
		return rd
	}
	e.running = true
	r.wg.Add(1)
	go r.loop(id, e)
	return rd
}

func (r *Reconciler[T]) loop(id string, e *entry[T]) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		rd := e.next
		e.next = nil
		if rd == nil || r.closed {
			e.running = false
			r.mu.Unlock()
			if rd != nil {
				rd.err = ErrClosed
				close(rd.done)
			}
			return
		}
		r.mu.Unlock()

		value, err := r.fetchOnce(id)

		r.mu.Lock()
		if err == nil {
			e.version++
			snap := Snapshot[T]{ID: id, Value: value, Version: e.version, FetchedAt: r.clock.Now()}
			e.snap = &snap
			r.broadcastLocked(e, snap)
			rd.snap = snap
		} else {
			rd.err = err
			if e.snap != nil {
				rd.snap = *e.snap
			}
		}
		r.mu.Unlock()
		close(rd.done)
	}
}

func (r *Reconciler[T]) fetchOnce(id string) (T, error) {
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()

	value, err := r.fetch(ctx, id)
	if err != nil {
		r.metrics.Fetch(r.entity, "error")
		// The next poll or push event retries; no retry loop here.
		r.log.WithError(err).WithField("id", id).Warn("snapshot fetch failed, keeping previous")
		var zero T
		return zero, fmt.Errorf("fetch %s %s: %w", r.entity, id, err)
	}
	r.metrics.Fetch(r.entity, "ok")
	return value, nil
}

func (r *Reconciler[T]) broadcastLocked(e *entry[T], snap Snapshot[T]) {
	for ch := range e.watchers {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}

func (r *Reconciler[T]) entryLocked(id string) *entry[T] {
	e, ok := r.entries[id]
	if !ok {
		e = &entry[T]{watchers: make(map[chan Snapshot[T]]struct{})}
		r.entries[id] = e
	}
	return e
}
