package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tournament-service/internal/domain"
)

// gatedFetcher blocks every fetch until released and tracks concurrency.
type gatedFetcher struct {
	calls    atomic.Int32
	inflight atomic.Int32
	maxSeen  atomic.Int32
	started  chan struct{}
	release  chan struct{}
	value    atomic.Int32
}

func newGatedFetcher() *gatedFetcher {
	return &gatedFetcher{started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (f *gatedFetcher) fetch(ctx context.Context, id string) (int, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	f.calls.Add(1)
	f.started <- struct{}{}
	select {
	case <-f.release:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return int(f.value.Add(1)), nil
}

func waitStarted(t *testing.T, f *gatedFetcher) {
	t.Helper()
	select {
	case <-f.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("fetch did not start")
	}
}

func TestTriggersDuringFetchCollapseIntoOneFollowUp(t *testing.T) {
	f := newGatedFetcher()
	r := New[int](f.fetch, Options{Entity: "tournament"})
	defer r.Close()

	first := r.trigger("t-1")
	waitStarted(t, f)

	var followUps []*round[int]
	for i := 0; i < 5; i++ {
		followUps = append(followUps, r.trigger("t-1"))
	}
	for _, rd := range followUps[1:] {
		if rd != followUps[0] {
			t.Fatalf("expected all triggers during a fetch to share one follow-up")
		}
	}

	close(f.release)
	<-first.done
	<-followUps[0].done

	if got := f.calls.Load(); got != 2 {
		t.Fatalf("expected exactly 2 fetches, got %d", got)
	}
	if got := f.maxSeen.Load(); got != 1 {
		t.Fatalf("expected at most one outstanding fetch, saw %d", got)
	}
	snap, ok := r.Get("t-1")
	if !ok || snap.Value != 2 || snap.Version != 2 {
		t.Fatalf("expected second snapshot to replace the first, got %+v ok=%v", snap, ok)
	}
}

func TestRefreshWaitsForFreshFetch(t *testing.T) {
	var n atomic.Int32
	r := New[int](func(ctx context.Context, id string) (int, error) {
		return int(n.Add(1)), nil
	}, Options{})
	defer r.Close()

	ctx := context.Background()
	first, err := r.Refresh(ctx, "a")
	if err != nil || first.Value != 1 {
		t.Fatalf("first refresh: %+v %v", first, err)
	}
	second, err := r.Refresh(ctx, "a")
	if err != nil || second.Value != 2 || second.Version != 2 {
		t.Fatalf("second refresh should re-fetch: %+v %v", second, err)
	}
	loaded, err := r.Load(ctx, "a")
	if err != nil || loaded.Value != 2 {
		t.Fatalf("load should reuse snapshot: %+v %v", loaded, err)
	}
	if n.Load() != 2 {
		t.Fatalf("expected 2 fetches, got %d", n.Load())
	}
}

func TestFailedFetchKeepsPreviousSnapshot(t *testing.T) {
	fail := atomic.Bool{}
	r := New[string](func(ctx context.Context, id string) (string, error) {
		if fail.Load() {
			return "", domain.ErrUnavailable
		}
		return "v1", nil
	}, Options{})
	defer r.Close()

	ctx := context.Background()
	if _, err := r.Refresh(ctx, "a"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	fail.Store(true)
	snap, err := r.Refresh(ctx, "a")
	if !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if snap.Value != "v1" || snap.Version != 1 {
		t.Fatalf("expected previous snapshot to survive, got %+v", snap)
	}
	if cur, _ := r.Get("a"); cur.Value != "v1" {
		t.Fatalf("snapshot replaced by failed fetch: %+v", cur)
	}
}

func TestWatchReceivesLatestSnapshot(t *testing.T) {
	var n atomic.Int32
	r := New[int](func(ctx context.Context, id string) (int, error) {
		return int(n.Add(1)), nil
	}, Options{})
	defer r.Close()

	ch, cancel := r.Watch("a")
	defer cancel()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := r.Refresh(ctx, "a"); err != nil {
			t.Fatalf("refresh: %v", err)
		}
	}
	select {
	case snap := <-ch:
		if snap.Value != 3 {
			t.Fatalf("expected only the latest snapshot, got %+v", snap)
		}
	case <-time.After(time.Second):
		t.Fatalf("no snapshot delivered")
	}
}

func TestListenRoutesEventsToTriggers(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}
	r := New[int](func(ctx context.Context, id string) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		seen[id]++
		return seen[id], nil
	}, Options{})
	defer r.Close()

	ch, cancel := r.Watch("t-1")
	defer cancel()

	events := make(chan domain.Event, 2)
	events <- domain.Event{Topic: domain.TopicAttemptProgressChanged, TournamentID: "t-2"}
	events <- domain.Event{Topic: domain.TopicTournamentStatusChanged, TournamentID: "t-1"}
	close(events)

	r.Listen(context.Background(), events, func(ev domain.Event) (string, bool) {
		return ev.TournamentID, ev.Topic == domain.TopicTournamentStatusChanged
	})

	select {
	case snap := <-ch:
		if snap.ID != "t-1" {
			t.Fatalf("unexpected snapshot %+v", snap)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected fetch for routed event")
	}
	mu.Lock()
	defer mu.Unlock()
	if seen["t-2"] != 0 {
		t.Fatalf("unrouted topic triggered a fetch")
	}
}

func TestPollStopsOnCancel(t *testing.T) {
	var n atomic.Int32
	r := New[int](func(ctx context.Context, id string) (int, error) {
		return int(n.Add(1)), nil
	}, Options{})
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Poll(ctx, "a", 5*time.Millisecond)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for n.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("poll did not tick, fetches=%d", n.Load())
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("poll did not stop")
	}
}

func TestCloseRejectsNewWork(t *testing.T) {
	f := newGatedFetcher()
	r := New[int](f.fetch, Options{})

	pending := r.trigger("a")
	waitStarted(t, f)
	ch, _ := r.Watch("a")

	r.Close()
	<-pending.done
	if pending.err == nil {
		t.Fatalf("expected outstanding fetch to be cancelled")
	}
	if _, ok := <-ch; ok {
		t.Fatalf("expected watcher closed")
	}
	if _, err := r.Refresh(context.Background(), "a"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestForTournamentFiltersAndClosesWithSource(t *testing.T) {
	in := make(chan domain.Event, 3)
	out := ForTournament(context.Background(), in, "t-1")

	in <- domain.Event{Topic: domain.TopicTournamentStatusChanged, TournamentID: "t-2"}
	in <- domain.Event{Topic: domain.TopicAttemptProgressChanged, TournamentID: "t-1", StudentID: "s-1"}
	close(in)

	var got []domain.Event
	for ev := range out {
		got = append(got, ev)
	}
	if len(got) != 1 || got[0].StudentID != "s-1" {
		t.Fatalf("expected only the t-1 event, got %+v", got)
	}
}

func TestForTournamentStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	out := ForTournament(ctx, make(chan domain.Event), "t-1")
	cancel()
	select {
	case _, ok := <-out:
		if ok {
			t.Fatalf("unexpected event after cancel")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed after cancel")
	}
}
