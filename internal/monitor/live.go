package monitor

import (
	"context"
	"sync"
	"time"

	"tournament-service/internal/clock"
	"tournament-service/internal/domain"
	"tournament-service/internal/leaderboard"
	"tournament-service/internal/reconcile"
)

// Source is the instructor-facing subset of the tournament API.
type Source interface {
	GetTournament(ctx context.Context, id string) (domain.Tournament, error)
	GetRoster(ctx context.Context, id string) (domain.Roster, error)
}

// View is one consistent projection of a tournament's live state. The
// leaderboard is the client-side ranking and is unofficial until Published.
type View struct {
	Monitor     domain.Monitor     `json:"monitor"`
	Leaderboard domain.Leaderboard `json:"leaderboard"`
}

// Live keeps tournament and roster snapshots reconciled and projects them
// into Views.
type Live struct {
	tournaments *reconcile.Reconciler[domain.Tournament]
	rosters     *reconcile.Reconciler[domain.Roster]
	clock       clock.Clock
}

// NewLive builds a Live view over src. opts.Entity is ignored.
func NewLive(src Source, opts reconcile.Options) *Live {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	tOpts, rOpts := opts, opts
	tOpts.Entity = "tournament"
	rOpts.Entity = "roster"
	return &Live{
		tournaments: reconcile.New[domain.Tournament](src.GetTournament, tOpts),
		rosters:     reconcile.New[domain.Roster](src.GetRoster, rOpts),
		clock:       opts.Clock,
	}
}

// Trigger routes an invalidation event. Status changes also touch the
// roster because registrations publish them.
func (l *Live) Trigger(ev domain.Event) {
	switch ev.Topic {
	case domain.TopicTournamentStatusChanged:
		l.tournaments.Trigger(ev.TournamentID)
		l.rosters.Trigger(ev.TournamentID)
	case domain.TopicAttemptProgressChanged:
		l.rosters.Trigger(ev.TournamentID)
	}
}

// Listen feeds events into Trigger until ctx is done or events closes.
func (l *Live) Listen(ctx context.Context, events <-chan domain.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			l.Trigger(ev)
		}
	}
}

// Poll re-fetches both snapshots of id every interval until ctx is done.
func (l *Live) Poll(ctx context.Context, id string, interval time.Duration) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); l.tournaments.Poll(ctx, id, interval) }()
	go func() { defer wg.Done(); l.rosters.Poll(ctx, id, interval) }()
	wg.Wait()
}

// Refresh re-fetches both snapshots of id and returns the resulting view.
func (l *Live) Refresh(ctx context.Context, id string) (View, error) {
	var (
		wg         sync.WaitGroup
		t          reconcile.Snapshot[domain.Tournament]
		r          reconcile.Snapshot[domain.Roster]
		tErr, rErr error
	)
	wg.Add(2)
	go func() { defer wg.Done(); t, tErr = l.tournaments.Refresh(ctx, id) }()
	go func() { defer wg.Done(); r, rErr = l.rosters.Refresh(ctx, id) }()
	wg.Wait()
	if tErr != nil {
		return View{}, tErr
	}
	if rErr != nil {
		return View{}, rErr
	}
	return l.project(t.Value, r.Value), nil
}

// Current returns the view from the snapshots held now.
func (l *Live) Current(id string) (View, bool) {
	t, ok := l.tournaments.Get(id)
	if !ok {
		return View{}, false
	}
	r, ok := l.rosters.Get(id)
	if !ok {
		return View{}, false
	}
	return l.project(t.Value, r.Value), true
}

// Watch streams views of id, triggering an initial fetch of both snapshots.
// Slow readers only see the latest view. The caller must invoke cancel.
func (l *Live) Watch(id string) (<-chan View, func()) {
	tCh, tCancel := l.tournaments.Watch(id)
	rCh, rCancel := l.rosters.Watch(id)
	l.tournaments.Trigger(id)
	l.rosters.Trigger(id)

	out := make(chan View, 1)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(out)
		var (
			tour   *domain.Tournament
			roster *domain.Roster
		)
		tOpen, rOpen := true, true
		for tOpen || rOpen {
			select {
			case <-stop:
				return
			case snap, ok := <-tCh:
				if !ok {
					tOpen, tCh = false, nil
					continue
				}
				v := snap.Value
				tour = &v
			case snap, ok := <-rCh:
				if !ok {
					rOpen, rCh = false, nil
					continue
				}
				v := snap.Value
				roster = &v
			}
			if tour == nil || roster == nil {
				continue
			}
			view := l.project(*tour, *roster)
			select {
			case out <- view:
			default:
				select {
				case <-out:
				default:
				}
				out <- view
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(stop)
			<-done
			tCancel()
			rCancel()
		})
	}
	return out, cancel
}

// Close releases both reconcilers and ends every watch.
func (l *Live) Close() {
	l.tournaments.Close()
	l.rosters.Close()
}

func (l *Live) project(t domain.Tournament, r domain.Roster) View {
	return View{
		Monitor:     FromRoster(t, r),
		Leaderboard: leaderboard.Build(t, r.Attempts, l.clock.Now()),
	}
}
