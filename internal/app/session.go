// Package app holds the explicit per-user session context. A Session owns the
// snapshot reconcilers, the registration gate, attempt controllers and push
// subscriptions for one signed-in participant or instructor, and releases all
// of them on Close.
package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tournament-service/internal/attempt"
	"tournament-service/internal/clock"
	"tournament-service/internal/domain"
	"tournament-service/internal/logging"
	"tournament-service/internal/metrics"
	"tournament-service/internal/monitor"
	"tournament-service/internal/phase"
	"tournament-service/internal/reconcile"
	"tournament-service/internal/registration"
)

// ErrClosed is returned by a Session after Close.
var ErrClosed = errors.New("session closed")

// Backend is the tournament API a session drives. Both the in-process
// backend and the REST client satisfy it.
type Backend interface {
	ListAvailable(ctx context.Context, p domain.Participant) ([]domain.Tournament, error)
	GetTournament(ctx context.Context, id string) (domain.Tournament, error)
	Register(ctx context.Context, id, studentID string) (domain.Registration, error)
	GetRegistration(ctx context.Context, id, studentID string) (domain.Registration, error)
	StartAttempt(ctx context.Context, id, studentID string) (domain.Attempt, error)
	GetAttempt(ctx context.Context, id, studentID string) (domain.Attempt, error)
	SubmitAttempt(ctx context.Context, id, studentID string, sub domain.Submission) (domain.Attempt, error)
	ReportProgress(ctx context.Context, id, studentID string, p domain.Progress) error
	GetLeaderboard(ctx context.Context, id string) (domain.Leaderboard, error)
	GetRoster(ctx context.Context, id string) (domain.Roster, error)
}

// Subscriber opens a push-channel subscription of invalidation events.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan domain.Event, func(), error)
}

type Options struct {
	Backend Backend
	// Events is optional; without it screens rely on polling alone.
	Events       Subscriber
	Clock        clock.Clock
	Logger       logrus.FieldLogger
	Metrics      *metrics.Metrics
	PollInterval time.Duration
	FetchTimeout time.Duration
	// TickInterval drives attempt countdowns.
	TickInterval time.Duration
}

// Session is safe for concurrent use.
type Session struct {
	participant domain.Participant
	backend     Backend
	events      Subscriber
	clock       clock.Clock
	log         logrus.FieldLogger
	metrics     *metrics.Metrics
	poll        time.Duration
	tick        time.Duration
	recOpts     reconcile.Options

	tournaments  *reconcile.Reconciler[domain.Tournament]
	leaderboards *reconcile.Reconciler[domain.Leaderboard]
	gate         *registration.Gate

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	attempts map[string]*attempt.Controller
	monitors map[*monitor.Live]struct{}
}

// New starts a session for p. The caller must Close it.
func New(p domain.Participant, opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 15 * time.Second
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	log := logging.OrDiscard(opts.Logger).WithField("student_id", p.StudentID)
	recOpts := reconcile.Options{
		FetchTimeout: opts.FetchTimeout,
		Clock:        opts.Clock,
		Logger:       log,
		Metrics:      opts.Metrics,
	}
	tOpts, lOpts := recOpts, recOpts
	tOpts.Entity = "tournament"
	lOpts.Entity = "leaderboard"

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		participant:  p,
		backend:      opts.Backend,
		events:       opts.Events,
		clock:        opts.Clock,
		log:          log,
		metrics:      opts.Metrics,
		poll:         opts.PollInterval,
		tick:         opts.TickInterval,
		recOpts:      recOpts,
		tournaments:  reconcile.New[domain.Tournament](opts.Backend.GetTournament, tOpts),
		leaderboards: reconcile.New[domain.Leaderboard](opts.Backend.GetLeaderboard, lOpts),
		ctx:          ctx,
		cancel:       cancel,
		attempts:     make(map[string]*attempt.Controller),
		monitors:     make(map[*monitor.Live]struct{}),
	}
	s.gate = registration.NewGate(registration.Config{
		Backend:   opts.Backend,
		Clock:     opts.Clock,
		Refresher: s.tournaments,
		Logger:    log,
		Metrics:   opts.Metrics,
	})
	return s
}

func (s *Session) Participant() domain.Participant { return s.participant }

// Available lists the tournaments open to the participant.
func (s *Session) Available(ctx context.Context) ([]domain.Tournament, error) {
	return s.backend.ListAvailable(ctx, s.participant)
}

// Tournament returns the reconciled snapshot of id, fetching it if none is
// held yet.
func (s *Session) Tournament(ctx context.Context, id string) (domain.Tournament, error) {
	snap, err := s.tournaments.Load(ctx, id)
	if err != nil {
		return domain.Tournament{}, err
	}
	return snap.Value, nil
}

// Refresh forces a re-fetch of id and returns the new snapshot.
func (s *Session) Refresh(ctx context.Context, id string) (domain.Tournament, error) {
	snap, err := s.tournaments.Refresh(ctx, id)
	if err != nil {
		return domain.Tournament{}, err
	}
	return snap.Value, nil
}

// Phase resolves the phase of id at the session clock's current instant.
func (s *Session) Phase(ctx context.Context, id string) (domain.Phase, error) {
	t, err := s.Tournament(ctx, id)
	if err != nil {
		return "", err
	}
	return phase.Resolve(t, s.clock.Now()), nil
}

// Watch streams tournament snapshots of id. Call stop when done.
func (s *Session) Watch(id string) (<-chan reconcile.Snapshot[domain.Tournament], func()) {
	return s.tournaments.Watch(id)
}

// Follow keeps the tournament and leaderboard snapshots of id fresh from
// polling and, when available, push events. It is the lifetime of one
// screen: stop cancels its poll timers and unsubscribes its listener.
func (s *Session) Follow(id string) (stop func(), err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.tournaments.Poll(ctx, id, s.poll)
	}()
	go func() {
		defer wg.Done()
		s.leaderboards.Poll(ctx, id, s.poll)
	}()

	if s.events != nil {
		events, unsubscribe, serr := s.events.Subscribe(ctx)
		if serr != nil {
			s.log.WithError(serr).WithField("tournament_id", id).Warn("push channel unavailable, polling only")
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer unsubscribe()
				s.listen(ctx, id, events)
			}()
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		wg.Wait()
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

func (s *Session) listen(ctx context.Context, id string, events <-chan domain.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.TournamentID != id {
				continue
			}
			switch ev.Topic {
			case domain.TopicTournamentStatusChanged:
				s.tournaments.Trigger(id)
				s.leaderboards.Trigger(id)
			case domain.TopicAttemptProgressChanged:
				s.leaderboards.Trigger(id)
			}
		}
	}
}

// Register registers the participant for id through the gate, against the
// current snapshot. A duplicate registration resolves to the existing one.
func (s *Session) Register(ctx context.Context, id string) (domain.Registration, error) {
	t, err := s.Tournament(ctx, id)
	if err != nil {
		return domain.Registration{}, err
	}
	return s.gate.Register(ctx, t, s.participant)
}

// IsRegistered reports whether the participant holds a registration for id.
func (s *Session) IsRegistered(ctx context.Context, id string) (bool, error) {
	return s.gate.IsRegistered(ctx, id, s.participant)
}

// Attempt returns the attempt controller for id, creating it on first use.
// Its countdown runs once Start succeeds.
func (s *Session) Attempt(id string) (*attempt.Controller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if c, ok := s.attempts[id]; ok {
		return c, nil
	}
	c := attempt.New(attempt.Config{
		Backend:   s.backend,
		Clock:     s.clock,
		Logger:    s.log,
		Metrics:   s.metrics,
		StudentID: s.participant.StudentID,
		OnSettled: func(domain.Attempt, error) {
			s.tournaments.Trigger(id)
			s.leaderboards.Trigger(id)
		},
	})
	s.attempts[id] = c
	return c, nil
}

// Start resolves the phase on a fresh snapshot and begins the attempt for id.
// On success the countdown runs until submission or Close; a submission in
// flight at Close still completes.
func (s *Session) Start(ctx context.Context, id string) (*attempt.Controller, error) {
	c, err := s.Attempt(id)
	if err != nil {
		return nil, err
	}
	t, err := s.Refresh(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := c.Start(ctx, t); err != nil {
		return c, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return c, ErrClosed
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.Run(s.ctx, s.tick)
	}()
	return c, nil
}

// Leaderboard returns the reconciled leaderboard of id.
func (s *Session) Leaderboard(ctx context.Context, id string) (domain.Leaderboard, error) {
	snap, err := s.leaderboards.Load(ctx, id)
	if err != nil {
		return domain.Leaderboard{}, err
	}
	return snap.Value, nil
}

// Monitor opens a live monitor on id. Views arrive on the returned channel
// until stop is called or the session closes.
func (s *Session) Monitor(ctx context.Context, id string) (<-chan monitor.View, func(), error) {
	live := monitor.NewLive(s.backend, s.recOpts)
	if _, err := live.Refresh(ctx, id); err != nil {
		live.Close()
		return nil, nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		live.Close()
		return nil, nil, ErrClosed
	}
	s.monitors[live] = struct{}{}
	mctx, cancel := context.WithCancel(s.ctx)
	s.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		live.Poll(mctx, id, s.poll)
	}()
	if s.events != nil {
		events, unsubscribe, err := s.events.Subscribe(mctx)
		if err != nil {
			s.log.WithError(err).WithField("tournament_id", id).Warn("monitor push unavailable, polling only")
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer unsubscribe()
				live.Listen(mctx, reconcile.ForTournament(mctx, events, id))
			}()
		}
	}

	views, stopViews := live.Watch(id)
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			stopViews()
			wg.Wait()
			s.mu.Lock()
			delete(s.monitors, live)
			s.mu.Unlock()
			live.Close()
		})
	}
	return views, stop, nil
}

// Close cancels every poll timer, push listener and countdown, and waits for
// them, including any submission still in flight.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	lives := make([]*monitor.Live, 0, len(s.monitors))
	for l := range s.monitors {
		lives = append(lives, l)
	}
	s.monitors = map[*monitor.Live]struct{}{}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	for _, l := range lives {
		l.Close()
	}
	s.tournaments.Close()
	s.leaderboards.Close()
	s.log.Debug("session closed")
}
