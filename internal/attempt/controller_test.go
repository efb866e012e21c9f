package attempt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"tournament-service/internal/clock"
	"tournament-service/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeBackend struct {
	mu          sync.Mutex
	clock       clock.Clock
	registered  bool
	existing    *domain.Attempt
	submits     []domain.Submission
	submitErrs  []error
	progress    []domain.Progress
	submitGate  chan struct{}
	submitCtxOK bool
}

func (f *fakeBackend) GetRegistration(_ context.Context, tid, sid string) (domain.Registration, error) {
	if !f.registered {
		return domain.Registration{}, domain.ErrNotRegistered
	}
	return domain.Registration{ID: "r1", TournamentID: tid, StudentID: sid}, nil
}

func (f *fakeBackend) StartAttempt(_ context.Context, tid, sid string) (domain.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.existing != nil {
		return domain.Attempt{}, domain.ErrAlreadyAttempted
	}
	a := domain.Attempt{ID: "a1", TournamentID: tid, StudentID: sid, StartedAt: f.clock.Now()}
	f.existing = &a
	return a, nil
}

func (f *fakeBackend) GetAttempt(_ context.Context, _, _ string) (domain.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.existing == nil {
		return domain.Attempt{}, domain.ErrAttemptNotFound
	}
	return *f.existing, nil
}

func (f *fakeBackend) SubmitAttempt(ctx context.Context, _, _ string, sub domain.Submission) (domain.Attempt, error) {
	if f.submitGate != nil {
		<-f.submitGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, sub)
	f.submitCtxOK = ctx.Err() == nil
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return domain.Attempt{}, err
		}
	}
	if f.existing.Submitted() {
		return domain.Attempt{}, domain.ErrAlreadySubmitted
	}
	now := f.clock.Now()
	a := *f.existing
	a.SubmittedAt = &now
	a.Reason = sub.Reason
	a.Answers = sub.Answers
	a.TabSwitches = sub.TabSwitches
	score := len(sub.Answers)
	a.Score = &score
	f.existing = &a
	return a, nil
}

func (f *fakeBackend) ReportProgress(_ context.Context, _, _ string, p domain.Progress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, p)
	return nil
}

func (f *fakeBackend) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

func liveTournament() domain.Tournament {
	return domain.Tournament{
		ID:                "t-1",
		RegistrationStart: t0,
		RegistrationEnd:   t0.Add(time.Hour),
		ExamStart:         t0.Add(2 * time.Hour),
		ExamEnd:           t0.Add(3 * time.Hour),
		DurationMinutes:   60,
		Status:            domain.StatusUpcoming,
		TabSwitchLimit:    2,
		Questions: []domain.Question{
			{ID: "q1", Text: "a", Options: []string{"x", "y"}, CorrectOption: 1, Marks: 1},
			{ID: "q2", Text: "b", Options: []string{"x", "y", "z"}, CorrectOption: 2, Marks: 1},
		},
	}
}

func startedController(t *testing.T, at time.Time) (*Controller, *fakeBackend, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(at)
	backend := &fakeBackend{clock: clk, registered: true}
	c := New(Config{Backend: backend, Clock: clk, StudentID: "s1"})
	if _, err := c.Start(context.Background(), liveTournament()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return c, backend, clk
}

func TestStartRequiresLivePhase(t *testing.T) {
	for _, at := range []time.Duration{90 * time.Minute, 3*time.Hour + time.Minute} {
		clk := clock.NewFake(t0.Add(at))
		backend := &fakeBackend{clock: clk, registered: true}
		c := New(Config{Backend: backend, Clock: clk, StudentID: "s1"})
		_, err := c.Start(context.Background(), liveTournament())
		if !errors.Is(err, domain.ErrPhaseMismatch) {
			t.Fatalf("at %v expected phase mismatch, got %v", at, err)
		}
		if c.State() != NotStarted || backend.existing != nil {
			t.Fatalf("rejected start must not create an attempt")
		}
	}
}

func TestStartUsesOverrideAndRequiresRegistration(t *testing.T) {
	clk := clock.NewFake(t0.Add(2*time.Hour + 5*time.Minute))
	backend := &fakeBackend{clock: clk}
	c := New(Config{Backend: backend, Clock: clk, StudentID: "s1"})
	if _, err := c.Start(context.Background(), liveTournament()); !errors.Is(err, domain.ErrNotRegistered) {
		t.Fatalf("expected not registered, got %v", err)
	}

	backend.registered = true
	a, err := c.Start(context.Background(), liveTournament())
	if err != nil {
		t.Fatalf("start with UPCOMING inside exam window: %v", err)
	}
	if !a.StartedAt.Equal(clk.Now()) || c.State() != InProgress || c.TabSwitches() != 0 {
		t.Fatalf("unexpected start state %+v %s", a, c.State())
	}
	if _, err := c.Start(context.Background(), liveTournament()); !errors.Is(err, domain.ErrOutOfOrder) {
		t.Fatalf("expected second start rejected, got %v", err)
	}
}

func TestStartResumesUnsubmittedAttempt(t *testing.T) {
	clk := clock.NewFake(t0.Add(2*time.Hour + 10*time.Minute))
	earlier := t0.Add(2 * time.Hour)
	backend := &fakeBackend{clock: clk, registered: true, existing: &domain.Attempt{ID: "a0", StartedAt: earlier, TabSwitches: 1}}
	c := New(Config{Backend: backend, Clock: clk, StudentID: "s1"})

	a, err := c.Start(context.Background(), liveTournament())
	if err != nil || a.ID != "a0" {
		t.Fatalf("expected resume, got %+v %v", a, err)
	}
	if got := c.Remaining(); got != 50*time.Minute {
		t.Fatalf("countdown must use server start, got %v", got)
	}
	if c.TabSwitches() != 1 {
		t.Fatalf("expected tab switches carried over, got %d", c.TabSwitches())
	}
}

func TestStartOnSubmittedAttemptReportsAlreadyAttempted(t *testing.T) {
	clk := clock.NewFake(t0.Add(2*time.Hour + 10*time.Minute))
	done := t0.Add(2*time.Hour + 5*time.Minute)
	backend := &fakeBackend{clock: clk, registered: true, existing: &domain.Attempt{ID: "a0", StartedAt: t0.Add(2 * time.Hour), SubmittedAt: &done}}
	c := New(Config{Backend: backend, Clock: clk, StudentID: "s1"})

	if _, err := c.Start(context.Background(), liveTournament()); !errors.Is(err, domain.ErrAlreadyAttempted) {
		t.Fatalf("expected already attempted, got %v", err)
	}
	if c.State() != Submitted {
		t.Fatalf("expected submitted state, got %s", c.State())
	}
}

func TestRecordAnswerRejectedWithoutQuestions(t *testing.T) {
	clk := clock.NewFake(t0.Add(2 * time.Hour))
	backend := &fakeBackend{clock: clk, registered: true}
	c := New(Config{Backend: backend, Clock: clk, StudentID: "s1"})
	empty := liveTournament()
	empty.Questions = nil
	if _, err := c.Start(context.Background(), empty); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := c.RecordAnswer(0, 0); !errors.Is(err, domain.ErrInvalidAnswer) {
		t.Fatalf("expected invalid answer for an empty question bank, got %v", err)
	}
	final, err := c.Submit(context.Background(), domain.ReasonManual)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(final.Answers) != 0 || c.State() != Submitted {
		t.Fatalf("expected empty submission, got %+v in %s", final.Answers, c.State())
	}
}

func TestRecordAnswerLastWriteWinsAndIsBuffered(t *testing.T) {
	c, backend, _ := startedController(t, t0.Add(2*time.Hour))

	for _, step := range [][2]int{{0, 0}, {1, 2}, {0, 1}} {
		if err := c.RecordAnswer(step[0], step[1]); err != nil {
			t.Fatalf("record answer %v: %v", step, err)
		}
	}
	if err := c.RecordAnswer(5, 0); !errors.Is(err, domain.ErrInvalidAnswer) {
		t.Fatalf("expected invalid question, got %v", err)
	}
	if err := c.RecordAnswer(1, 3); !errors.Is(err, domain.ErrInvalidAnswer) {
		t.Fatalf("expected invalid option, got %v", err)
	}
	if backend.submitCount() != 0 {
		t.Fatalf("answers must not be sent before submission")
	}

	final, err := c.Submit(context.Background(), domain.ReasonManual)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if final.Answers[0] != 1 || final.Answers[1] != 2 || len(final.Answers) != 2 {
		t.Fatalf("unexpected submitted answers %v", final.Answers)
	}
}

func TestDuplicateSubmitIsNoop(t *testing.T) {
	c, backend, _ := startedController(t, t0.Add(2*time.Hour))
	ctx := context.Background()

	first, err := c.Submit(ctx, domain.ReasonManual)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := c.Submit(ctx, domain.ReasonTimeout)
	if err != nil {
		t.Fatalf("second submit should be a no-op, got %v", err)
	}
	if backend.submitCount() != 1 {
		t.Fatalf("expected one backend submission, got %d", backend.submitCount())
	}
	if first.ID != second.ID || second.Reason != domain.ReasonManual || !first.SubmittedAt.Equal(*second.SubmittedAt) {
		t.Fatalf("second call must return the first result: %+v vs %+v", first, second)
	}
}

func TestConcurrentSubmitsSendOnce(t *testing.T) {
	c, backend, _ := startedController(t, t0.Add(2*time.Hour))
	backend.submitGate = make(chan struct{})

	var wg sync.WaitGroup
	results := make([]domain.Attempt, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reason := domain.ReasonManual
			if i%2 == 1 {
				reason = domain.ReasonTimeout
			}
			results[i], _ = c.Submit(context.Background(), reason)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(backend.submitGate)
	wg.Wait()

	if backend.submitCount() != 1 {
		t.Fatalf("expected exactly one submission, got %d", backend.submitCount())
	}
	for _, r := range results {
		if r.ID != results[0].ID || r.SubmittedAt == nil {
			t.Fatalf("every caller must see the same result, got %+v", results)
		}
	}
}

func TestIntegrityLimitForcesSubmission(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	clk := clock.NewFake(t0.Add(2 * time.Hour))
	backend := &fakeBackend{clock: clk, registered: true}
	var settledWith domain.Attempt
	c := New(Config{Backend: backend, Clock: clk, StudentID: "s1", Logger: logger,
		OnSettled: func(a domain.Attempt, _ error) { settledWith = a }})
	ctx := context.Background()
	if _, err := c.Start(ctx, liveTournament()); err != nil {
		t.Fatalf("start: %v", err)
	}
	_ = c.RecordAnswer(0, 1)

	for i := 0; i < 2; i++ {
		forced, err := c.RecordIntegrityViolation(ctx)
		if err != nil || forced {
			t.Fatalf("violation %d within limit: forced=%v err=%v", i+1, forced, err)
		}
	}
	forced, err := c.RecordIntegrityViolation(ctx)
	if err != nil || !forced {
		t.Fatalf("violation at limit+1 must force submission: forced=%v err=%v", forced, err)
	}

	if backend.submitCount() != 1 || backend.submits[0].Reason != domain.ReasonIntegrityViolation || backend.submits[0].TabSwitches != 3 {
		t.Fatalf("unexpected submissions %+v", backend.submits)
	}
	if err := c.RecordAnswer(1, 0); !errors.Is(err, domain.ErrOutOfOrder) {
		t.Fatalf("answers after forced submission must be rejected, got %v", err)
	}
	if _, err := c.RecordIntegrityViolation(ctx); !errors.Is(err, domain.ErrOutOfOrder) {
		t.Fatalf("violations after submission must be rejected, got %v", err)
	}
	if len(backend.progress) != 2 {
		t.Fatalf("expected progress reported for violations within limit, got %d", len(backend.progress))
	}
	if settledWith.Reason != domain.ReasonIntegrityViolation {
		t.Fatalf("expected settle hook with integrity reason, got %+v", settledWith)
	}

	warned := false
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Data["reason"] == domain.ReasonIntegrityViolation {
			warned = true
		}
	}
	if !warned {
		t.Fatalf("forced submission must be logged")
	}
}

func TestZeroTabSwitchLimitForcesOnFirstViolation(t *testing.T) {
	clk := clock.NewFake(t0.Add(2 * time.Hour))
	backend := &fakeBackend{clock: clk, registered: true}
	c := New(Config{Backend: backend, Clock: clk, StudentID: "s1"})
	tour := liveTournament()
	tour.TabSwitchLimit = 0
	if _, err := c.Start(context.Background(), tour); err != nil {
		t.Fatalf("start: %v", err)
	}
	if forced, _ := c.RecordIntegrityViolation(context.Background()); !forced {
		t.Fatalf("expected forced submission on first violation")
	}
}

func TestCountdownAndTimeoutSubmitOnce(t *testing.T) {
	c, backend, clk := startedController(t, t0.Add(2*time.Hour+10*time.Minute))
	ctx := context.Background()

	clk.Advance(45 * time.Minute)
	if got := c.Remaining(); got != 15*time.Minute {
		t.Fatalf("expected 15m remaining, got %v", got)
	}
	if sent, _ := c.Tick(ctx); sent {
		t.Fatalf("tick before deadline must not submit")
	}

	clk.Advance(20 * time.Minute)
	if got := c.Remaining(); got != 0 {
		t.Fatalf("remaining must clamp at zero, got %v", got)
	}
	sent, err := c.Tick(ctx)
	if err != nil || !sent {
		t.Fatalf("tick at zero must submit: sent=%v err=%v", sent, err)
	}
	if sent, _ := c.Tick(ctx); sent {
		t.Fatalf("second tick must not submit again")
	}
	if backend.submitCount() != 1 || backend.submits[0].Reason != domain.ReasonTimeout {
		t.Fatalf("expected a single TIMEOUT submission, got %+v", backend.submits)
	}
	if want := t0.Add(3*time.Hour + 10*time.Minute); !c.Deadline().Equal(want) {
		t.Fatalf("expected deadline %v, got %v", want, c.Deadline())
	}
}

func TestTransientFailureKeepsPayloadForRetry(t *testing.T) {
	c, backend, _ := startedController(t, t0.Add(2*time.Hour))
	backend.submitErrs = []error{domain.ErrUnavailable}
	_ = c.RecordAnswer(0, 1)
	ctx := context.Background()

	if _, err := c.Submit(ctx, domain.ReasonManual); !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if c.State() != Submitting {
		t.Fatalf("expected submitting after transient failure, got %s", c.State())
	}
	if err := c.RecordAnswer(1, 0); !errors.Is(err, domain.ErrOutOfOrder) {
		t.Fatalf("answers must stay frozen once submission is issued, got %v", err)
	}

	sent, err := c.Tick(ctx)
	if err != nil || !sent {
		t.Fatalf("tick should retry pending submission: sent=%v err=%v", sent, err)
	}
	if backend.submitCount() != 2 || backend.submits[1].Reason != domain.ReasonManual || len(backend.submits[1].Answers) != 1 {
		t.Fatalf("retry must resend the frozen payload, got %+v", backend.submits)
	}
	if _, ok, err := c.Result(); !ok || err != nil {
		t.Fatalf("expected settled result, ok=%v err=%v", ok, err)
	}
}

func TestLateSubmissionIsTerminalAndReported(t *testing.T) {
	c, backend, _ := startedController(t, t0.Add(2*time.Hour))
	backend.submitErrs = []error{domain.ErrWindowClosed}

	_, err := c.Submit(context.Background(), domain.ReasonTimeout)
	if domain.Classify(err) != domain.KindWindow {
		t.Fatalf("expected window error, got %v", err)
	}
	if c.State() != Submitted {
		t.Fatalf("late rejection is terminal, got %s", c.State())
	}
	if _, err := c.Submit(context.Background(), domain.ReasonManual); !errors.Is(err, domain.ErrWindowClosed) {
		t.Fatalf("repeat submit should return the same outcome, got %v", err)
	}
	if backend.submitCount() != 1 {
		t.Fatalf("expected one request, got %d", backend.submitCount())
	}
}

func TestSubmitSurvivesCancelledContext(t *testing.T) {
	c, backend, _ := startedController(t, t0.Add(2*time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	final, err := c.Submit(ctx, domain.ReasonManual)
	if err != nil || final.SubmittedAt == nil {
		t.Fatalf("issued submission must complete, got %+v %v", final, err)
	}
	if !backend.submitCtxOK {
		t.Fatalf("backend saw a cancelled context")
	}
}

func TestOutOfOrderCalls(t *testing.T) {
	clk := clock.NewFake(t0.Add(2 * time.Hour))
	c := New(Config{Backend: &fakeBackend{clock: clk, registered: true}, Clock: clk, StudentID: "s1"})
	ctx := context.Background()

	if err := c.RecordAnswer(0, 0); !errors.Is(err, domain.ErrOutOfOrder) {
		t.Fatalf("answer before start: %v", err)
	}
	if _, err := c.Submit(ctx, domain.ReasonManual); !errors.Is(err, domain.ErrOutOfOrder) {
		t.Fatalf("submit before start: %v", err)
	}
	if _, err := c.RecordIntegrityViolation(ctx); !errors.Is(err, domain.ErrOutOfOrder) {
		t.Fatalf("violation before start: %v", err)
	}
	if err := c.ReportProgress(ctx); !errors.Is(err, domain.ErrOutOfOrder) {
		t.Fatalf("progress before start: %v", err)
	}
}

func TestRunStopsAfterTimeout(t *testing.T) {
	c, backend, clk := startedController(t, t0.Add(2*time.Hour))
	clk.Advance(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.Run(ctx, time.Millisecond)

	if c.State() != Submitted || backend.submitCount() != 1 {
		t.Fatalf("expected run to submit once and stop, state=%s submits=%d", c.State(), backend.submitCount())
	}
}
