// Package attempt owns one participant's exam attempt: start, buffered
// answers, integrity tracking, countdown and a single terminal submission.
package attempt

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
	"tournament-service/internal/phase"
)

// Backend is the subset of the tournament API the controller needs.
type Backend interface {
	GetRegistration(ctx context.Context, tournamentID, studentID string) (domain.Registration, error)
	StartAttempt(ctx context.Context, tournamentID, studentID string) (domain.Attempt, error)
	GetAttempt(ctx context.Context, tournamentID, studentID string) (domain.Attempt, error)
	SubmitAttempt(ctx context.Context, tournamentID, studentID string, sub domain.Submission) (domain.Attempt, error)
}

// ProgressReporter is implemented by backends that accept in-flight progress
// for live monitors.
type ProgressReporter interface {
	ReportProgress(ctx context.Context, tournamentID, studentID string, p domain.Progress) error
}

// State of the attempt lifecycle. Submitting is held from the moment a
// submission is issued until the backend settles it.
type State int

const (
	NotStarted State = iota
	InProgress
	Submitting
	Submitted
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NOT_STARTED"
	case InProgress:
		return "IN_PROGRESS"
	case Submitting:
		return "SUBMITTING"
	case Submitted:
		return "SUBMITTED"
	}
	return "UNKNOWN"
}

type Config struct {
	Backend   Backend
	Clock     clock.Clock
	Logger    logrus.FieldLogger
	Metrics   *metrics.Metrics
	StudentID string
	// OnSettled is called once a submission reaches a terminal outcome.
	OnSettled func(domain.Attempt, error)
}

// submission is one issued submit. Its payload is frozen when issued; a
// transient failure keeps the payload for a retry.
type submission struct {
	payload domain.Submission
	done    chan struct{}
	final   domain.Attempt
	err     error
	retry   bool
}

// Controller is safe for concurrent use; every transition happens under mu.
type Controller struct {
	backend   Backend
	clock     clock.Clock
	log       logrus.FieldLogger
	metrics   *metrics.Metrics
	studentID string
	onSettled func(domain.Attempt, error)

	mu          sync.Mutex
	state       State
	starting    bool
	tournament  domain.Tournament
	attempt     domain.Attempt
	answers     domain.Answers
	tabSwitches int
	sub         *submission
}

func New(cfg Config) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	return &Controller{
		backend:   cfg.Backend,
		clock:     cfg.Clock,
		log:       logging.OrDiscard(cfg.Logger).WithField("student_id", cfg.StudentID),
		metrics:   cfg.Metrics,
		studentID: cfg.StudentID,
		onSettled: cfg.OnSettled,
		answers:   domain.Answers{},
	}
}

// Start begins the attempt for t. The phase must resolve to EXAM_LIVE on
// the controller's clock, otherwise ErrPhaseMismatch is returned and the
// caller must re-resolve before retrying. An unsubmitted attempt already on
// the server is resumed.
func (c *Controller) Start(ctx context.Context, t domain.Tournament) (domain.Attempt, error) {
	c.mu.Lock()
	if c.state != NotStarted || c.starting {
		c.mu.Unlock()
		return domain.Attempt{}, fmt.Errorf("start in state %s: %w", c.state, domain.ErrOutOfOrder)
	}
	c.starting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.starting = false
		c.mu.Unlock()
	}()

	log := c.log.WithField("tournament_id", t.ID)
	if ph := phase.Resolve(t, c.clock.Now()); !phase.AllowsStart(ph) {
		log.WithField("phase", ph).Info("start rejected by phase")
		return domain.Attempt{}, fmt.Errorf("start in phase %s: %w", ph, domain.ErrPhaseMismatch)
	}
	if _, err := c.backend.GetRegistration(ctx, t.ID, c.studentID); err != nil {
		return domain.Attempt{}, err
	}

	a, err := c.backend.StartAttempt(ctx, t.ID, c.studentID)
	if errors.Is(err, domain.ErrAlreadyAttempted) {
		existing, gerr := c.backend.GetAttempt(ctx, t.ID, c.studentID)
		if gerr != nil {
			return domain.Attempt{}, err
		}
		if existing.Submitted() {
			c.mu.Lock()
			c.tournament = t
			c.attempt = existing
			c.state = Submitted
			c.sub = settled(existing, nil)
			c.mu.Unlock()
			return existing, err
		}
		log.Info("resuming attempt in progress")
		a, err = existing, nil
	}
	if err != nil {
		return domain.Attempt{}, err
	}

	c.mu.Lock()
	c.tournament = t
	c.attempt = a
	c.tabSwitches = a.TabSwitches
	c.state = InProgress
	c.mu.Unlock()

	log.WithField("started_at", a.StartedAt).Info("attempt started")
	return a, nil
}

// RecordAnswer buffers the option chosen for a question; the last write per
// question wins. Nothing is sent until submission.
func (c *Controller) RecordAnswer(questionIndex, option int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != InProgress {
		return fmt.Errorf("answer in state %s: %w", c.state, domain.ErrOutOfOrder)
	}
	qs := c.tournament.Questions
	if questionIndex < 0 || questionIndex >= len(qs) {
		return fmt.Errorf("question %d of %d: %w", questionIndex, len(qs), domain.ErrInvalidAnswer)
	}
	if option < 0 || option >= len(qs[questionIndex].Options) {
		return fmt.Errorf("question %d option %d: %w", questionIndex, option, domain.ErrInvalidAnswer)
	}
	c.answers[questionIndex] = option
	return nil
}

// RecordIntegrityViolation counts a focus loss. Once the count exceeds the
// tournament's limit the attempt is submitted with INTEGRITY_VIOLATION
// without asking the participant. forced reports whether that happened.
func (c *Controller) RecordIntegrityViolation(ctx context.Context) (forced bool, err error) {
	c.mu.Lock()
	if c.state != InProgress {
		state := c.state
		c.mu.Unlock()
		return false, fmt.Errorf("integrity event in state %s: %w", state, domain.ErrOutOfOrder)
	}
	c.tabSwitches++
	count, limit := c.tabSwitches, c.tournament.TabSwitchLimit
	c.metrics.IntegrityViolation()

	if count <= limit {
		progress := c.progressLocked()
		c.mu.Unlock()
		c.log.WithFields(logrus.Fields{"tab_switches": count, "limit": limit}).Info("integrity violation recorded")
		c.report(ctx, progress)
		return false, nil
	}

	// Issued under the same lock that counted the violation, so no manual
	// submit can slip in between.
	sub, first, _ := c.beginLocked(domain.ReasonIntegrityViolation)
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"tournament_id": c.tournament.ID,
		"tab_switches":  count,
		"limit":         limit,
		"reason":        domain.ReasonIntegrityViolation,
	}).Warn("tab switch limit exceeded, forcing submission")

	if first {
		c.finish(ctx, sub)
	}
	_, err = c.wait(ctx, sub)
	return true, err
}

// Submit finalizes the attempt. Only the first call from IN_PROGRESS sends
// anything; later calls return the same outcome. Once issued, the request
// runs to completion even if ctx is cancelled. A transient failure leaves the
// attempt SUBMITTING and the next Submit retries the frozen payload.
func (c *Controller) Submit(ctx context.Context, reason domain.SubmitReason) (domain.Attempt, error) {
	if !reason.Valid() {
		return domain.Attempt{}, fmt.Errorf("reason %q: %w", reason, domain.ErrOutOfOrder)
	}
	c.mu.Lock()
	sub, first, err := c.beginLocked(reason)
	c.mu.Unlock()
	if err != nil {
		return domain.Attempt{}, err
	}
	if first {
		c.finish(ctx, sub)
	}
	return c.wait(ctx, sub)
}

// Remaining is max(0, duration - (now - started_at)), always derived from the
// server-stamped start.
func (c *Controller) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remainingLocked(c.clock.Now())
}

// Deadline is started_at + duration, or zero before start.
func (c *Controller) Deadline() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == NotStarted {
		return time.Time{}
	}
	return c.attempt.StartedAt.Add(c.tournament.Duration())
}

// Tick recomputes the countdown and submits with TIMEOUT when it reaches
// zero. A submission left pending by a transient failure is retried. It
// reports whether this tick sent a request.
func (c *Controller) Tick(ctx context.Context) (bool, error) {
	c.mu.Lock()
	retrying := c.state == Submitting && c.sub != nil && c.sub.retry
	if !retrying && (c.state != InProgress || c.remainingLocked(c.clock.Now()) > 0) {
		c.mu.Unlock()
		return false, nil
	}
	sub, first, err := c.beginLocked(domain.ReasonTimeout)
	c.mu.Unlock()
	if err != nil || !first {
		return false, err
	}
	if retrying {
		c.log.WithField("reason", sub.payload.Reason).Info("retrying pending submission")
	} else {
		c.log.WithField("reason", domain.ReasonTimeout).Info("time budget exhausted, submitting")
	}
	c.finish(ctx, sub)
	_, err = c.wait(ctx, sub)
	return true, err
}

// Run ticks every interval until the attempt is submitted or ctx is done. A
// submission in flight when ctx ends still completes before Run returns.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Tick(ctx); err != nil {
				c.log.WithError(err).Warn("timeout submission failed")
			}
			if c.State() == Submitted {
				return
			}
		}
	}
}

// ReportProgress sends tab switches and answered count to monitors. It is
// best effort and never changes local state.
func (c *Controller) ReportProgress(ctx context.Context) error {
	c.mu.Lock()
	if c.state != InProgress {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("progress in state %s: %w", state, domain.ErrOutOfOrder)
	}
	progress := c.progressLocked()
	c.mu.Unlock()
	return c.report(ctx, progress)
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// TabSwitches returns the local integrity counter.
func (c *Controller) TabSwitches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tabSwitches
}

// Answers returns a copy of the buffered answers.
func (c *Controller) Answers() domain.Answers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answers.Clone()
}

// Attempt returns the latest server record known to the controller.
func (c *Controller) Attempt() domain.Attempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Result returns the settled submission outcome; ok is false until then.
func (c *Controller) Result() (a domain.Attempt, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Submitted || c.sub == nil {
		return domain.Attempt{}, false, nil
	}
	return c.sub.final, true, c.sub.err
}

// beginLocked is the single compare-and-set into the terminal path. first
// is true only for the caller that must send the request.
func (c *Controller) beginLocked(reason domain.SubmitReason) (*submission, bool, error) {
	switch c.state {
	case NotStarted:
		return nil, false, fmt.Errorf("submit before start: %w", domain.ErrOutOfOrder)
	case InProgress:
		c.sub = &submission{
			payload: domain.Submission{
				Answers:     c.answers.Clone(),
				TabSwitches: c.tabSwitches,
				Reason:      reason,
			},
			done: make(chan struct{}),
		}
		c.state = Submitting
		return c.sub, true, nil
	case Submitting:
		if c.sub.retry {
			c.sub = &submission{payload: c.sub.payload, done: make(chan struct{})}
			return c.sub, true, nil
		}
		return c.sub, false, nil
	default:
		return c.sub, false, nil
	}
}

func (c *Controller) finish(ctx context.Context, sub *submission) {
	ctx = context.WithoutCancel(ctx)
	tid := c.tournament.ID

	final, err := c.backend.SubmitAttempt(ctx, tid, c.studentID, sub.payload)
	if errors.Is(err, domain.ErrAlreadySubmitted) {
		if existing, gerr := c.backend.GetAttempt(ctx, tid, c.studentID); gerr == nil && existing.Submitted() {
			final, err = existing, nil
		}
	}

	log := c.log.WithFields(logrus.Fields{"tournament_id": tid, "reason": sub.payload.Reason})
	c.mu.Lock()
	kind := domain.Classify(err)
	switch {
	case err == nil:
		c.attempt = final
		sub.final = final
		c.state = Submitted
		c.metrics.Submission(string(sub.payload.Reason))
		log.WithField("submitted_at", final.SubmittedAt).Info("attempt submitted")
	case kind == domain.KindNetwork || kind == domain.KindUnknown:
		sub.err = err
		sub.retry = true
		log.WithError(err).Warn("submission failed, will retry on next submit")
	default:
		// Late or rejected submissions are terminal and reported to the caller.
		local := c.attempt
		local.Answers = sub.payload.Answers
		local.TabSwitches = sub.payload.TabSwitches
		sub.final = local
		sub.err = err
		c.state = Submitted
		log.WithError(err).WithField("code", domain.Code(err)).Warn("submission rejected")
	}
	terminal := c.state == Submitted
	c.mu.Unlock()
	close(sub.done)

	if terminal && c.onSettled != nil {
		c.onSettled(sub.final, sub.err)
	}
}

func (c *Controller) wait(ctx context.Context, sub *submission) (domain.Attempt, error) {
	select {
	case <-sub.done:
		return sub.final, sub.err
	default:
	}
	select {
	case <-sub.done:
		return sub.final, sub.err
	case <-ctx.Done():
		return domain.Attempt{}, ctx.Err()
	}
}

func (c *Controller) remainingLocked(now time.Time) time.Duration {
	if c.state == NotStarted {
		return c.tournament.Duration()
	}
	left := c.tournament.Duration() - now.Sub(c.attempt.StartedAt)
	if left < 0 {
		return 0
	}
	return left
}

func (c *Controller) progressLocked() domain.Progress {
	return domain.Progress{TabSwitches: c.tabSwitches, QuestionsAnswered: len(c.answers)}
}

func (c *Controller) report(ctx context.Context, p domain.Progress) error {
	reporter, ok := c.backend.(ProgressReporter)
	if !ok {
		return nil
	}
	if err := reporter.ReportProgress(ctx, c.tournament.ID, c.studentID, p); err != nil {
		c.log.WithError(err).Warn("progress report failed")
		return err
	}
	return nil
}

func settled(a domain.Attempt, err error) *submission {
	done := make(chan struct{})
	close(done)
	return &submission{final: a, err: err, done: done}
}
