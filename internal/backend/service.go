// Package backend is the authoritative implementation of the tournament API.
// It applies the same phase rules as the client core, but on the server clock,
// and relies on its Store for atomic capacity and single-attempt guarantees.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tournament-service/internal/clock"
	"tournament-service/internal/domain"
	"tournament-service/internal/leaderboard"
	"tournament-service/internal/logging"
	"tournament-service/internal/metrics"
	"tournament-service/internal/monitor"
	"tournament-service/internal/phase"
)

// Store persists tournaments, registrations and attempts.
type Store interface {
	ListTournaments(ctx context.Context) ([]domain.Tournament, error)
	GetTournament(ctx context.Context, id string) (domain.Tournament, error)
	CreateTournament(ctx context.Context, t domain.Tournament) error
	UpdateTournament(ctx context.Context, t domain.Tournament) error
	// UpdateStatus moves id from one status to another, failing with
	// ErrStatusRegression if the current status is no longer from.
	UpdateStatus(ctx context.Context, id string, from, to domain.DeclaredStatus) error

	// InsertRegistration enforces uniqueness and capacity atomically.
	InsertRegistration(ctx context.Context, reg domain.Registration) error
	GetRegistration(ctx context.Context, tournamentID, studentID string) (domain.Registration, error)
	ListRegistrations(ctx context.Context, tournamentID string) ([]domain.Registration, error)

	// InsertAttempt fails with ErrAlreadyAttempted for a second attempt.
	InsertAttempt(ctx context.Context, a domain.Attempt) error
	GetAttempt(ctx context.Context, tournamentID, studentID string) (domain.Attempt, error)
	ListAttempts(ctx context.Context, tournamentID string) ([]domain.Attempt, error)
	UpdateProgress(ctx context.Context, tournamentID, studentID string, p domain.Progress) error
	// FinalizeAttempt sets the submission fields once, failing with
	// ErrAlreadySubmitted if submitted_at is already set.
	FinalizeAttempt(ctx context.Context, a domain.Attempt) error
}

// TournamentCache fronts Store reads of tournaments.
type TournamentCache interface {
	GetTournament(ctx context.Context, id string) (domain.Tournament, error)
	Invalidate(ctx context.Context, id string)
}

// Publisher fans invalidation events out to subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// Entitlements answers whether a student holds an active paid plan.
type Entitlements interface {
	HasActivePlan(ctx context.Context, studentID string) (bool, error)
}

// AllEntitled treats every student as holding a plan.
type AllEntitled struct{}

func (AllEntitled) HasActivePlan(context.Context, string) (bool, error) { return true, nil }

type Config struct {
	Store        Store
	Cache        TournamentCache
	Publisher    Publisher
	Entitlements Entitlements
	Clock        clock.Clock
	Logger       logrus.FieldLogger
	Metrics      *metrics.Metrics
	// SubmitGrace extends each attempt's duration budget for submissions in
	// transit. Zero means DefaultSubmitGrace.
	SubmitGrace  time.Duration
}

const DefaultSubmitGrace = 30 * time.Second

// Service implements the tournament API on top of a Store.
type Service struct {
	store        Store
	cache        TournamentCache
	pub          Publisher
	entitlements Entitlements
	clock        clock.Clock
	log          logrus.FieldLogger
	metrics      *metrics.Metrics
	grace        time.Duration
}

func NewService(cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.Entitlements == nil {
		cfg.Entitlements = AllEntitled{}
	}
	if cfg.SubmitGrace <= 0 {
		cfg.SubmitGrace = DefaultSubmitGrace
	}
	return &Service{
		store:        cfg.Store,
		cache:        cfg.Cache,
		pub:          cfg.Publisher,
		entitlements: cfg.Entitlements,
		clock:        cfg.Clock,
		log:          logging.OrDiscard(cfg.Logger),
		metrics:      cfg.Metrics,
		grace:        cfg.SubmitGrace,
	}
}

// ListAvailable returns published tournaments that have not ended, ordered
// by exam start.
func (s *Service) ListAvailable(ctx context.Context, _ domain.Participant) ([]domain.Tournament, error) {
	all, err := s.store.ListTournaments(ctx)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	out := make([]domain.Tournament, 0, len(all))
	for _, t := range all {
		if t.Status == domain.StatusDraft {
			continue
		}
		switch phase.Resolve(t, now) {
		case domain.PhaseExamEnded, domain.PhaseResultsPublished:
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExamStart.Equal(out[j].ExamStart) {
			return out[i].ExamStart.Before(out[j].ExamStart)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// GetTournament returns the current tournament snapshot.
func (s *Service) GetTournament(ctx context.Context, id string) (domain.Tournament, error) {
	if s.cache != nil {
		return s.cache.GetTournament(ctx, id)
	}
	return s.store.GetTournament(ctx, id)
}

// Register creates the registration for studentID.
func (s *Service) Register(ctx context.Context, id, studentID string) (domain.Registration, error) {
	t, err := s.store.GetTournament(ctx, id)
	if err != nil {
		return domain.Registration{}, err
	}
	if ph := phase.Resolve(t, s.clock.Now()); !phase.AllowsRegistration(ph) {
		return domain.Registration{}, fmt.Errorf("register in phase %s: %w", ph, domain.ErrWindowClosed)
	}
	if _, err := s.store.GetRegistration(ctx, id, studentID); err == nil {
		return domain.Registration{}, domain.ErrAlreadyRegistered
	}
	if !t.IsFree {
		ok, err := s.entitlements.HasActivePlan(ctx, studentID)
		if err != nil {
			return domain.Registration{}, fmt.Errorf("entitlement check: %w", err)
		}
		if !ok {
			return domain.Registration{}, domain.ErrEntitlementRequired
		}
	}

	reg := domain.Registration{
		ID:           uuid.New().String(),
		StudentID:    studentID,
		TournamentID: id,
		RegisteredAt: s.clock.Now(),
	}
	if err := s.store.InsertRegistration(ctx, reg); err != nil {
		return domain.Registration{}, err
	}
	s.invalidate(ctx, domain.Event{Topic: domain.TopicTournamentStatusChanged, TournamentID: id, StudentID: studentID})
	return reg, nil
}

func (s *Service) GetRegistration(ctx context.Context, id, studentID string) (domain.Registration, error) {
	return s.store.GetRegistration(ctx, id, studentID)
}

// StartAttempt creates the single attempt for studentID, stamped with the
// server clock.
func (s *Service) StartAttempt(ctx context.Context, id, studentID string) (domain.Attempt, error) {
	t, err := s.store.GetTournament(ctx, id)
	if err != nil {
		return domain.Attempt{}, err
	}
	now := s.clock.Now()
	if ph := phase.Resolve(t, now); !phase.AllowsStart(ph) {
		return domain.Attempt{}, fmt.Errorf("start in phase %s: %w", ph, domain.ErrPhaseMismatch)
	}
	if _, err := s.store.GetRegistration(ctx, id, studentID); err != nil {
		return domain.Attempt{}, err
	}

	a := domain.Attempt{
		ID:           uuid.New().String(),
		StudentID:    studentID,
		TournamentID: id,
		StartedAt:    now,
	}
	if err := s.store.InsertAttempt(ctx, a); err != nil {
		return domain.Attempt{}, err
	}
	s.invalidate(ctx, domain.Event{Topic: domain.TopicAttemptProgressChanged, TournamentID: id, StudentID: studentID})
	return a, nil
}

func (s *Service) GetAttempt(ctx context.Context, id, studentID string) (domain.Attempt, error) {
	return s.store.GetAttempt(ctx, id, studentID)
}

// SubmitAttempt grades and finalizes the attempt. Submissions after exam end,
// or after the attempt's duration plus the submit grace, are rejected with
// ErrWindowClosed.
func (s *Service) SubmitAttempt(ctx context.Context, id, studentID string, sub domain.Submission) (domain.Attempt, error) {
	if !sub.Reason.Valid() {
		return domain.Attempt{}, fmt.Errorf("submit reason %q: %w", sub.Reason, domain.ErrOutOfOrder)
	}
	t, err := s.store.GetTournament(ctx, id)
	if err != nil {
		return domain.Attempt{}, err
	}
	a, err := s.store.GetAttempt(ctx, id, studentID)
	if err != nil {
		return domain.Attempt{}, err
	}
	if a.Submitted() {
		return domain.Attempt{}, domain.ErrAlreadySubmitted
	}
	now := s.clock.Now()
	if now.After(t.ExamEnd) {
		return domain.Attempt{}, fmt.Errorf("submit after exam end %s: %w", t.ExamEnd.Format(time.RFC3339), domain.ErrWindowClosed)
	}
	if deadline := a.StartedAt.Add(t.Duration() + s.grace); now.After(deadline) {
		return domain.Attempt{}, fmt.Errorf("submit after attempt deadline %s: %w", deadline.Format(time.RFC3339), domain.ErrWindowClosed)
	}
	score, correct, err := domain.Grade(t, sub.Answers)
	if err != nil {
		return domain.Attempt{}, err
	}

	a.SubmittedAt = &now
	a.Reason = sub.Reason
	a.Answers = sub.Answers.Clone()
	a.QuestionsAnswered = len(sub.Answers)
	if sub.TabSwitches > a.TabSwitches {
		a.TabSwitches = sub.TabSwitches
	}
	a.Score = &score
	a.Correct = correct
	if err := s.store.FinalizeAttempt(ctx, a); err != nil {
		return domain.Attempt{}, err
	}

	log := s.log.WithFields(logrus.Fields{"tournament_id": id, "student_id": studentID, "reason": sub.Reason})
	if sub.Reason == domain.ReasonIntegrityViolation {
		log.WithField("tab_switches", a.TabSwitches).Warn("attempt finalized by integrity violation")
	} else {
		log.Info("attempt finalized")
	}
	s.metrics.Submission(string(sub.Reason))
	s.invalidate(ctx, domain.Event{Topic: domain.TopicAttemptProgressChanged, TournamentID: id, StudentID: studentID})
	return a, nil
}

// ReportProgress records in-flight tab switches and answered count.
func (s *Service) ReportProgress(ctx context.Context, id, studentID string, p domain.Progress) error {
	a, err := s.store.GetAttempt(ctx, id, studentID)
	if err != nil {
		return err
	}
	if a.Submitted() {
		return domain.ErrAlreadySubmitted
	}
	if p.TabSwitches < a.TabSwitches {
		p.TabSwitches = a.TabSwitches
	}
	if err := s.store.UpdateProgress(ctx, id, studentID, p); err != nil {
		return err
	}
	s.invalidate(ctx, domain.Event{Topic: domain.TopicAttemptProgressChanged, TournamentID: id, StudentID: studentID})
	return nil
}

// GetLeaderboard ranks the finalized attempts.
func (s *Service) GetLeaderboard(ctx context.Context, id string) (domain.Leaderboard, error) {
	t, err := s.GetTournament(ctx, id)
	if err != nil {
		return domain.Leaderboard{}, err
	}
	attempts, err := s.store.ListAttempts(ctx, id)
	if err != nil {
		return domain.Leaderboard{}, err
	}
	return leaderboard.Build(t, attempts, s.clock.Now()), nil
}

// GetRoster returns the registrations and attempts behind the monitor.
func (s *Service) GetRoster(ctx context.Context, id string) (domain.Roster, error) {
	if _, err := s.GetTournament(ctx, id); err != nil {
		return domain.Roster{}, err
	}
	regs, err := s.store.ListRegistrations(ctx, id)
	if err != nil {
		return domain.Roster{}, err
	}
	attempts, err := s.store.ListAttempts(ctx, id)
	if err != nil {
		return domain.Roster{}, err
	}
	return domain.Roster{TournamentID: id, Registrations: regs, Attempts: attempts}, nil
}

// GetMonitor returns the instructor rollup.
func (s *Service) GetMonitor(ctx context.Context, id string) (domain.Monitor, error) {
	t, err := s.GetTournament(ctx, id)
	if err != nil {
		return domain.Monitor{}, err
	}
	roster, err := s.GetRoster(ctx, id)
	if err != nil {
		return domain.Monitor{}, err
	}
	return monitor.FromRoster(t, roster), nil
}

// CreateTournament stores a new DRAFT tournament after validating it.
func (s *Service) CreateTournament(ctx context.Context, t domain.Tournament) (domain.Tournament, error) {
	if t.Status == "" {
		t.Status = domain.StatusDraft
	}
	if t.Status != domain.StatusDraft {
		return domain.Tournament{}, fmt.Errorf("new tournament in status %s: %w", t.Status, domain.ErrInvalidTournament)
	}
	if t.TotalQuestions == 0 {
		t.TotalQuestions = len(t.Questions)
	}
	if err := domain.ValidateTournament(t); err != nil {
		return domain.Tournament{}, err
	}
	if !t.MarksConsistent() {
		s.log.WithFields(logrus.Fields{"tournament_id": t.ID, "total_marks": t.TotalMarks}).Warn("question marks do not sum to total marks")
	}
	t.RegisteredCount = 0
	if err := s.store.CreateTournament(ctx, t); err != nil {
		return domain.Tournament{}, err
	}
	return t, nil
}

// UpdateTournament edits a tournament that has not gone live.
func (s *Service) UpdateTournament(ctx context.Context, t domain.Tournament) (domain.Tournament, error) {
	cur, err := s.store.GetTournament(ctx, t.ID)
	if err != nil {
		return domain.Tournament{}, err
	}
	if !cur.Status.Before(domain.StatusLive) {
		return domain.Tournament{}, domain.ErrImmutable
	}
	t.Status = cur.Status
	if t.TotalQuestions == 0 {
		t.TotalQuestions = len(t.Questions)
	}
	if err := domain.ValidateTournament(t); err != nil {
		return domain.Tournament{}, err
	}
	if err := s.store.UpdateTournament(ctx, t); err != nil {
		return domain.Tournament{}, err
	}
	s.invalidate(ctx, domain.Event{Topic: domain.TopicTournamentStatusChanged, TournamentID: t.ID})
	return s.store.GetTournament(ctx, t.ID)
}

// Publish moves a DRAFT tournament to UPCOMING.
func (s *Service) Publish(ctx context.Context, id string) error {
	return s.SetStatus(ctx, id, domain.StatusUpcoming)
}

// PublishResults moves an ended tournament to RESULT_PUBLISHED.
func (s *Service) PublishResults(ctx context.Context, id string) error {
	return s.SetStatus(ctx, id, domain.StatusResultPublished)
}

// SetStatus applies a forward-only status transition.
func (s *Service) SetStatus(ctx context.Context, id string, to domain.DeclaredStatus) error {
	if !to.Valid() {
		return fmt.Errorf("status %q: %w", to, domain.ErrInvalidTournament)
	}
	t, err := s.store.GetTournament(ctx, id)
	if err != nil {
		return err
	}
	if !t.Status.Before(to) {
		return fmt.Errorf("%s -> %s: %w", t.Status, to, domain.ErrStatusRegression)
	}
	if to == domain.StatusResultPublished {
		if ph := phase.Resolve(t, s.clock.Now()); ph != domain.PhaseExamEnded {
			return fmt.Errorf("publish results in phase %s: %w", ph, domain.ErrPhaseMismatch)
		}
	}
	if err := s.store.UpdateStatus(ctx, id, t.Status, to); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"tournament_id": id, "from": t.Status, "to": to}).Info("tournament status changed")
	s.invalidate(ctx, domain.Event{Topic: domain.TopicTournamentStatusChanged, TournamentID: id})
	return nil
}

// AdvanceStatuses is the scheduled status job: UPCOMING becomes LIVE at exam
// start and UPCOMING or LIVE becomes COMPLETED at exam end. It returns the
// number of tournaments moved.
func (s *Service) AdvanceStatuses(ctx context.Context) (int, error) {
	all, err := s.store.ListTournaments(ctx)
	if err != nil {
		return 0, err
	}
	now := s.clock.Now()
	moved := 0
	for _, t := range all {
		var to domain.DeclaredStatus
		switch {
		case (t.Status == domain.StatusUpcoming || t.Status == domain.StatusLive) && !now.Before(t.ExamEnd):
			to = domain.StatusCompleted
		case t.Status == domain.StatusUpcoming && !now.Before(t.ExamStart):
			to = domain.StatusLive
		default:
			continue
		}
		err := s.store.UpdateStatus(ctx, t.ID, t.Status, to)
		if errors.Is(err, domain.ErrStatusRegression) {
			// Another instance moved it first.
			continue
		}
		if err != nil {
			return moved, err
		}
		moved++
		s.log.WithFields(logrus.Fields{"tournament_id": t.ID, "from": t.Status, "to": to}).Info("scheduled status transition")
		s.invalidate(ctx, domain.Event{Topic: domain.TopicTournamentStatusChanged, TournamentID: t.ID})
	}
	return moved, nil
}

// RunScheduler calls AdvanceStatuses every interval until ctx is done.
func (s *Service) RunScheduler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.AdvanceStatuses(ctx); err != nil {
				s.log.WithError(err).Warn("status job failed")
			}
		}
	}
}

func (s *Service) invalidate(ctx context.Context, ev domain.Event) {
	if s.cache != nil && ev.Topic == domain.TopicTournamentStatusChanged {
		s.cache.Invalidate(ctx, ev.TournamentID)
	}
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, ev); err != nil {
		s.log.WithError(err).WithField("topic", ev.Topic).Warn("publish invalidation failed")
	}
}
