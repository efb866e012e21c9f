// Package registration decides whether a participant may register for a
// tournament and performs the registration.
package registration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"tournament-service/internal/clock"
	"tournament-service/internal/domain"
	"tournament-service/internal/logging"
	"tournament-service/internal/metrics"
	"tournament-service/internal/phase"
)

// Backend is the subset of the tournament API the gate needs.
type Backend interface {
	Register(ctx context.Context, tournamentID, studentID string) (domain.Registration, error)
	GetRegistration(ctx context.Context, tournamentID, studentID string) (domain.Registration, error)
}

// Refresher asks for a fresh tournament snapshot. Counts are never adjusted
// locally.
type Refresher interface {
	Trigger(id string)
}

type Config struct {
	Backend   Backend
	Clock     clock.Clock
	Refresher Refresher
	Logger    logrus.FieldLogger
	Metrics   *metrics.Metrics
}

// Gate guards registration.
type Gate struct {
	backend Backend
	clock   clock.Clock
	refresh Refresher
	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

func NewGate(cfg Config) *Gate {
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	return &Gate{
		backend: cfg.Backend,
		clock:   cfg.Clock,
		refresh: cfg.Refresher,
		log:     logging.OrDiscard(cfg.Logger),
		metrics: cfg.Metrics,
	}
}

// Check evaluates the phase and entitlement preconditions against the
// snapshot t without calling the backend.
func Check(t domain.Tournament, p domain.Participant, now time.Time) error {
	if ph := phase.Resolve(t, now); !phase.AllowsRegistration(ph) {
		return fmt.Errorf("registration in phase %s: %w", ph, domain.ErrWindowClosed)
	}
	if !t.IsFree && !p.HasActivePlan {
		return domain.ErrEntitlementRequired
	}
	return nil
}

// IsRegistered reports whether p holds a registration for t.
func (g *Gate) IsRegistered(ctx context.Context, tournamentID string, p domain.Participant) (bool, error) {
	_, err := g.backend.GetRegistration(ctx, tournamentID, p.StudentID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, domain.ErrNotRegistered):
		return false, nil
	default:
		return false, err
	}
}

// Register registers p for t. A duplicate registration for the same
// participant resolves to the existing record rather than an error.
func (g *Gate) Register(ctx context.Context, t domain.Tournament, p domain.Participant) (domain.Registration, error) {
	log := g.log.WithFields(logrus.Fields{"tournament_id": t.ID, "student_id": p.StudentID})

	if err := Check(t, p, g.clock.Now()); err != nil {
		// A participant already on the roster keeps their registration
		// after the window closes.
		if existing, ok := g.existing(ctx, t.ID, p.StudentID); ok {
			return existing, nil
		}
		g.reject(log, err)
		return domain.Registration{}, err
	}
	if !t.HasCapacity() {
		// The snapshot says full; an existing registration still counts as success.
		if existing, ok := g.existing(ctx, t.ID, p.StudentID); ok {
			return existing, nil
		}
		g.reject(log, domain.ErrCapacityFull)
		return domain.Registration{}, domain.ErrCapacityFull
	}

	reg, err := g.backend.Register(ctx, t.ID, p.StudentID)
	if errors.Is(err, domain.ErrAlreadyRegistered) {
		if existing, ok := g.existing(ctx, t.ID, p.StudentID); ok {
			log.Info("registration already present")
			g.metrics.Registration("existing")
			return existing, nil
		}
	}
	if err != nil {
		g.reject(log, err)
		if domain.Classify(err) == domain.KindCapacity {
			g.trigger(t.ID)
		}
		return domain.Registration{}, err
	}

	log.Info("registered")
	g.metrics.Registration("ok")
	g.trigger(t.ID)
	return reg, nil
}

func (g *Gate) existing(ctx context.Context, tournamentID, studentID string) (domain.Registration, bool) {
	reg, err := g.backend.GetRegistration(ctx, tournamentID, studentID)
	if err != nil || reg.StudentID != studentID || reg.TournamentID != tournamentID {
		return domain.Registration{}, false
	}
	return reg, true
}

func (g *Gate) reject(log logrus.FieldLogger, err error) {
	kind := domain.Classify(err)
	g.metrics.Registration(kind.String())
	if kind == domain.KindNetwork || kind == domain.KindUnknown {
		log.WithError(err).Warn("registration failed")
		return
	}
	log.WithField("code", domain.Code(err)).Info("registration rejected")
}

func (g *Gate) trigger(id string) {
	if g.refresh != nil {
		g.refresh.Trigger(id)
	}
}
