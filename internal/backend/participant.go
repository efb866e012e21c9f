package backend

import (
	"context"

	"tournament-service/internal/domain"
)

type participantKey struct{}

// WithParticipant attaches the authenticated caller to ctx.
func WithParticipant(ctx context.Context, p domain.Participant) context.Context {
	return context.WithValue(ctx, participantKey{}, p)
}

// ParticipantFrom returns the caller attached by WithParticipant.
func ParticipantFrom(ctx context.Context) (domain.Participant, bool) {
	p, ok := ctx.Value(participantKey{}).(domain.Participant)
	return p, ok
}

// ContextEntitlements trusts the plan flag of the caller in ctx, as asserted
// by the fronting auth gateway.
type ContextEntitlements struct{}

func (ContextEntitlements) HasActivePlan(ctx context.Context, studentID string) (bool, error) {
	p, ok := ParticipantFrom(ctx)
	if !ok || p.StudentID != studentID {
		return false, nil
	}
	return p.HasActivePlan, nil
}
