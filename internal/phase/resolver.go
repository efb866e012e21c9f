// Package phase derives the effective stage of a tournament from its declared
// status and the current instant.
package phase

import (
	"time"

	"tournament-service/internal/domain"
)

// Resolve returns the effective phase of t at now. It is pure and total;
// the first matching rule wins.
func Resolve(t domain.Tournament, now time.Time) domain.Phase {
	switch {
	case t.Status == domain.StatusResultPublished:
		return domain.PhaseResultsPublished
	case t.Status == domain.StatusCompleted:
		return domain.PhaseExamEnded
	case !now.Before(t.ExamEnd):
		// A stale LIVE or UPCOMING status: the backend transition job has not run.
		return domain.PhaseExamEnded
	case t.Status == domain.StatusLive,
		t.Status == domain.StatusUpcoming && !now.Before(t.ExamStart):
		// UPCOMING is treated as live once the exam window opens. DRAFT never is.
		return domain.PhaseExamLive
	case now.Before(t.RegistrationStart), t.Status == domain.StatusDraft:
		return domain.PhaseNotOpen
	case now.Before(t.RegistrationEnd):
		return domain.PhaseRegistrationOpen
	default:
		return domain.PhaseRegistrationClosedAwaitingExam
	}
}

var order = map[domain.Phase]int{
	domain.PhaseNotOpen:                        0,
	domain.PhaseRegistrationOpen:               1,
	domain.PhaseRegistrationClosedAwaitingExam: 2,
	domain.PhaseExamLive:                       3,
	domain.PhaseExamEnded:                      4,
	domain.PhaseResultsPublished:               5,
}

// Ordinal positions p in the lifecycle; unknown phases return -1.
func Ordinal(p domain.Phase) int {
	if n, ok := order[p]; ok {
		return n
	}
	return -1
}

// AllowsRegistration reports whether a registration may be created in p.
func AllowsRegistration(p domain.Phase) bool { return p == domain.PhaseRegistrationOpen }

// AllowsStart reports whether an attempt may start in p.
func AllowsStart(p domain.Phase) bool { return p == domain.PhaseExamLive }
