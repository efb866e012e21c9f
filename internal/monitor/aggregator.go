// Package monitor projects registrations and attempts into the instructor
// live monitor.
package monitor

import (
	"sort"

	"tournament-service/internal/domain"
)

// Aggregate computes the monitor view of t. Rows cover every registered
// student plus any attempt without a matching registration, ordered by
// student id.
func Aggregate(t domain.Tournament, registrations []domain.Registration, attempts []domain.Attempt) domain.Monitor {
	rows := make(map[string]*domain.MonitorRow, len(registrations))
	registered := 0
	for _, r := range registrations {
		if r.TournamentID != "" && r.TournamentID != t.ID {
			continue
		}
		if _, ok := rows[r.StudentID]; ok {
			continue
		}
		registered++
		rows[r.StudentID] = &domain.MonitorRow{StudentID: r.StudentID}
	}

	stats := domain.MonitorStats{TotalRegistered: registered}
	for _, a := range attempts {
		if a.TournamentID != "" && a.TournamentID != t.ID {
			continue
		}
		row, ok := rows[a.StudentID]
		if !ok {
			row = &domain.MonitorRow{StudentID: a.StudentID}
			rows[a.StudentID] = row
		}
		if row.StartedAt != nil {
			continue
		}
		started := a.StartedAt
		row.StartedAt = &started
		row.TabSwitches = a.TabSwitches
		row.QuestionsAnswered = a.QuestionsAnswered
		if a.QuestionsAnswered == 0 && len(a.Answers) > 0 {
			row.QuestionsAnswered = len(a.Answers)
		}
		stats.TotalStarted++
		if a.Submitted() {
			submitted := *a.SubmittedAt
			row.SubmittedAt = &submitted
			stats.TotalSubmitted++
			if a.Score != nil {
				score := *a.Score
				row.Score = &score
			}
		}
	}

	out := make([]domain.MonitorRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })

	return domain.Monitor{
		TournamentID: t.ID,
		Stats:        stats,
		Rows:         out,
	}
}

// FromRoster is Aggregate over a roster snapshot.
func FromRoster(t domain.Tournament, r domain.Roster) domain.Monitor {
	return Aggregate(t, r.Registrations, r.Attempts)
}
