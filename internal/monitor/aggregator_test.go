package monitor

import (
	"testing"
	"time"

	"tournament-service/internal/domain"
)

func TestAggregateCountsAndRows(t *testing.T) {
	started := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	submitted := started.Add(20 * time.Minute)
	score := 42
	tour := domain.Tournament{ID: "t-1"}

	m := Aggregate(tour,
		[]domain.Registration{
			{StudentID: "s3", TournamentID: "t-1"},
			{StudentID: "s1", TournamentID: "t-1"},
			{StudentID: "s2", TournamentID: "t-1"},
			{StudentID: "s2", TournamentID: "t-1"},
			{StudentID: "x", TournamentID: "other"},
		},
		[]domain.Attempt{
			{StudentID: "s1", TournamentID: "t-1", StartedAt: started, TabSwitches: 2, QuestionsAnswered: 5},
			{StudentID: "s2", TournamentID: "t-1", StartedAt: started, SubmittedAt: &submitted, Score: &score, Answers: domain.Answers{0: 1, 1: 1}},
		},
	)

	want := domain.MonitorStats{TotalRegistered: 3, TotalStarted: 2, TotalSubmitted: 1}
	if m.Stats != want {
		t.Fatalf("expected stats %+v, got %+v", want, m.Stats)
	}
	if len(m.Rows) != 3 || m.Rows[0].StudentID != "s1" || m.Rows[2].StudentID != "s3" {
		t.Fatalf("unexpected rows %+v", m.Rows)
	}
	s1, s2, s3 := m.Rows[0], m.Rows[1], m.Rows[2]
	if s1.StartedAt == nil || s1.SubmittedAt != nil || s1.TabSwitches != 2 || s1.QuestionsAnswered != 5 {
		t.Fatalf("unexpected in-progress row %+v", s1)
	}
	if s2.SubmittedAt == nil || s2.Score == nil || *s2.Score != 42 || s2.QuestionsAnswered != 2 {
		t.Fatalf("unexpected submitted row %+v", s2)
	}
	if s3.StartedAt != nil || s3.Score != nil {
		t.Fatalf("expected idle row, got %+v", s3)
	}
}

func TestFromRosterMatchesAggregate(t *testing.T) {
	tour := domain.Tournament{ID: "t-1"}
	roster := domain.Roster{
		TournamentID:  "t-1",
		Registrations: []domain.Registration{{StudentID: "s1", TournamentID: "t-1"}},
	}
	m := FromRoster(tour, roster)
	if m.Stats.TotalRegistered != 1 || m.Stats.TotalStarted != 0 || len(m.Rows) != 1 {
		t.Fatalf("unexpected monitor %+v", m)
	}
}
