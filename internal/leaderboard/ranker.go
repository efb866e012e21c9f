// Package leaderboard ranks finalized attempts.
//
// Ranks are 1-based and contiguous. Entries never share a rank: when score,
// accuracy and time taken are all equal the lower student id ranks first.
package leaderboard

import (
	"sort"
	"time"

	"tournament-service/internal/domain"
	"tournament-service/internal/phase"
)

type scored struct {
	entry     domain.LeaderboardEntry
	correct   int
	attemptID string
}

// Rank orders the submitted attempts of t by score desc, accuracy desc,
// time taken asc, student id asc. In-progress attempts are ignored.
func Rank(t domain.Tournament, attempts []domain.Attempt) []domain.LeaderboardEntry {
	total := t.QuestionCount()
	rows := make([]scored, 0, len(attempts))
	for _, a := range attempts {
		if !a.Submitted() {
			continue
		}
		score, correct := scoreOf(t, a)
		accuracy := 0.0
		if total > 0 {
			accuracy = float64(correct) / float64(total)
		}
		rows = append(rows, scored{
			entry: domain.LeaderboardEntry{
				StudentID: a.StudentID,
				Score:     score,
				Accuracy:  accuracy,
				TimeTaken: a.TimeTaken(),
			},
			correct:   correct,
			attemptID: a.ID,
		})
	}

	// Accuracy shares one denominator per tournament, so correct counts
	// compare exactly where the float ratio might not.
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.entry.Score != b.entry.Score {
			return a.entry.Score > b.entry.Score
		}
		if a.correct != b.correct {
			return a.correct > b.correct
		}
		if a.entry.TimeTaken != b.entry.TimeTaken {
			return a.entry.TimeTaken < b.entry.TimeTaken
		}
		if a.entry.StudentID != b.entry.StudentID {
			return a.entry.StudentID < b.entry.StudentID
		}
		return a.attemptID < b.attemptID
	})

	entries := make([]domain.LeaderboardEntry, len(rows))
	for i, row := range rows {
		row.entry.Rank = i + 1
		entries[i] = row.entry
	}
	return entries
}

// Build wraps Rank in a leaderboard envelope; Published is set only once the
// tournament's results are out.
func Build(t domain.Tournament, attempts []domain.Attempt, now time.Time) domain.Leaderboard {
	return domain.Leaderboard{
		TournamentID: t.ID,
		Entries:      Rank(t, attempts),
		Published:    phase.Resolve(t, now) == domain.PhaseResultsPublished,
		UpdatedAt:    now,
	}
}

// scoreOf prefers the server-assigned score and grades locally otherwise.
func scoreOf(t domain.Tournament, a domain.Attempt) (int, int) {
	if a.Score != nil {
		return *a.Score, a.Correct
	}
	score, correct, err := domain.Grade(t, a.Answers)
	if err != nil {
		return 0, 0
	}
	return score, correct
}
