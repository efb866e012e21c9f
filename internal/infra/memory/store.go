package memory

import (
	"context"
	"sort"
	"sync"

	"tournament-service/internal/domain"
)

// Store is an in-memory backend store. A single mutex makes the capacity check
// and insert one atomic step.
type Store struct {
	mu            sync.RWMutex
	tournaments   map[string]domain.Tournament
	registrations map[string]map[string]domain.Registration
	attempts      map[string]map[string]domain.Attempt
}

func NewStore() *Store {
	return &Store{
		tournaments:   make(map[string]domain.Tournament),
		registrations: make(map[string]map[string]domain.Registration),
		attempts:      make(map[string]map[string]domain.Attempt),
	}
}

// Seed inserts or replaces tournaments as-is, bypassing validation.
func (s *Store) Seed(tournaments ...domain.Tournament) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tournaments {
		s.tournaments[t.ID] = copyTournament(t)
	}
}

func (s *Store) ListTournaments(_ context.Context) ([]domain.Tournament, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Tournament, 0, len(s.tournaments))
	for id := range s.tournaments {
		out = append(out, s.tournamentLocked(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetTournament(_ context.Context, id string) (domain.Tournament, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tournaments[id]; !ok {
		return domain.Tournament{}, domain.ErrTournamentNotFound
	}
	return s.tournamentLocked(id), nil
}

func (s *Store) CreateTournament(_ context.Context, t domain.Tournament) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tournaments[t.ID]; ok {
		return domain.ErrInvalidTournament
	}
	s.tournaments[t.ID] = copyTournament(t)
	return nil
}

func (s *Store) UpdateTournament(_ context.Context, t domain.Tournament) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tournaments[t.ID]
	if !ok {
		return domain.ErrTournamentNotFound
	}
	if cur.Status != t.Status {
		return domain.ErrStatusRegression
	}
	s.tournaments[t.ID] = copyTournament(t)
	return nil
}

func (s *Store) UpdateStatus(_ context.Context, id string, from, to domain.DeclaredStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tournaments[id]
	if !ok {
		return domain.ErrTournamentNotFound
	}
	if t.Status != from {
		return domain.ErrStatusRegression
	}
	t.Status = to
	s.tournaments[id] = t
	return nil
}

func (s *Store) InsertRegistration(_ context.Context, reg domain.Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tournaments[reg.TournamentID]
	if !ok {
		return domain.ErrTournamentNotFound
	}
	regs := s.registrations[reg.TournamentID]
	if _, dup := regs[reg.StudentID]; dup {
		return domain.ErrAlreadyRegistered
	}
	if t.MaxParticipants != nil && len(regs) >= *t.MaxParticipants {
		return domain.ErrCapacityFull
	}
	if regs == nil {
		regs = make(map[string]domain.Registration)
		s.registrations[reg.TournamentID] = regs
	}
	regs[reg.StudentID] = reg
	return nil
}

func (s *Store) GetRegistration(_ context.Context, tournamentID, studentID string) (domain.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.registrations[tournamentID][studentID]
	if !ok {
		return domain.Registration{}, domain.ErrNotRegistered
	}
	return reg, nil
}

func (s *Store) ListRegistrations(_ context.Context, tournamentID string) ([]domain.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Registration, 0, len(s.registrations[tournamentID]))
	for _, reg := range s.registrations[tournamentID] {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].RegisteredAt.Before(out[j].RegisteredAt)
		}
		return out[i].StudentID < out[j].StudentID
	})
	return out, nil
}

func (s *Store) InsertAttempt(_ context.Context, a domain.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tournaments[a.TournamentID]; !ok {
		return domain.ErrTournamentNotFound
	}
	attempts := s.attempts[a.TournamentID]
	if _, dup := attempts[a.StudentID]; dup {
		return domain.ErrAlreadyAttempted
	}
	if attempts == nil {
		attempts = make(map[string]domain.Attempt)
		s.attempts[a.TournamentID] = attempts
	}
	attempts[a.StudentID] = copyAttempt(a)
	return nil
}

func (s *Store) GetAttempt(_ context.Context, tournamentID, studentID string) (domain.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attempts[tournamentID][studentID]
	if !ok {
		return domain.Attempt{}, domain.ErrAttemptNotFound
	}
	return copyAttempt(a), nil
}

func (s *Store) ListAttempts(_ context.Context, tournamentID string) ([]domain.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Attempt, 0, len(s.attempts[tournamentID]))
	for _, a := range s.attempts[tournamentID] {
		out = append(out, copyAttempt(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out, nil
}

func (s *Store) UpdateProgress(_ context.Context, tournamentID, studentID string, p domain.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[tournamentID][studentID]
	if !ok {
		return domain.ErrAttemptNotFound
	}
	if a.Submitted() {
		return domain.ErrAlreadySubmitted
	}
	if p.TabSwitches > a.TabSwitches {
		a.TabSwitches = p.TabSwitches
	}
	a.QuestionsAnswered = p.QuestionsAnswered
	s.attempts[tournamentID][studentID] = a
	return nil
}

func (s *Store) FinalizeAttempt(_ context.Context, a domain.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.attempts[a.TournamentID][a.StudentID]
	if !ok {
		return domain.ErrAttemptNotFound
	}
	if cur.Submitted() {
		return domain.ErrAlreadySubmitted
	}
	a.ID = cur.ID
	a.StartedAt = cur.StartedAt
	s.attempts[a.TournamentID][a.StudentID] = copyAttempt(a)
	return nil
}

func (s *Store) tournamentLocked(id string) domain.Tournament {
	t := copyTournament(s.tournaments[id])
	t.RegisteredCount = len(s.registrations[id])
	return t
}

func copyTournament(t domain.Tournament) domain.Tournament {
	if t.MaxParticipants != nil {
		limit := *t.MaxParticipants
		t.MaxParticipants = &limit
	}
	if t.Questions != nil {
		qs := make([]domain.Question, len(t.Questions))
		for i, q := range t.Questions {
			q.Options = append([]string(nil), q.Options...)
			qs[i] = q
		}
		t.Questions = qs
	}
	return t
}

func copyAttempt(a domain.Attempt) domain.Attempt {
	if a.SubmittedAt != nil {
		at := *a.SubmittedAt
		a.SubmittedAt = &at
	}
	if a.Score != nil {
		score := *a.Score
		a.Score = &score
	}
	if a.Answers != nil {
		a.Answers = a.Answers.Clone()
	}
	return a
}
