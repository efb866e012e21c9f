package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"tournament-service/internal/domain"
)

const uniqueViolation = "23505"

const tournamentColumns = `t.id, t.title, t.created_by, t.registration_start, t.registration_end,
	t.exam_start, t.exam_end, t.duration_minutes, t.total_questions, t.total_marks, t.status,
	t.max_participants, t.tab_switch_limit, t.is_free, t.questions,
	(SELECT count(*) FROM registrations r WHERE r.tournament_id = t.id)`

const attemptColumns = `id, tournament_id, student_id, started_at, submitted_at, reason,
	tab_switches, questions_answered, answers, score, correct`

// Store persists tournaments, registrations and attempts in Postgres.
// Capacity is enforced under the tournament row lock; single registration and
// single attempt rely on unique constraints.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) ListTournaments(ctx context.Context) ([]domain.Tournament, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tournamentColumns+` FROM tournaments t ORDER BY t.exam_start, t.id`)
	if err != nil {
		return nil, fmt.Errorf("list tournaments: %w", err)
	}
	defer rows.Close()

	var out []domain.Tournament
	for rows.Next() {
		t, err := scanTournament(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) GetTournament(ctx context.Context, id string) (domain.Tournament, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tournamentColumns+` FROM tournaments t WHERE t.id = $1`, id)
	t, err := scanTournament(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Tournament{}, domain.ErrTournamentNotFound
	}
	return t, err
}

func (s *Store) CreateTournament(ctx context.Context, t domain.Tournament) error {
	questions, err := json.Marshal(t.Questions)
	if err != nil {
		return fmt.Errorf("encode questions: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tournaments (id, title, created_by, registration_start, registration_end,
			exam_start, exam_end, duration_minutes, total_questions, total_marks, status,
			max_participants, tab_switch_limit, is_free, questions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		t.ID, t.Title, t.CreatedBy, t.RegistrationStart, t.RegistrationEnd,
		t.ExamStart, t.ExamEnd, t.DurationMinutes, t.TotalQuestions, t.TotalMarks, string(t.Status),
		t.MaxParticipants, t.TabSwitchLimit, t.IsFree, questions)
	if isUniqueViolation(err) {
		return fmt.Errorf("tournament %s exists: %w", t.ID, domain.ErrInvalidTournament)
	}
	if err != nil {
		return fmt.Errorf("create tournament: %w", err)
	}
	return nil
}

func (s *Store) UpdateTournament(ctx context.Context, t domain.Tournament) error {
	questions, err := json.Marshal(t.Questions)
	if err != nil {
		return fmt.Errorf("encode questions: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tournaments SET title = $2, registration_start = $3, registration_end = $4,
			exam_start = $5, exam_end = $6, duration_minutes = $7, total_questions = $8,
			total_marks = $9, max_participants = $10, tab_switch_limit = $11, is_free = $12,
			questions = $13
		WHERE id = $1 AND status = $14`,
		t.ID, t.Title, t.RegistrationStart, t.RegistrationEnd, t.ExamStart, t.ExamEnd,
		t.DurationMinutes, t.TotalQuestions, t.TotalMarks, t.MaxParticipants, t.TabSwitchLimit,
		t.IsFree, questions, string(t.Status))
	if err != nil {
		return fmt.Errorf("update tournament: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOr(ctx, t.ID, domain.ErrStatusRegression)
	}
	return nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, from, to domain.DeclaredStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE tournaments SET status = $3 WHERE id = $1 AND status = $2`,
		id, string(from), string(to))
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missingOr(ctx, id, domain.ErrStatusRegression)
	}
	return nil
}

func (s *Store) InsertRegistration(ctx context.Context, reg domain.Registration) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var limit *int
	err = tx.QueryRow(ctx, `SELECT max_participants FROM tournaments WHERE id = $1 FOR UPDATE`, reg.TournamentID).Scan(&limit)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrTournamentNotFound
	}
	if err != nil {
		return fmt.Errorf("lock tournament: %w", err)
	}
	if limit != nil {
		var count int
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM registrations WHERE tournament_id = $1`, reg.TournamentID).Scan(&count); err != nil {
			return fmt.Errorf("count registrations: %w", err)
		}
		if count >= *limit {
			return domain.ErrCapacityFull
		}
	}

	_, err = tx.Exec(ctx, `INSERT INTO registrations (id, tournament_id, student_id, registered_at) VALUES ($1, $2, $3, $4)`,
		reg.ID, reg.TournamentID, reg.StudentID, reg.RegisteredAt)
	if isUniqueViolation(err) {
		return domain.ErrAlreadyRegistered
	}
	if err != nil {
		return fmt.Errorf("insert registration: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) GetRegistration(ctx context.Context, tournamentID, studentID string) (domain.Registration, error) {
	var reg domain.Registration
	err := s.pool.QueryRow(ctx, `
		SELECT id, tournament_id, student_id, registered_at FROM registrations
		WHERE tournament_id = $1 AND student_id = $2`, tournamentID, studentID).
		Scan(&reg.ID, &reg.TournamentID, &reg.StudentID, &reg.RegisteredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Registration{}, domain.ErrNotRegistered
	}
	if err != nil {
		return domain.Registration{}, fmt.Errorf("get registration: %w", err)
	}
	return reg, nil
}

func (s *Store) ListRegistrations(ctx context.Context, tournamentID string) ([]domain.Registration, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tournament_id, student_id, registered_at FROM registrations
		WHERE tournament_id = $1 ORDER BY registered_at, student_id`, tournamentID)
	if err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}
	defer rows.Close()

	var out []domain.Registration
	for rows.Next() {
		var reg domain.Registration
		if err := rows.Scan(&reg.ID, &reg.TournamentID, &reg.StudentID, &reg.RegisteredAt); err != nil {
			return nil, fmt.Errorf("scan registration: %w", err)
		}
		out = append(out, reg)
	}
	return out, rows.Err()
}

func (s *Store) InsertAttempt(ctx context.Context, a domain.Attempt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO attempts (id, tournament_id, student_id, started_at, tab_switches, questions_answered)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.TournamentID, a.StudentID, a.StartedAt, a.TabSwitches, a.QuestionsAnswered)
	if isUniqueViolation(err) {
		return domain.ErrAlreadyAttempted
	}
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func (s *Store) GetAttempt(ctx context.Context, tournamentID, studentID string) (domain.Attempt, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE tournament_id = $1 AND student_id = $2`,
		tournamentID, studentID)
	a, err := scanAttempt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Attempt{}, domain.ErrAttemptNotFound
	}
	return a, err
}

func (s *Store) ListAttempts(ctx context.Context, tournamentID string) ([]domain.Attempt, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE tournament_id = $1 ORDER BY student_id`, tournamentID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []domain.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) UpdateProgress(ctx context.Context, tournamentID, studentID string, p domain.Progress) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE attempts SET tab_switches = GREATEST(tab_switches, $3), questions_answered = $4
		WHERE tournament_id = $1 AND student_id = $2 AND submitted_at IS NULL`,
		tournamentID, studentID, p.TabSwitches, p.QuestionsAnswered)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.attemptMissingOrSubmitted(ctx, tournamentID, studentID)
	}
	return nil
}

func (s *Store) FinalizeAttempt(ctx context.Context, a domain.Attempt) error {
	answers, err := json.Marshal(a.Answers)
	if err != nil {
		return fmt.Errorf("encode answers: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE attempts SET submitted_at = $3, reason = $4, tab_switches = GREATEST(tab_switches, $5),
			questions_answered = $6, answers = $7, score = $8, correct = $9
		WHERE tournament_id = $1 AND student_id = $2 AND submitted_at IS NULL`,
		a.TournamentID, a.StudentID, a.SubmittedAt, string(a.Reason), a.TabSwitches,
		a.QuestionsAnswered, answers, a.Score, a.Correct)
	if err != nil {
		return fmt.Errorf("finalize attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.attemptMissingOrSubmitted(ctx, a.TournamentID, a.StudentID)
	}
	return nil
}

func (s *Store) missingOr(ctx context.Context, id string, conflict error) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tournaments WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check tournament: %w", err)
	}
	if !exists {
		return domain.ErrTournamentNotFound
	}
	return conflict
}

func (s *Store) attemptMissingOrSubmitted(ctx context.Context, tournamentID, studentID string) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM attempts WHERE tournament_id = $1 AND student_id = $2)`,
		tournamentID, studentID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check attempt: %w", err)
	}
	if !exists {
		return domain.ErrAttemptNotFound
	}
	return domain.ErrAlreadySubmitted
}

func scanTournament(row rowScanner) (domain.Tournament, error) {
	var (
		t         domain.Tournament
		status    string
		questions []byte
	)
	err := row.Scan(&t.ID, &t.Title, &t.CreatedBy, &t.RegistrationStart, &t.RegistrationEnd,
		&t.ExamStart, &t.ExamEnd, &t.DurationMinutes, &t.TotalQuestions, &t.TotalMarks, &status,
		&t.MaxParticipants, &t.TabSwitchLimit, &t.IsFree, &questions, &t.RegisteredCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Tournament{}, err
		}
		return domain.Tournament{}, fmt.Errorf("scan tournament: %w", err)
	}
	t.Status = domain.DeclaredStatus(status)
	if len(questions) > 0 {
		if err := json.Unmarshal(questions, &t.Questions); err != nil {
			return domain.Tournament{}, fmt.Errorf("unmarshal questions: %w", err)
		}
	}
	return t, nil
}

func scanAttempt(row rowScanner) (domain.Attempt, error) {
	var (
		a       domain.Attempt
		reason  *string
		answers []byte
	)
	err := row.Scan(&a.ID, &a.TournamentID, &a.StudentID, &a.StartedAt, &a.SubmittedAt, &reason,
		&a.TabSwitches, &a.QuestionsAnswered, &answers, &a.Score, &a.Correct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Attempt{}, err
		}
		return domain.Attempt{}, fmt.Errorf("scan attempt: %w", err)
	}
	if reason != nil {
		a.Reason = domain.SubmitReason(*reason)
	}
	if len(answers) > 0 {
		if err := json.Unmarshal(answers, &a.Answers); err != nil {
			return domain.Attempt{}, fmt.Errorf("unmarshal answers: %w", err)
		}
	}
	return a, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
