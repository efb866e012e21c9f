package domain

import "time"

// DeclaredStatus is the server-owned tournament status. It only moves forward
// and may lag real time.
type DeclaredStatus string

const (
	StatusDraft           DeclaredStatus = "DRAFT"
	StatusUpcoming        DeclaredStatus = "UPCOMING"
	StatusLive            DeclaredStatus = "LIVE"
	StatusCompleted       DeclaredStatus = "COMPLETED"
	StatusResultPublished DeclaredStatus = "RESULT_PUBLISHED"
)

var statusOrder = map[DeclaredStatus]int{
	StatusDraft:           0,
	StatusUpcoming:        1,
	StatusLive:            2,
	StatusCompleted:       3,
	StatusResultPublished: 4,
}

// Valid reports whether s is a known status.
func (s DeclaredStatus) Valid() bool {
	_, ok := statusOrder[s]
	return ok
}

// Before reports whether s precedes other in the lifecycle.
func (s DeclaredStatus) Before(other DeclaredStatus) bool {
	return statusOrder[s] < statusOrder[other]
}

// Phase is the effective stage of a tournament derived from its declared
// status and the current instant.
type Phase string

const (
	PhaseNotOpen                        Phase = "NOT_OPEN"
	PhaseRegistrationOpen               Phase = "REGISTRATION_OPEN"
	PhaseRegistrationClosedAwaitingExam Phase = "REGISTRATION_CLOSED_AWAITING_EXAM"
	PhaseExamLive                       Phase = "EXAM_LIVE"
	PhaseExamEnded                      Phase = "EXAM_ENDED"
	PhaseResultsPublished               Phase = "RESULTS_PUBLISHED"
)

// Question models an MCQ question; CorrectOption indexes into Options.
type Question struct {
	ID            string   `json:"id" yaml:"id" validate:"required"`
	Text          string   `json:"text" yaml:"text" validate:"required"`
	Options       []string `json:"options" yaml:"options" validate:"min=2"`
	CorrectOption int      `json:"correctOption" yaml:"correct_option" validate:"gte=0"`
	Marks         int      `json:"marks" yaml:"marks" validate:"gte=0"`
}

// Tournament is a time-boxed competitive assessment.
type Tournament struct {
	ID                string         `json:"id" yaml:"id" validate:"required"`
	Title             string         `json:"title" yaml:"title" validate:"required"`
	CreatedBy         string         `json:"createdBy" yaml:"created_by"`
	RegistrationStart time.Time      `json:"registrationStart" yaml:"registration_start" validate:"required"`
	RegistrationEnd   time.Time      `json:"registrationEnd" yaml:"registration_end" validate:"required"`
	ExamStart         time.Time      `json:"examStart" yaml:"exam_start" validate:"required"`
	ExamEnd           time.Time      `json:"examEnd" yaml:"exam_end" validate:"required"`
	DurationMinutes   int            `json:"duration" yaml:"duration" validate:"gt=0"`
	TotalQuestions    int            `json:"totalQuestions" yaml:"total_questions" validate:"gte=0"`
	TotalMarks        int            `json:"totalMarks" yaml:"total_marks" validate:"gte=0"`
	Status            DeclaredStatus `json:"status" yaml:"status"`
	MaxParticipants   *int           `json:"maxParticipants,omitempty" yaml:"max_participants" validate:"omitempty,gt=0"`
	RegisteredCount   int            `json:"registeredCount" yaml:"-"`
	TabSwitchLimit    int            `json:"tabSwitchLimit" yaml:"tab_switch_limit" validate:"gte=0"`
	IsFree            bool           `json:"isFree" yaml:"is_free"`
	Questions         []Question     `json:"questions,omitempty" yaml:"questions" validate:"dive"`
}

// Duration is the per-attempt time budget.
func (t Tournament) Duration() time.Duration {
	return time.Duration(t.DurationMinutes) * time.Minute
}

// HasCapacity reports whether another registration fits.
func (t Tournament) HasCapacity() bool {
	return t.MaxParticipants == nil || t.RegisteredCount < *t.MaxParticipants
}

// MarksConsistent reports whether question marks sum to TotalMarks.
func (t Tournament) MarksConsistent() bool {
	sum := 0
	for _, q := range t.Questions {
		sum += q.Marks
	}
	return sum == t.TotalMarks
}

// QuestionCount prefers the declared total and falls back to the bank size.
func (t Tournament) QuestionCount() int {
	if t.TotalQuestions > 0 {
		return t.TotalQuestions
	}
	return len(t.Questions)
}

// Participant is the caller identity used for entitlement decisions.
type Participant struct {
	StudentID     string `json:"studentId"`
	HasActivePlan bool   `json:"hasActivePlan"`
}

// Registration is unique per (student, tournament).
type Registration struct {
	ID           string    `json:"id"`
	StudentID    string    `json:"studentId"`
	TournamentID string    `json:"tournamentId"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// SubmitReason records why an attempt was finalized.
type SubmitReason string

const (
	ReasonManual             SubmitReason = "MANUAL"
	ReasonTimeout            SubmitReason = "TIMEOUT"
	ReasonIntegrityViolation SubmitReason = "INTEGRITY_VIOLATION"
)

// Valid reports whether r is a known reason.
func (r SubmitReason) Valid() bool {
	switch r {
	case ReasonManual, ReasonTimeout, ReasonIntegrityViolation:
		return true
	}
	return false
}

// Answers maps a question index to the selected option index.
type Answers map[int]int

// Clone returns an independent copy.
func (a Answers) Clone() Answers {
	out := make(Answers, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Attempt is one participant's single exam session for a tournament.
type Attempt struct {
	ID                string       `json:"id"`
	StudentID         string       `json:"studentId"`
	TournamentID      string       `json:"tournamentId"`
	StartedAt         time.Time    `json:"startedAt"`
	SubmittedAt       *time.Time   `json:"submittedAt,omitempty"`
	Reason            SubmitReason `json:"reason,omitempty"`
	TabSwitches       int          `json:"tabSwitches"`
	QuestionsAnswered int          `json:"questionsAnswered"`
	Answers           Answers      `json:"answers,omitempty"`
	Score             *int         `json:"score,omitempty"`
	Correct           int          `json:"correct"`
}

// Submitted reports whether the attempt is finalized.
func (a Attempt) Submitted() bool {
	return a.SubmittedAt != nil
}

// TimeTaken is submitted_at - started_at, or zero while in progress.
func (a Attempt) TimeTaken() time.Duration {
	if a.SubmittedAt == nil {
		return 0
	}
	return a.SubmittedAt.Sub(a.StartedAt)
}

// Submission is the single payload sent when finalizing an attempt.
type Submission struct {
	Answers     Answers      `json:"answers"`
	TabSwitches int          `json:"tabSwitches"`
	Reason      SubmitReason `json:"reason"`
}

// Progress is a best-effort in-flight report for monitors.
type Progress struct {
	TabSwitches       int `json:"tabSwitches"`
	QuestionsAnswered int `json:"questionsAnswered"`
}

// LeaderboardEntry is derived from a finalized attempt.
type LeaderboardEntry struct {
	StudentID string        `json:"studentId"`
	Score     int           `json:"score"`
	Accuracy  float64       `json:"accuracy"`
	TimeTaken time.Duration `json:"timeTaken"`
	Rank      int           `json:"rank"`
}

// Leaderboard captures the ordered ranking for a tournament.
type Leaderboard struct {
	TournamentID string             `json:"tournamentId"`
	Entries      []LeaderboardEntry `json:"entries"`
	Published    bool               `json:"published"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}

// Roster is the raw registration and attempt set behind a monitor view.
type Roster struct {
	TournamentID  string         `json:"tournamentId"`
	Registrations []Registration `json:"registrations"`
	Attempts      []Attempt      `json:"attempts"`
}

// MonitorStats are the headline counts of the live monitor.
type MonitorStats struct {
	TotalRegistered int `json:"totalRegistered"`
	TotalStarted    int `json:"totalStarted"`
	TotalSubmitted  int `json:"totalSubmitted"`
}

// MonitorRow is one participant's progress.
type MonitorRow struct {
	StudentID         string     `json:"studentId"`
	StartedAt         *time.Time `json:"startedAt,omitempty"`
	SubmittedAt       *time.Time `json:"submittedAt,omitempty"`
	Score             *int       `json:"score,omitempty"`
	TabSwitches       int        `json:"tabSwitches"`
	QuestionsAnswered int        `json:"questionsAnswered"`
}

// Monitor is the instructor rollup for one tournament.
type Monitor struct {
	TournamentID string       `json:"tournamentId"`
	Stats        MonitorStats `json:"stats"`
	Rows         []MonitorRow `json:"rows"`
}

// Topic names a push-channel invalidation signal.
type Topic string

const (
	TopicTournamentStatusChanged Topic = "tournament-status-changed"
	TopicAttemptProgressChanged  Topic = "attempt-progress-changed"
)

// Event is a pure invalidation signal; it never carries state.
type Event struct {
	Topic        Topic  `json:"topic"`
	TournamentID string `json:"tournamentId"`
	StudentID    string `json:"studentId,omitempty"`
}
