package domain

import "errors"

var (
	// ErrAlreadyRegistered is returned for a duplicate registration.
	ErrAlreadyRegistered = errors.New("already registered for this tournament")
	// ErrCapacityFull is returned when max participants has been reached.
	ErrCapacityFull = errors.New("tournament is full")
	// ErrWindowClosed is returned when an action falls outside its window.
	ErrWindowClosed = errors.New("window closed")
	// ErrEntitlementRequired is returned for paid tournaments without an active plan.
	ErrEntitlementRequired = errors.New("active plan required")
	// ErrAlreadyAttempted is returned when an attempt already exists.
	ErrAlreadyAttempted = errors.New("tournament already attempted")
	// ErrNotRegistered is returned when starting without a registration.
	ErrNotRegistered = errors.New("not registered for this tournament")
	// ErrPhaseMismatch is returned when the resolved phase forbids the action.
	ErrPhaseMismatch = errors.New("tournament phase does not allow this action")
	// ErrAlreadySubmitted is returned when finalizing a finalized attempt.
	ErrAlreadySubmitted = errors.New("attempt already submitted")

	// ErrTournamentNotFound indicates the tournament could not be loaded.
	ErrTournamentNotFound = errors.New("tournament not found")
	// ErrAttemptNotFound indicates no attempt exists for the participant.
	ErrAttemptNotFound = errors.New("attempt not found")
	// ErrOutOfOrder is returned for an attempt operation in the wrong state.
	ErrOutOfOrder = errors.New("operation not allowed in current attempt state")
	// ErrInvalidAnswer is returned for a question or option index out of range.
	ErrInvalidAnswer = errors.New("invalid answer")
	// ErrInvalidTournament is returned when authored data breaks invariants.
	ErrInvalidTournament = errors.New("invalid tournament")
	// ErrStatusRegression is returned for a backward status transition.
	ErrStatusRegression = errors.New("tournament status cannot move backward")
	// ErrImmutable is returned when editing a tournament that is already live.
	ErrImmutable = errors.New("tournament is immutable once live")
	// ErrUnavailable wraps transient transport failures.
	ErrUnavailable = errors.New("service unavailable")
)

// Kind groups errors by the corrective action they call for.
type Kind int

const (
	KindUnknown Kind = iota
	KindWindow
	KindConflict
	KindCapacity
	KindEntitlement
	KindNotFound
	KindInvalid
	KindNetwork
)

func (k Kind) String() string {
	switch k {
	case KindWindow:
		return "window"
	case KindConflict:
		return "conflict"
	case KindCapacity:
		return "capacity"
	case KindEntitlement:
		return "entitlement"
	case KindNotFound:
		return "not_found"
	case KindInvalid:
		return "invalid"
	case KindNetwork:
		return "network"
	}
	return "unknown"
}

type errorInfo struct {
	err     error
	code    string
	kind    Kind
	message string
}

// Order matters: first errors.Is match wins.
var errorTable = []errorInfo{
	{ErrWindowClosed, "WINDOW_CLOSED", KindWindow, "This window is closed. Check the tournament schedule for the next one."},
	{ErrPhaseMismatch, "PHASE_MISMATCH", KindWindow, "The tournament is not in the right stage for this yet. Refresh and try again when it opens."},
	{ErrAlreadyRegistered, "ALREADY_REGISTERED", KindConflict, "You are already registered. Nothing else to do."},
	{ErrAlreadyAttempted, "ALREADY_ATTEMPTED", KindConflict, "You have already attempted this tournament."},
	{ErrAlreadySubmitted, "ALREADY_SUBMITTED", KindConflict, "Your attempt was already submitted."},
	{ErrCapacityFull, "CAPACITY_FULL", KindCapacity, "This tournament is full. Pick another tournament."},
	{ErrEntitlementRequired, "ENTITLEMENT_REQUIRED", KindEntitlement, "This tournament needs an active plan."},
	{ErrNotRegistered, "NOT_REGISTERED", KindEntitlement, "Register for this tournament before starting."},
	{ErrTournamentNotFound, "TOURNAMENT_NOT_FOUND", KindNotFound, "Tournament not found."},
	{ErrAttemptNotFound, "ATTEMPT_NOT_FOUND", KindNotFound, "No attempt found."},
	{ErrOutOfOrder, "OUT_OF_ORDER", KindInvalid, "That action is not available in the current attempt state."},
	{ErrInvalidAnswer, "INVALID_ANSWER", KindInvalid, "That answer does not match a question option."},
	{ErrInvalidTournament, "INVALID_TOURNAMENT", KindInvalid, "The tournament definition is invalid."},
	{ErrStatusRegression, "STATUS_REGRESSION", KindInvalid, "Tournament status can only move forward."},
	{ErrImmutable, "IMMUTABLE", KindInvalid, "The tournament can no longer be edited."},
	{ErrUnavailable, "UNAVAILABLE", KindNetwork, "Connection problem. The view will refresh automatically."},
}

func lookup(err error) (errorInfo, bool) {
	if err == nil {
		return errorInfo{}, false
	}
	for _, info := range errorTable {
		if errors.Is(err, info.err) {
			return info, true
		}
	}
	return errorInfo{}, false
}

// Classify maps err onto the error taxonomy.
func Classify(err error) Kind {
	info, ok := lookup(err)
	if !ok {
		return KindUnknown
	}
	return info.kind
}

// Code returns the wire code for err, or "INTERNAL".
func Code(err error) string {
	info, ok := lookup(err)
	if !ok {
		return "INTERNAL"
	}
	return info.code
}

// FromCode returns the sentinel for a wire code, or nil if unknown.
func FromCode(code string) error {
	for _, info := range errorTable {
		if info.code == code {
			return info.err
		}
	}
	return nil
}

// UserMessage returns a message that names the corrective action for err.
func UserMessage(err error) string {
	info, ok := lookup(err)
	if !ok {
		return "Something went wrong."
	}
	return info.message
}
