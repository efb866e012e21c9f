package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	"tournament-service/internal/backend"
	"tournament-service/internal/domain"
	"tournament-service/internal/logging"
	"tournament-service/internal/metrics"
)

// Identity headers are set by the fronting auth gateway.
const (
	HeaderStudentID  = "X-Student-ID"
	HeaderRole       = "X-Role"
	HeaderActivePlan = "X-Active-Plan"

	RoleInstructor = "instructor"
)

const maxBodyBytes = 1 << 20

var (
	errUnauthenticated = errors.New("caller identity missing")
	errForbidden       = errors.New("instructor role required")
	errBadRequest      = errors.New("malformed request body")
)

// Service is the tournament API served over HTTP.
type Service interface {
	ListAvailable(ctx context.Context, p domain.Participant) ([]domain.Tournament, error)
	GetTournament(ctx context.Context, id string) (domain.Tournament, error)
	Register(ctx context.Context, id, studentID string) (domain.Registration, error)
	GetRegistration(ctx context.Context, id, studentID string) (domain.Registration, error)
	StartAttempt(ctx context.Context, id, studentID string) (domain.Attempt, error)
	GetAttempt(ctx context.Context, id, studentID string) (domain.Attempt, error)
	SubmitAttempt(ctx context.Context, id, studentID string, sub domain.Submission) (domain.Attempt, error)
	ReportProgress(ctx context.Context, id, studentID string, p domain.Progress) error
	GetLeaderboard(ctx context.Context, id string) (domain.Leaderboard, error)
	GetMonitor(ctx context.Context, id string) (domain.Monitor, error)
	GetRoster(ctx context.Context, id string) (domain.Roster, error)
	CreateTournament(ctx context.Context, t domain.Tournament) (domain.Tournament, error)
	UpdateTournament(ctx context.Context, t domain.Tournament) (domain.Tournament, error)
	Publish(ctx context.Context, id string) error
	SetStatus(ctx context.Context, id string, to domain.DeclaredStatus) error
	PublishResults(ctx context.Context, id string) error
}

// ErrorBody is the JSON shape of every API error.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type statusRequest struct {
	Status domain.DeclaredStatus `json:"status"`
}

// API serves the JSON REST surface.
type API struct {
	service Service
	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

func NewAPI(service Service, logger logrus.FieldLogger, m *metrics.Metrics) *API {
	return &API{service: service, log: logging.OrDiscard(logger), metrics: m}
}

type apiFunc func(r *http.Request, caller domain.Participant) (int, any, error)

// Register mounts the API routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	a.handle(mux, "GET /api/tournaments", "list", false, a.list)
	a.handle(mux, "POST /api/tournaments", "create", true, a.create)
	a.handle(mux, "GET /api/tournaments/{id}", "get", false, a.get)
	a.handle(mux, "PUT /api/tournaments/{id}", "update", true, a.update)
	a.handle(mux, "POST /api/tournaments/{id}/publish", "publish", true, a.publish)
	a.handle(mux, "POST /api/tournaments/{id}/status", "status", true, a.setStatus)
	a.handle(mux, "POST /api/tournaments/{id}/results", "results", true, a.publishResults)
	a.handle(mux, "POST /api/tournaments/{id}/registrations", "register", false, a.register)
	a.handle(mux, "GET /api/tournaments/{id}/registrations/me", "registration", false, a.registration)
	a.handle(mux, "POST /api/tournaments/{id}/attempts", "start", false, a.start)
	a.handle(mux, "GET /api/tournaments/{id}/attempts/me", "attempt", false, a.attempt)
	a.handle(mux, "POST /api/tournaments/{id}/attempts/me/submit", "submit", false, a.submit)
	a.handle(mux, "POST /api/tournaments/{id}/attempts/me/progress", "progress", false, a.progress)
	a.handle(mux, "GET /api/tournaments/{id}/leaderboard", "leaderboard", false, a.leaderboard)
	a.handle(mux, "GET /api/tournaments/{id}/monitor", "monitor", true, a.monitor)
	a.handle(mux, "GET /api/tournaments/{id}/roster", "roster", true, a.roster)
}

func (a *API) handle(mux *http.ServeMux, pattern, route string, instructor bool, fn apiFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		caller := CallerFrom(r)
		var (
			status int
			body   any
			err    error
		)
		if instructor && !IsInstructor(r) {
			err = errForbidden
		} else {
			ctx := backend.WithParticipant(r.Context(), caller)
			status, body, err = fn(r.WithContext(ctx), caller)
		}
		if err != nil {
			a.metrics.APIRequest(route, errorCode(err))
			a.writeError(w, r, route, err)
			return
		}
		a.metrics.APIRequest(route, "OK")
		if body == nil {
			w.WriteHeader(status)
			return
		}
		writeJSON(w, status, body)
	})
}

func (a *API) list(r *http.Request, caller domain.Participant) (int, any, error) {
	list, err := a.service.ListAvailable(r.Context(), caller)
	if err != nil {
		return 0, nil, err
	}
	out := make([]domain.Tournament, len(list))
	for i, t := range list {
		t.Questions = nil
		out[i] = t
	}
	return http.StatusOK, out, nil
}

func (a *API) get(r *http.Request, _ domain.Participant) (int, any, error) {
	t, err := a.service.GetTournament(r.Context(), r.PathValue("id"))
	if err != nil {
		return 0, nil, err
	}
	if !IsInstructor(r) {
		// Drafts are invisible to participants.
		if t.Status == domain.StatusDraft {
			return 0, nil, domain.ErrTournamentNotFound
		}
		t = redact(t)
	}
	return http.StatusOK, t, nil
}

func (a *API) create(r *http.Request, caller domain.Participant) (int, any, error) {
	var t domain.Tournament
	if err := decode(r, &t); err != nil {
		return 0, nil, err
	}
	if t.CreatedBy == "" {
		t.CreatedBy = caller.StudentID
	}
	created, err := a.service.CreateTournament(r.Context(), t)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, created, nil
}

func (a *API) update(r *http.Request, _ domain.Participant) (int, any, error) {
	var t domain.Tournament
	if err := decode(r, &t); err != nil {
		return 0, nil, err
	}
	t.ID = r.PathValue("id")
	updated, err := a.service.UpdateTournament(r.Context(), t)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, updated, nil
}

func (a *API) publish(r *http.Request, _ domain.Participant) (int, any, error) {
	return http.StatusNoContent, nil, a.service.Publish(r.Context(), r.PathValue("id"))
}

func (a *API) setStatus(r *http.Request, _ domain.Participant) (int, any, error) {
	var req statusRequest
	if err := decode(r, &req); err != nil {
		return 0, nil, err
	}
	return http.StatusNoContent, nil, a.service.SetStatus(r.Context(), r.PathValue("id"), req.Status)
}

func (a *API) publishResults(r *http.Request, _ domain.Participant) (int, any, error) {
	return http.StatusNoContent, nil, a.service.PublishResults(r.Context(), r.PathValue("id"))
}

func (a *API) register(r *http.Request, caller domain.Participant) (int, any, error) {
	if caller.StudentID == "" {
		return 0, nil, errUnauthenticated
	}
	reg, err := a.service.Register(r.Context(), r.PathValue("id"), caller.StudentID)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, reg, nil
}

func (a *API) registration(r *http.Request, caller domain.Participant) (int, any, error) {
	if caller.StudentID == "" {
		return 0, nil, errUnauthenticated
	}
	reg, err := a.service.GetRegistration(r.Context(), r.PathValue("id"), caller.StudentID)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, reg, nil
}

func (a *API) start(r *http.Request, caller domain.Participant) (int, any, error) {
	if caller.StudentID == "" {
		return 0, nil, errUnauthenticated
	}
	att, err := a.service.StartAttempt(r.Context(), r.PathValue("id"), caller.StudentID)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, att, nil
}

func (a *API) attempt(r *http.Request, caller domain.Participant) (int, any, error) {
	if caller.StudentID == "" {
		return 0, nil, errUnauthenticated
	}
	att, err := a.service.GetAttempt(r.Context(), r.PathValue("id"), caller.StudentID)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, att, nil
}

func (a *API) submit(r *http.Request, caller domain.Participant) (int, any, error) {
	if caller.StudentID == "" {
		return 0, nil, errUnauthenticated
	}
	var sub domain.Submission
	if err := decode(r, &sub); err != nil {
		return 0, nil, err
	}
	att, err := a.service.SubmitAttempt(r.Context(), r.PathValue("id"), caller.StudentID, sub)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, att, nil
}

func (a *API) progress(r *http.Request, caller domain.Participant) (int, any, error) {
	if caller.StudentID == "" {
		return 0, nil, errUnauthenticated
	}
	var p domain.Progress
	if err := decode(r, &p); err != nil {
		return 0, nil, err
	}
	return http.StatusNoContent, nil, a.service.ReportProgress(r.Context(), r.PathValue("id"), caller.StudentID, p)
}

func (a *API) leaderboard(r *http.Request, _ domain.Participant) (int, any, error) {
	lb, err := a.service.GetLeaderboard(r.Context(), r.PathValue("id"))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, lb, nil
}

func (a *API) monitor(r *http.Request, _ domain.Participant) (int, any, error) {
	m, err := a.service.GetMonitor(r.Context(), r.PathValue("id"))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, m, nil
}

func (a *API) roster(r *http.Request, _ domain.Participant) (int, any, error) {
	ro, err := a.service.GetRoster(r.Context(), r.PathValue("id"))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, ro, nil
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, route string, err error) {
	status := statusFor(err)
	body := ErrorBody{Code: errorCode(err), Message: errorMessage(err)}
	if status >= http.StatusInternalServerError {
		a.log.WithError(err).WithFields(logrus.Fields{"route": route, "path": r.URL.Path}).Error("request failed")
	}
	writeJSON(w, status, body)
}

// CallerFrom reads the gateway identity headers.
func CallerFrom(r *http.Request) domain.Participant {
	plan, _ := strconv.ParseBool(r.Header.Get(HeaderActivePlan))
	return domain.Participant{StudentID: r.Header.Get(HeaderStudentID), HasActivePlan: plan}
}

// IsInstructor reports whether the gateway marked the caller as an instructor.
func IsInstructor(r *http.Request) bool {
	return r.Header.Get(HeaderRole) == RoleInstructor
}

// redact hides answer keys from participants until results are published.
func redact(t domain.Tournament) domain.Tournament {
	if t.Status == domain.StatusResultPublished || t.Questions == nil {
		return t
	}
	qs := make([]domain.Question, len(t.Questions))
	for i, q := range t.Questions {
		q.CorrectOption = -1
		qs[i] = q
	}
	t.Questions = qs
	return t
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, errForbidden):
		return http.StatusForbidden
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	}
	switch domain.Classify(err) {
	case domain.KindWindow:
		return http.StatusUnprocessableEntity
	case domain.KindConflict, domain.KindCapacity:
		return http.StatusConflict
	case domain.KindEntitlement:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindInvalid:
		return http.StatusBadRequest
	case domain.KindNetwork:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, errUnauthenticated):
		return "UNAUTHENTICATED"
	case errors.Is(err, errForbidden):
		return "FORBIDDEN"
	case errors.Is(err, errBadRequest):
		return "BAD_REQUEST"
	}
	return domain.Code(err)
}

func errorMessage(err error) string {
	switch {
	case errors.Is(err, errUnauthenticated):
		return "Sign in to continue."
	case errors.Is(err, errForbidden):
		return "Only instructors can do that."
	case errors.Is(err, errBadRequest):
		return "The request could not be read."
	}
	return domain.UserMessage(err)
}

func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
