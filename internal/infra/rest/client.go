// Package rest is the HTTP client for the tournament API. It maps wire error
// codes back to domain sentinels and transport failures to ErrUnavailable.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"tournament-service/internal/domain"
	"tournament-service/internal/logging"
	api "tournament-service/internal/transport/http"
)

// APIError is a non-2xx response. It unwraps to the matching domain sentinel.
type APIError struct {
	Status  int
	Code    string
	Message string
	err     error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api %d %s: %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Unwrap() error { return e.err }

type Config struct {
	BaseURL    string
	StudentID  string
	Instructor bool
	ActivePlan bool
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     logrus.FieldLogger
}

// Client calls the tournament API as one caller.
type Client struct {
	base   *url.URL
	cfg    Config
	http   *http.Client
	dialer *websocket.Dialer
	log    logrus.FieldLogger
}

func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Client{base: base, cfg: cfg, http: httpClient, dialer: dialer, log: logging.OrDiscard(cfg.Logger)}, nil
}

func (c *Client) ListAvailable(ctx context.Context, _ domain.Participant) ([]domain.Tournament, error) {
	var out []domain.Tournament
	err := c.do(ctx, http.MethodGet, "/api/tournaments", nil, &out)
	return out, err
}

func (c *Client) GetTournament(ctx context.Context, id string) (domain.Tournament, error) {
	var out domain.Tournament
	err := c.do(ctx, http.MethodGet, tournamentPath(id, ""), nil, &out)
	return out, err
}

// Register registers the configured student. The studentID argument must
// match the client identity.
func (c *Client) Register(ctx context.Context, id, studentID string) (domain.Registration, error) {
	if err := c.self(studentID); err != nil {
		return domain.Registration{}, err
	}
	var out domain.Registration
	err := c.do(ctx, http.MethodPost, tournamentPath(id, "/registrations"), nil, &out)
	return out, err
}

func (c *Client) GetRegistration(ctx context.Context, id, studentID string) (domain.Registration, error) {
	if err := c.self(studentID); err != nil {
		return domain.Registration{}, err
	}
	var out domain.Registration
	err := c.do(ctx, http.MethodGet, tournamentPath(id, "/registrations/me"), nil, &out)
	return out, err
}

func (c *Client) StartAttempt(ctx context.Context, id, studentID string) (domain.Attempt, error) {
	if err := c.self(studentID); err != nil {
		return domain.Attempt{}, err
	}
	var out domain.Attempt
	err := c.do(ctx, http.MethodPost, tournamentPath(id, "/attempts"), nil, &out)
	return out, err
}

func (c *Client) GetAttempt(ctx context.Context, id, studentID string) (domain.Attempt, error) {
	if err := c.self(studentID); err != nil {
		return domain.Attempt{}, err
	}
	var out domain.Attempt
	err := c.do(ctx, http.MethodGet, tournamentPath(id, "/attempts/me"), nil, &out)
	return out, err
}

func (c *Client) SubmitAttempt(ctx context.Context, id, studentID string, sub domain.Submission) (domain.Attempt, error) {
	if err := c.self(studentID); err != nil {
		return domain.Attempt{}, err
	}
	var out domain.Attempt
	err := c.do(ctx, http.MethodPost, tournamentPath(id, "/attempts/me/submit"), sub, &out)
	return out, err
}

func (c *Client) ReportProgress(ctx context.Context, id, studentID string, p domain.Progress) error {
	if err := c.self(studentID); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, tournamentPath(id, "/attempts/me/progress"), p, nil)
}

func (c *Client) GetLeaderboard(ctx context.Context, id string) (domain.Leaderboard, error) {
	var out domain.Leaderboard
	err := c.do(ctx, http.MethodGet, tournamentPath(id, "/leaderboard"), nil, &out)
	return out, err
}

func (c *Client) GetMonitor(ctx context.Context, id string) (domain.Monitor, error) {
	var out domain.Monitor
	err := c.do(ctx, http.MethodGet, tournamentPath(id, "/monitor"), nil, &out)
	return out, err
}

func (c *Client) GetRoster(ctx context.Context, id string) (domain.Roster, error) {
	var out domain.Roster
	err := c.do(ctx, http.MethodGet, tournamentPath(id, "/roster"), nil, &out)
	return out, err
}

func (c *Client) CreateTournament(ctx context.Context, t domain.Tournament) (domain.Tournament, error) {
	var out domain.Tournament
	err := c.do(ctx, http.MethodPost, "/api/tournaments", t, &out)
	return out, err
}

func (c *Client) UpdateTournament(ctx context.Context, t domain.Tournament) (domain.Tournament, error) {
	var out domain.Tournament
	err := c.do(ctx, http.MethodPut, tournamentPath(t.ID, ""), t, &out)
	return out, err
}

func (c *Client) Publish(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, tournamentPath(id, "/publish"), nil, nil)
}

func (c *Client) SetStatus(ctx context.Context, id string, to domain.DeclaredStatus) error {
	return c.do(ctx, http.MethodPost, tournamentPath(id, "/status"), map[string]domain.DeclaredStatus{"status": to}, nil)
}

func (c *Client) PublishResults(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, tournamentPath(id, "/results"), nil, nil)
}

// Subscribe streams invalidation events from the /ws/events endpoint.
func (c *Client) Subscribe(ctx context.Context) (<-chan domain.Event, func(), error) {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/ws/events"

	conn, _, err := c.dialer.DialContext(ctx, u.String(), c.headers())
	if err != nil {
		return nil, nil, fmt.Errorf("%w: dial events: %v", domain.ErrUnavailable, err)
	}

	out := make(chan domain.Event, 16)
	stop := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(stop)
			_ = conn.Close()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-stop:
		}
	}()
	go func() {
		defer close(out)
		defer cancel()
		for {
			var msg struct {
				Type    string       `json:"type"`
				Payload domain.Event `json:"payload"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				if ctx.Err() == nil {
					c.log.WithError(err).Debug("event stream closed")
				}
				return
			}
			if msg.Type != "invalidate" {
				continue
			}
			select {
			case out <- msg.Payload:
			case <-stop:
				return
			}
		}
	}()
	return out, cancel, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header = c.headers()
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", domain.ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", domain.ErrUnavailable, path, err)
	}
	return nil
}

func (c *Client) headers() http.Header {
	h := http.Header{}
	if c.cfg.StudentID != "" {
		h.Set(api.HeaderStudentID, c.cfg.StudentID)
	}
	if c.cfg.Instructor {
		h.Set(api.HeaderRole, api.RoleInstructor)
	}
	if c.cfg.ActivePlan {
		h.Set(api.HeaderActivePlan, strconv.FormatBool(true))
	}
	return h
}

func (c *Client) self(studentID string) error {
	if studentID != c.cfg.StudentID {
		return fmt.Errorf("client acts as %q, not %q: %w", c.cfg.StudentID, studentID, domain.ErrOutOfOrder)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body api.ErrorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	_ = json.Unmarshal(raw, &body)

	apiErr := &APIError{Status: resp.StatusCode, Code: body.Code, Message: body.Message}
	apiErr.err = domain.FromCode(body.Code)
	if apiErr.err == nil && resp.StatusCode >= http.StatusInternalServerError {
		apiErr.err = domain.ErrUnavailable
	}
	if apiErr.err == nil {
		apiErr.err = errors.New(strings.ToLower(http.StatusText(resp.StatusCode)))
	}
	return apiErr
}

func tournamentPath(id, suffix string) string {
	return "/api/tournaments/" + url.PathEscape(id) + suffix
}
