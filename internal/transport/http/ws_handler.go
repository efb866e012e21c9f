package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"tournament-service/internal/domain"
	"tournament-service/internal/logging"
	"tournament-service/internal/monitor"
	"tournament-service/internal/reconcile"
)

// Subscriber delivers invalidation events.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan domain.Event, func(), error)
}

type WSOptions struct {
	Events Subscriber
	// Source backs the live monitor stream.
	Source monitor.Source
	// PollInterval is the monitor fallback refresh when push events are lost.
	PollInterval time.Duration
	Logger       logrus.FieldLogger
	Reconcile    reconcile.Options
}

type WSHandler struct {
	events   Subscriber
	source   monitor.Source
	poll     time.Duration
	recOpts  reconcile.Options
	log      logrus.FieldLogger
	upgrader websocket.Upgrader
}

func NewWSHandler(opts WSOptions) *WSHandler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 15 * time.Second
	}
	log := logging.OrDiscard(opts.Logger)
	if opts.Reconcile.Logger == nil {
		opts.Reconcile.Logger = log
	}
	return &WSHandler{
		events:  opts.Events,
		source:  opts.Source,
		poll:    opts.PollInterval,
		recOpts: opts.Reconcile,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ServeEvents streams invalidation events, optionally filtered by the
// tournamentId query parameter.
func (h *WSHandler) ServeEvents(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("tournamentId")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("ws upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe, err := h.events.Subscribe(ctx)
	if err != nil {
		_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: wsError(domain.ErrUnavailable)})
		return
	}
	defer unsubscribe()

	h.pump(ctx, cancel, conn, func(send chan<- outboundMessage[any]) {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if filter != "" && ev.TournamentID != filter {
					continue
				}
				select {
				case send <- outboundMessage[any]{Type: "invalidate", Payload: ev}:
				case <-ctx.Done():
					return
				}
			}
		}
	})
}

// ServeMonitor streams live monitor views of one tournament to an
// instructor.
func (h *WSHandler) ServeMonitor(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("tournamentId")
	if id == "" {
		http.Error(w, "missing tournamentId", http.StatusBadRequest)
		return
	}
	if !IsInstructor(r) {
		http.Error(w, "instructor role required", http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("ws upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	live := monitor.NewLive(h.source, h.recOpts)
	defer live.Close()

	if _, err := live.Refresh(ctx, id); err != nil {
		_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: wsError(err)})
		return
	}

	if h.events != nil {
		events, unsubscribe, err := h.events.Subscribe(ctx)
		if err != nil {
			h.log.WithError(err).Warn("monitor push unavailable, polling only")
		} else {
			defer unsubscribe()
			go live.Listen(ctx, reconcile.ForTournament(ctx, events, id))
		}
	}
	go live.Poll(ctx, id, h.poll)

	views, stopViews := live.Watch(id)
	defer stopViews()

	h.pump(ctx, cancel, conn, func(send chan<- outboundMessage[any]) {
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-views:
				if !ok {
					return
				}
				select {
				case send <- outboundMessage[any]{Type: "monitor", Payload: v}:
				case <-ctx.Done():
					return
				}
			}
		}
	})
}

// pump runs produce against a single writer goroutine and blocks until the
// client goes away or produce returns.
func (h *WSHandler) pump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, produce func(send chan<- outboundMessage[any])) {
	send := make(chan outboundMessage[any], 16)
	writerDone := make(chan struct{})
	producerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				h.log.WithError(err).Debug("ws write error")
				cancel()
				for range send {
				}
				return
			}
		}
	}()

	go func() {
		defer close(producerDone)
		defer cancel()
		produce(send)
	}()

	// Clients never send anything meaningful; reads only detect close.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	<-ctx.Done()
	<-producerDone
	close(send)
	<-writerDone
}


func wsError(err error) errorPayload {
	return errorPayload{Code: domain.Code(err), Message: domain.UserMessage(err)}
}
