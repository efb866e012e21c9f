package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tournament"

// Metrics holds the Prometheus collectors for the coordinator. All methods
// are safe on a nil receiver.
type Metrics struct {
	ReconcileFetches    *prometheus.CounterVec
	ReconcileCoalesced  *prometheus.CounterVec
	Registrations       *prometheus.CounterVec
	Submissions         *prometheus.CounterVec
	IntegrityViolations prometheus.Counter
	APIRequests         *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ReconcileFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_fetch_total",
			Help:      "Snapshot re-fetches performed by the reconciler",
		}, []string{"entity", "result"}),
		ReconcileCoalesced: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_coalesced_total",
			Help:      "Triggers folded into an outstanding or scheduled fetch",
		}, []string{"entity"}),
		Registrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Registration outcomes",
		}, []string{"result"}),
		Submissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempt_submissions_total",
			Help:      "Finalized attempts by reason",
		}, []string{"reason"}),
		IntegrityViolations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_violations_total",
			Help:      "Detected tab switches during live attempts",
		}),
		APIRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "HTTP API requests by route and result code",
		}, []string{"route", "code"}),
	}
}

func (m *Metrics) Fetch(entity, result string) {
	if m == nil {
		return
	}
	m.ReconcileFetches.WithLabelValues(entity, result).Inc()
}

func (m *Metrics) Coalesced(entity string) {
	if m == nil {
		return
	}
	m.ReconcileCoalesced.WithLabelValues(entity).Inc()
}

func (m *Metrics) Registration(result string) {
	if m == nil {
		return
	}
	m.Registrations.WithLabelValues(result).Inc()
}

func (m *Metrics) Submission(reason string) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(reason).Inc()
}

func (m *Metrics) IntegrityViolation() {
	if m == nil {
		return
	}
	m.IntegrityViolations.Inc()
}

func (m *Metrics) APIRequest(route, code string) {
	if m == nil {
		return
	}
	m.APIRequests.WithLabelValues(route, code).Inc()
}
