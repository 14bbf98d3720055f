// Package metrics provides Prometheus metrics for the visit authorization service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	VisitsCreated         prometheus.Counter
	VisitTransitions      *prometheus.CounterVec
	VerificationOutcomes  *prometheus.CounterVec
	VerificationDuration  prometheus.Histogram
	GateDecisions         *prometheus.CounterVec
	CashConversions       prometheus.Counter
	TokenFetches          *prometheus.CounterVec
	AuditMessagesProduced prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		VisitsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "visits_created_total",
			Help: "Total visits registered",
		}),
		VisitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "visit_transitions_total",
			Help: "Visit state transitions by resulting status",
		}, []string{"status"}),
		VerificationOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "insurance_verifications_total",
			Help: "Insurance verification attempts by outcome",
		}, []string{"outcome"}),
		VerificationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "insurance_verification_duration_seconds",
			Help:    "Round trip to the insurance authority",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		GateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gate_decisions_total",
			Help: "Gating decisions by result and code",
		}, []string{"allowed", "code"}),
		CashConversions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cash_conversions_total",
			Help: "Visits converted from insurance to self-pay",
		}),
		TokenFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authority_token_fetches_total",
			Help: "Token endpoint calls by result",
		}, []string{"result"}),
		AuditMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_messages_produced_total",
			Help: "Audit records published to the broker",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.VisitsCreated,
			m.VisitTransitions,
			m.VerificationOutcomes,
			m.VerificationDuration,
			m.GateDecisions,
			m.CashConversions,
			m.TokenFetches,
			m.AuditMessagesProduced,
			m.OutboxPending,
			m.CircuitBreakerState,
		)
	}

	return m
}

func (m *Metrics) VisitCreated() {
	if m == nil {
		return
	}
	m.VisitsCreated.Inc()
}

func (m *Metrics) Transition(status string) {
	if m == nil {
		return
	}
	m.VisitTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) Verification(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.VerificationOutcomes.WithLabelValues(outcome).Inc()
	if seconds > 0 {
		m.VerificationDuration.Observe(seconds)
	}
}

func (m *Metrics) Gate(allowed bool, code string) {
	if m == nil {
		return
	}
	label := "false"
	if allowed {
		label = "true"
	}
	m.GateDecisions.WithLabelValues(label, code).Inc()
}

func (m *Metrics) CashConversion() {
	if m == nil {
		return
	}
	m.CashConversions.Inc()
}

func (m *Metrics) TokenFetch(result string) {
	if m == nil {
		return
	}
	m.TokenFetches.WithLabelValues(result).Inc()
}

func (m *Metrics) AuditProduced() {
	if m == nil {
		return
	}
	m.AuditMessagesProduced.Inc()
}

func (m *Metrics) SetOutboxPending(n int64) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

// SetBreakerState records the state of the named breaker; state is one of
// "closed", "open" or "half-open".
func (m *Metrics) SetBreakerState(name, state string) {
	if m == nil {
		return
	}
	v := 0.0
	switch state {
	case "open":
		v = 1
	case "half-open":
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
