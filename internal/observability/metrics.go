// Package observability holds the Prometheus collectors and tracer setup for
// the governance service. Every Metrics method is safe on a nil receiver so
// components can run without instrumentation in tests and CLI tools.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "governor"

// #region metrics

// Metrics groups the service collectors.
type Metrics struct {
	ledgerAppends    *prometheus.CounterVec
	cycleTransitions *prometheus.CounterVec
	cycleOutcomes    *prometheus.CounterVec
	activeCycle      prometheus.Gauge
	reviewLatency    *prometheus.HistogramVec
	gateDecisions    *prometheus.CounterVec
	checkpoints      *prometheus.CounterVec
	votes            *prometheus.CounterVec
}

// NewMetrics registers collectors on reg. Pass prometheus.NewRegistry() in
// tests to avoid duplicate registration on the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ledgerAppends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "appends_total",
			Help:      "Ledger append attempts by event type and result",
		}, []string{"event_type", "result"}),
		cycleTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "transitions_total",
			Help:      "Cycle stage transitions by destination stage",
		}, []string{"stage"}),
		cycleOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "outcomes_total",
			Help:      "Terminal cycle outcomes",
		}, []string{"outcome"}),
		activeCycle: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "active",
			Help:      "1 while a cycle is in a non-terminal stage",
		}),
		reviewLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "review",
			Name:      "latency_seconds",
			Help:      "External reviewer response latency",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"reviewer", "status"}),
		gateDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "decisions_total",
			Help:      "Approval gate decisions",
		}, []string{"decision"}),
		checkpoints: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkpoint",
			Name:      "attempts_total",
			Help:      "Administrator checkpoint attempts by result",
		}, []string{"result"}),
		votes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "votes",
			Name:      "admissions_total",
			Help:      "Vote admission results",
		}, []string{"result"}),
	}
}

// #endregion metrics

// #region observers

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) ObserveLedgerAppend(eventType string, err error) {
	if m == nil {
		return
	}
	m.ledgerAppends.WithLabelValues(eventType, resultLabel(err)).Inc()
}

func (m *Metrics) ObserveTransition(stage string) {
	if m == nil {
		return
	}
	m.cycleTransitions.WithLabelValues(stage).Inc()
}

// ObserveOutcome counts a terminal outcome and clears the active gauge.
func (m *Metrics) ObserveOutcome(outcome string) {
	if m == nil {
		return
	}
	m.cycleOutcomes.WithLabelValues(outcome).Inc()
	m.activeCycle.Set(0)
}

func (m *Metrics) SetActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.activeCycle.Set(1)
		return
	}
	m.activeCycle.Set(0)
}

func (m *Metrics) ObserveReview(reviewer, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.reviewLatency.WithLabelValues(reviewer, status).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveGateDecision(approved bool) {
	if m == nil {
		return
	}
	decision := "rejected"
	if approved {
		decision = "approved"
	}
	m.gateDecisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) ObserveCheckpoint(result string) {
	if m == nil {
		return
	}
	m.checkpoints.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveVote(result string) {
	if m == nil {
		return
	}
	m.votes.WithLabelValues(result).Inc()
}

// #endregion observers
