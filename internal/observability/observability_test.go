package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveLedgerAppend("approval", nil)
	m.ObserveLedgerAppend("approval", errors.New("disk full"))
	m.ObserveGateDecision(true)
	m.ObserveGateDecision(false)
	m.ObserveGateDecision(false)
	m.ObserveReview("mistral", "approve", 20*time.Millisecond)
	m.SetActive(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ledgerAppends.WithLabelValues("approval", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ledgerAppends.WithLabelValues("approval", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.gateDecisions.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeCycle))

	m.ObserveOutcome("logged")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.activeCycle))
	assert.Equal(t, 1, testutil.CollectAndCount(m.reviewLatency))
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveLedgerAppend("audit", nil)
		m.ObserveTransition("training")
		m.ObserveOutcome("failed")
		m.SetActive(true)
		m.ObserveReview("r", "failed", time.Second)
		m.ObserveGateDecision(true)
		m.ObserveCheckpoint("ok")
		m.ObserveVote("admitted")
	})
}

func TestSetupTracing(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), TracingConfig{Exporter: "none"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, err = SetupTracing(context.Background(), TracingConfig{Exporter: "jaeger"})
	assert.ErrorIs(t, err, ErrUnknownExporter)
}
