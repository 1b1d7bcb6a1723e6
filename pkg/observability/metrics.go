// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for statekit components.
package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Invocation metrics
	invocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statekit_invocations_total",
			Help: "Total number of invocations by terminal status",
		},
		[]string{"status"},
	)

	stepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "statekit_steps_total",
			Help: "Total number of executed invocation steps",
		},
		[]string{"status"},
	)

	stepRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "statekit_step_retries_total",
			Help: "Total number of retried invocation steps",
		},
	)

	checkpointsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "statekit_checkpoints_total",
			Help: "Total number of saved checkpoints",
		},
	)

	// Event log metrics
	deltaAppendsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "statekit_delta_appends_total",
			Help: "Total number of appended state deltas",
		},
	)

	sequenceConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "statekit_sequence_conflicts_total",
			Help: "Total number of append sequence conflicts",
		},
	)

	// Retention metrics
	reapedSessionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "statekit_reaped_sessions_total",
			Help: "Total number of sessions purged by retention",
		},
	)
)

var metricsOnce sync.Once

// InitMetrics registers all statekit metrics with the default
// Prometheus registry. Safe to call multiple times.
func InitMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(
			invocationsTotal,
			stepsTotal,
			stepRetriesTotal,
			checkpointsTotal,
			deltaAppendsTotal,
			sequenceConflictsTotal,
			reapedSessionsTotal,
		)
	})
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordInvocation counts a finished invocation by terminal status.
func RecordInvocation(status string) {
	invocationsTotal.WithLabelValues(status).Inc()
}

// RecordStep counts an executed step ("ok" or "error").
func RecordStep(status string) {
	stepsTotal.WithLabelValues(status).Inc()
}

// RecordStepRetry counts a retried step.
func RecordStepRetry() {
	stepRetriesTotal.Inc()
}

// RecordCheckpoint counts a saved checkpoint.
func RecordCheckpoint() {
	checkpointsTotal.Inc()
}

// RecordDeltaAppend counts an appended delta.
func RecordDeltaAppend() {
	deltaAppendsTotal.Inc()
}

// RecordSequenceConflict counts an append sequence conflict.
func RecordSequenceConflict() {
	sequenceConflictsTotal.Inc()
}

// RecordReapedSession counts a session purged by retention.
func RecordReapedSession() {
	reapedSessionsTotal.Inc()
}
