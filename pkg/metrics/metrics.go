// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// SessionsByStatus tracks sessions currently held, by status.
	SessionsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "presence_sessions",
			Help: "Sessions held in memory by status",
		},
		[]string{"status"},
	)

	// SessionTransitions counts status changes.
	SessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_session_transitions_total",
			Help: "Session status transitions",
		},
		[]string{"to", "cause"},
	)

	// EventsAppended counts events accepted by the event store.
	EventsAppended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "presence_events_appended_total",
			Help: "Events appended to the event store",
		},
	)

	// EventsEvicted counts events dropped by the per-session cap.
	EventsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "presence_events_evicted_total",
			Help: "Events evicted because a session exceeded its cap",
		},
	)

	// EventsPurged counts events removed by purge and orphan cleanup.
	EventsPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "presence_events_purged_total",
			Help: "Events removed by purge operations",
		},
	)

	// HookRegistrations counts hook registration attempts by outcome.
	HookRegistrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_hook_registrations_total",
			Help: "Hook registration attempts",
		},
		[]string{"outcome"},
	)

	// HooksActive tracks live hook registrations.
	HooksActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "presence_hooks_active",
			Help: "Active hook registrations",
		},
	)

	// BrowserSessionsActive tracks live browser sessions.
	BrowserSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "presence_browser_sessions",
			Help: "Browser sessions held in memory",
		},
	)

	// SweepDuration tracks cleanup pass duration.
	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "presence_sweep_duration_seconds",
			Help:    "Cleanup sweep pass duration",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		},
	)

	// SweepActions counts what sweep passes did.
	SweepActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_sweep_actions_total",
			Help: "Entities processed by cleanup sweeps",
		},
		[]string{"action"},
	)

	// StreamSubscribers tracks connected SSE and WebSocket subscribers.
	StreamSubscribers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "presence_stream_subscribers",
			Help: "Connected push subscribers",
		},
		[]string{"transport"},
	)

	// NATSPublishFailures counts change notifications that could not be published.
	NATSPublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "presence_nats_publish_failures_total",
			Help: "Change notifications that failed to publish to NATS",
		},
	)

	// NATSConnected is 1 while the change publisher holds a NATS connection.
	NATSConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "presence_nats_connected",
			Help: "Whether the NATS connection is up",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordTransition records a session status change.
func RecordTransition(to, cause string) {
	SessionTransitions.WithLabelValues(to, cause).Inc()
}

// RecordSweep records one sweep pass.
func RecordSweep(duration float64, ended, deleted, purged int) {
	SweepDuration.Observe(duration)
	SweepActions.WithLabelValues("ended").Add(float64(ended))
	SweepActions.WithLabelValues("deleted").Add(float64(deleted))
	SweepActions.WithLabelValues("purged_events").Add(float64(purged))
}

// IncrementStreamSubscribers increments the subscriber count for a transport.
func IncrementStreamSubscribers(transport string) {
	StreamSubscribers.WithLabelValues(transport).Inc()
}

// DecrementStreamSubscribers decrements the subscriber count for a transport.
func DecrementStreamSubscribers(transport string) {
	StreamSubscribers.WithLabelValues(transport).Dec()
}
