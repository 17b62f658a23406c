// Package telemetry holds the Prometheus collectors shared by the session,
// ingest and analytics layers.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session Metrics
	HeartbeatOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_heartbeats_total",
			Help: "Heartbeats processed, by resulting status",
		},
		[]string{"status"}, // active, renewed, expired
	)

	SessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_transitions_total",
			Help: "Session lifecycle transitions",
		},
		[]string{"event", "reason"},
	)

	// Data quality
	DataQualitySkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_rows_skipped_total",
			Help: "Event rows excluded from aggregates because they failed validation",
		},
		[]string{"source", "reason"},
	)

	// Analytics
	ReportDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analytics_report_duration_seconds",
			Help:    "Time spent building an analytics report",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"report"},
	)

	// Queue
	QueueJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_total",
			Help: "Background jobs by queue and outcome",
		},
		[]string{"queue", "outcome"}, // enqueued, processed, retried, dead_lettered
	)

	// Realtime
	RealtimeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_connections",
			Help: "Open session websocket connections",
		},
	)
)

// TrackHeartbeat records one heartbeat outcome.
func TrackHeartbeat(status string) {
	HeartbeatOutcomes.WithLabelValues(status).Inc()
}

// TrackTransition records a session lifecycle event.
func TrackTransition(event, reason string) {
	SessionTransitions.WithLabelValues(event, reason).Inc()
}

// TrackSkipped records a row dropped by validation.
func TrackSkipped(source, reason string) {
	DataQualitySkipped.WithLabelValues(source, reason).Inc()
}

// TrackReport times an analytics report; call ObserveDuration on the result.
func TrackReport(report string) *prometheus.Timer {
	return prometheus.NewTimer(ReportDuration.WithLabelValues(report))
}

// TrackJob records a queue job outcome.
func TrackJob(queue, outcome string) {
	QueueJobs.WithLabelValues(queue, outcome).Inc()
}
