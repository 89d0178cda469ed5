package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the provisioning orchestrator.
// A disabled instance is a safe no-op.
type Metrics struct {
	config MetricsConfig

	sessionsStarted   prometheus.Counter
	sessionsCompleted *prometheus.CounterVec
	sessionDuration   *prometheus.HistogramVec
	activeSessions    prometheus.Gauge

	stageOutcomes *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	stageRetries  *prometheus.CounterVec

	staleSessionsSwept prometheus.Counter
	notifyFailures     prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total number of provisioning sessions started",
		}),
		sessionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_completed_total",
			Help:      "Total number of sessions reaching a terminal state",
		}, []string{"status"}),
		sessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "End-to-end session duration in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}, []string{"status"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions currently being advanced",
		}),
		stageOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_outcomes_total",
			Help:      "Stage executor outcomes by stage and result",
		}, []string{"stage", "outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_attempt_duration_seconds",
			Help:      "Duration of individual stage attempts in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		stageRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_retries_total",
			Help:      "Total number of stage attempt retries",
		}, []string{"stage"}),
		staleSessionsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_sessions_swept_total",
			Help:      "Non-terminal sessions marked failed by the reconciler",
		}),
		notifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_failures_total",
			Help:      "Best-effort notification dispatches that failed",
		}),
	}

	registry.MustRegister(
		m.sessionsStarted,
		m.sessionsCompleted,
		m.sessionDuration,
		m.activeSessions,
		m.stageOutcomes,
		m.stageDuration,
		m.stageRetries,
		m.staleSessionsSwept,
		m.notifyFailures,
	)

	return m, nil
}

// NopMetrics returns a disabled metrics instance.
func NopMetrics() *Metrics {
	return &Metrics{}
}

// enabled reports whether collectors were registered.
func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordSessionStarted increments the started counter and active gauge.
func (m *Metrics) RecordSessionStarted() {
	if !m.enabled() {
		return
	}
	m.sessionsStarted.Inc()
	m.activeSessions.Inc()
}

// RecordSessionCompleted records a terminal session transition.
func (m *Metrics) RecordSessionCompleted(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.sessionsCompleted.WithLabelValues(status).Inc()
	m.sessionDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeSessions.Dec()
}

// RecordStageOutcome records a stage executor's final outcome.
func (m *Metrics) RecordStageOutcome(stage, outcome string) {
	if !m.enabled() {
		return
	}
	m.stageOutcomes.WithLabelValues(stage, outcome).Inc()
}

// ObserveStageDuration records one stage attempt's duration.
func (m *Metrics) ObserveStageDuration(stage string, d time.Duration) {
	if !m.enabled() {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordStageRetry increments the retry counter for a stage.
func (m *Metrics) RecordStageRetry(stage string) {
	if !m.enabled() {
		return
	}
	m.stageRetries.WithLabelValues(stage).Inc()
}

// RecordStaleSessions adds to the reconciler sweep counter.
func (m *Metrics) RecordStaleSessions(n int64) {
	if !m.enabled() {
		return
	}
	m.staleSessionsSwept.Add(float64(n))
}

// RecordNotifyFailure increments the notification failure counter.
func (m *Metrics) RecordNotifyFailure() {
	if !m.enabled() {
		return
	}
	m.notifyFailures.Inc()
}

// Handler returns the HTTP handler exposing the registry, or a 404 handler
// when metrics are disabled.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
