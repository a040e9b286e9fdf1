package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Request flow through the pipeline by route and status
//   - Cache hit/miss ratios and invalidations
//   - Rate limit rejections by tier
//   - Upstream LLM request performance and token usage
//   - Session and task lifecycle counts
type Metrics struct {
	// RequestCounter counts pipeline requests.
	// Labels: route, status
	RequestCounter *prometheus.CounterVec

	// RequestDuration measures pipeline request latency in seconds.
	// Labels: route
	RequestDuration *prometheus.HistogramVec

	// CacheCounter counts cache lookups by outcome.
	// Labels: outcome (hit|miss)
	CacheCounter *prometheus.CounterVec

	// CacheInvalidations counts tag invalidations.
	// Labels: tag
	CacheInvalidations *prometheus.CounterVec

	// RateLimitRejections counts rejected requests by tier.
	// Labels: tier
	RateLimitRejections *prometheus.CounterVec

	// UpstreamDuration measures upstream LLM call latency in seconds.
	// Labels: model
	UpstreamDuration *prometheus.HistogramVec

	// UpstreamCounter counts upstream LLM requests.
	// Labels: model, status (success|error)
	UpstreamCounter *prometheus.CounterVec

	// UpstreamTokens tracks token consumption.
	// Labels: model, type (input|output)
	UpstreamTokens *prometheus.CounterVec

	// ActiveSessions is a gauge tracking sessions currently active.
	ActiveSessions prometheus.Gauge

	// SessionTransitions counts session state transitions.
	// Labels: transition (start|pause|resume|end)
	SessionTransitions *prometheus.CounterVec

	// TaskCounter counts agent task executions.
	// Labels: type, status (completed|failed)
	TaskCounter *prometheus.CounterVec

	// ErrorCounter tracks normalized errors by type.
	// Labels: error_type
	ErrorCounter *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics on a private
// registry. Use Registry() to expose them over HTTP.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := newMetrics(reg)
	m.registry = reg
	return m
}

// Registry returns the registry holding all conduit metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		RequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_requests_total",
				Help: "Total pipeline requests by route and status",
			},
			[]string{"route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conduit_request_duration_seconds",
				Help:    "Pipeline request duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"route"},
		),
		CacheCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_cache_lookups_total",
				Help: "Response cache lookups by outcome",
			},
			[]string{"outcome"},
		),
		CacheInvalidations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_cache_invalidations_total",
				Help: "Response cache tag invalidations",
			},
			[]string{"tag"},
		),
		RateLimitRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_ratelimit_rejections_total",
				Help: "Requests rejected by the rate limiter, by tier",
			},
			[]string{"tier"},
		),
		UpstreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conduit_upstream_duration_seconds",
				Help:    "Upstream LLM request duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"model"},
		),
		UpstreamCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_upstream_requests_total",
				Help: "Upstream LLM requests by model and status",
			},
			[]string{"model", "status"},
		),
		UpstreamTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_upstream_tokens_total",
				Help: "Upstream token usage by model and type",
			},
			[]string{"model", "type"},
		),
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "conduit_active_sessions",
				Help: "Number of sessions currently in the active state",
			},
		),
		SessionTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_session_transitions_total",
				Help: "Session state machine transitions",
			},
			[]string{"transition"},
		),
		TaskCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_agent_tasks_total",
				Help: "Agent task executions by type and status",
			},
			[]string{"type", "status"},
		),
		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_errors_total",
				Help: "Normalized errors by type",
			},
			[]string{"error_type"},
		),
	}
	return m
}
