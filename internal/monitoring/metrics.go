package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics of the broker. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RateLimited     prometheus.Counter

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsRemoved *prometheus.CounterVec

	// Subprocess metrics
	Executions        *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
}

// NewMetrics creates a collector set on its own registry, so tests and
// multiple servers in one process never collide on registration.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "koder_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "koder_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"method", "route"},
		),
		RateLimited: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "koder_http_rate_limited_total",
				Help: "Requests rejected by the rate limiter",
			},
		),

		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "koder_sessions_active",
				Help: "Number of live chat sessions",
			},
		),
		SessionsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "koder_sessions_created_total",
				Help: "Total number of sessions created",
			},
		),
		SessionsRemoved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "koder_sessions_removed_total",
				Help: "Total number of sessions removed, by reason",
			},
			[]string{"reason"},
		),

		Executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "koder_executions_total",
				Help: "Assistant subprocess executions, by command and outcome",
			},
			[]string{"command", "outcome"},
		),
		ExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "koder_execution_duration_seconds",
				Help:    "Assistant subprocess wall time in seconds",
				Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"command"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, route, status).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RateLimitRejected counts a request refused with 429.
func (m *Metrics) RateLimitRejected() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

// SessionCreated records a new session and the resulting live count.
func (m *Metrics) SessionCreated(active int) {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
	m.SessionsActive.Set(float64(active))
}

// SessionsRemovedBy records n removals for reason and the resulting live count.
func (m *Metrics) SessionsRemovedBy(reason string, n, active int) {
	if m == nil {
		return
	}
	m.SessionsRemoved.WithLabelValues(reason).Add(float64(n))
	m.SessionsActive.Set(float64(active))
}

// ExecutionFinished records one subprocess run.
func (m *Metrics) ExecutionFinished(command, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(command, outcome).Inc()
	m.ExecutionDuration.WithLabelValues(command).Observe(duration.Seconds())
}
