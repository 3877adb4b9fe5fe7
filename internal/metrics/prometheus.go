// Package metrics exposes relay counters and histograms to Prometheus.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the relay. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsEnded   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Audio metrics
	AudioBytes *prometheus.CounterVec

	// Upstream metrics
	UpstreamEvents *prometheus.CounterVec
	UpstreamErrors *prometheus.CounterVec

	// Tool and fallback metrics
	ToolCalls         *prometheus.CounterVec
	FallbackDecisions *prometheus.CounterVec

	// Backend API metrics
	BackendDuration *prometheus.HistogramVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers all metrics with reg. Passing a fresh prometheus.NewRegistry()
// keeps tests isolated from the default registry.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "callrelay_active_sessions",
			Help: "Current number of live call sessions",
		}),
		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "callrelay_sessions_created_total",
			Help: "Total number of call sessions created",
		}),
		SessionsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callrelay_sessions_ended_total",
			Help: "Total number of call sessions ended, by terminal status",
		}, []string{"status"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "callrelay_session_duration_seconds",
			Help:    "Call session duration",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}),

		AudioBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callrelay_audio_bytes_total",
			Help: "PCM bytes relayed, by direction",
		}, []string{"direction"}),

		UpstreamEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callrelay_upstream_events_total",
			Help: "Events received from the speech engine, by type",
		}, []string{"type"}),
		UpstreamErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callrelay_upstream_errors_total",
			Help: "Speech engine errors, by type and terminality",
		}, []string{"type", "terminal"}),

		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callrelay_tool_calls_total",
			Help: "Tool invocations, by tool and outcome",
		}, []string{"tool", "outcome"}),
		FallbackDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callrelay_fallback_decisions_total",
			Help: "Fallback decisions taken, by action",
		}, []string{"action"}),

		BackendDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "callrelay_backend_request_duration_seconds",
			Help:    "Backend API request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint", "status"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callrelay_http_requests_total",
			Help: "HTTP requests served, by method and status code",
		}, []string{"method", "code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "callrelay_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
	m.ActiveSessions.Inc()
}

func (m *Metrics) RecordSessionEnded(status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionsEnded.WithLabelValues(status).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

func (m *Metrics) RecordAudioIn(n int) {
	if m == nil {
		return
	}
	m.AudioBytes.WithLabelValues("in").Add(float64(n))
}

func (m *Metrics) RecordAudioOut(n int) {
	if m == nil {
		return
	}
	m.AudioBytes.WithLabelValues("out").Add(float64(n))
}

func (m *Metrics) RecordUpstreamEvent(eventType string) {
	if m == nil {
		return
	}
	m.UpstreamEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RecordUpstreamError(errType string, terminal bool) {
	if m == nil {
		return
	}
	m.UpstreamErrors.WithLabelValues(errType, strconv.FormatBool(terminal)).Inc()
}

func (m *Metrics) RecordToolCall(tool string, failed bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
}

func (m *Metrics) RecordFallback(action string) {
	if m == nil {
		return
	}
	m.FallbackDecisions.WithLabelValues(action).Inc()
}

func (m *Metrics) RecordBackendRequest(endpoint string, status int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.BackendDuration.WithLabelValues(endpoint, strconv.Itoa(status)).Observe(durationSeconds)
}

func (m *Metrics) RecordHTTPRequest(method string, status int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method).Observe(durationSeconds)
}
