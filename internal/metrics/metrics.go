// Package metrics exposes Prometheus instrumentation for prompt
// submission, run polling, tool dispatch and the HTTP API. All methods
// are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "counselor"

// Metrics holds the service collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	promptsSubmitted prometheus.Counter
	runsInFlight     prometheus.Gauge
	polls            *prometheus.CounterVec
	runsResolved     *prometheus.CounterVec
	toolCalls        *prometheus.CounterVec
	toolDuration     *prometheus.HistogramVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New creates and registers all collectors, including the Go runtime
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		promptsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prompts_submitted_total",
			Help:      "Prompts accepted and started as engine runs.",
		}),
		runsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_in_flight",
			Help:      "Runs awaiting resolution.",
		}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_polls_total",
			Help:      "Run poll steps by observed engine status.",
		}, []string{"engine_status"}),
		runsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_resolved_total",
			Help:      "Runs that reached a terminal record status.",
		}, []string{"status"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls requested by the engine by outcome (ok, failed, unrecognized).",
		}, []string{"tool", "outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Tool execution latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by route pattern and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.promptsSubmitted,
		m.runsInFlight,
		m.polls,
		m.runsResolved,
		m.toolCalls,
		m.toolDuration,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// PromptSubmitted counts an accepted prompt and marks its run in flight.
func (m *Metrics) PromptSubmitted() {
	if m == nil {
		return
	}
	m.promptsSubmitted.Inc()
	m.runsInFlight.Inc()
}

// RunResumed marks a run recovered at startup as in flight.
func (m *Metrics) RunResumed() {
	if m == nil {
		return
	}
	m.runsInFlight.Inc()
}

// Polled counts one poll step.
func (m *Metrics) Polled(engineStatus string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(engineStatus).Inc()
}

// RunResolved counts a run reaching a terminal status.
func (m *Metrics) RunResolved(status string) {
	if m == nil {
		return
	}
	m.runsResolved.WithLabelValues(status).Inc()
	m.runsInFlight.Dec()
}

// ToolCall records one dispatched tool call.
func (m *Metrics) ToolCall(tool, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
	if outcome != "unrecognized" {
		m.toolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
	}
}

// HTTPRequest records one API request. route is the mux pattern, not
// the raw path, to keep label cardinality bounded.
func (m *Metrics) HTTPRequest(method, route string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
