package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects runtime metrics for the agent core.
//
// Built on Prometheus; tracks tool invocation outcomes and latency,
// capability decisions, LLM request performance and token use, run
// outcomes, and event-store throughput.
type Metrics struct {
	// ToolInvocations counts tool invocations by tool and outcome.
	// Labels: tool, status (success|error|denied|timeout|not_found)
	ToolInvocations *prometheus.CounterVec

	// ToolDuration measures tool call latency in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// CapabilityDecisions counts policy decisions.
	// Labels: kind (fs_read|fs_write|net_http|exec|secrets_read), decision (allow|deny)
	CapabilityDecisions *prometheus.CounterVec

	// LLMRequests counts LLM calls by provider, model, and outcome.
	// Labels: provider, model, status (success|error)
	LLMRequests *prometheus.CounterVec

	// LLMRequestDuration measures LLM call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokens tracks token consumption.
	// Labels: provider, model, type (input|output)
	LLMTokens *prometheus.CounterVec

	// Runs counts completed runs by terminal status.
	// Labels: status (succeeded|failed)
	Runs *prometheus.CounterVec

	// ActiveRuns gauges runs currently executing.
	ActiveRuns prometheus.Gauge

	// EventAppends counts event log writes by kind and outcome.
	// Labels: kind, status (success|error)
	EventAppends *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the default
// Prometheus registry. Call once at startup.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics with the given registerer.
// Tests use this with a fresh registry to avoid duplicate registration.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ToolInvocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_tool_invocations_total",
				Help: "Total tool invocations by tool and outcome",
			},
			[]string{"tool", "status"},
		),

		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_tool_duration_seconds",
				Help:    "Duration of tool calls in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 15, 30},
			},
			[]string{"tool"},
		),

		CapabilityDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_capability_decisions_total",
				Help: "Total capability checks by kind and decision",
			},
			[]string{"kind", "decision"},
		),

		LLMRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_llm_requests_total",
				Help: "Total LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_llm_tokens_total",
				Help: "Total tokens consumed by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		Runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_runs_total",
				Help: "Total completed runs by terminal status",
			},
			[]string{"status"},
		),

		ActiveRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_active_runs",
				Help: "Number of runs currently executing",
			},
		),

		EventAppends: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_event_appends_total",
				Help: "Total event log appends by kind and status",
			},
			[]string{"kind", "status"},
		),
	}
}

// RecordToolInvocation records one tool call outcome and its latency.
func (m *Metrics) RecordToolInvocation(tool, status string, durationSeconds float64) {
	m.ToolInvocations.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordCapabilityDecision records one policy check outcome.
func (m *Metrics) RecordCapabilityDecision(kind string, allowed bool) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	m.CapabilityDecisions.WithLabelValues(kind, decision).Inc()
}

// RecordLLMRequest records one LLM call with its latency and token use.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, inputTokens, outputTokens int) {
	m.LLMRequests.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if inputTokens > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RunStarted increments the active-runs gauge.
func (m *Metrics) RunStarted() {
	m.ActiveRuns.Inc()
}

// RunEnded decrements the active-runs gauge and counts the outcome.
func (m *Metrics) RunEnded(status string) {
	m.ActiveRuns.Dec()
	m.Runs.WithLabelValues(status).Inc()
}

// RecordEventAppend counts one event log write.
func (m *Metrics) RecordEventAppend(kind string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.EventAppends.WithLabelValues(kind, status).Inc()
}
