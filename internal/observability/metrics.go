package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Assistant run lifecycle outcomes (completed, failed, cancelled)
//   - Tool execution counts and latencies
//   - Inbound message flow per conversation channel
//   - Active agent and active run-handler counts
type Metrics struct {
	// RunsStarted counts assistant runs launched.
	RunsStarted prometheus.Counter

	// RunsFinished counts runs by terminal state.
	// Labels: state (completed|failed|cancelled)
	RunsFinished *prometheus.CounterVec

	// ToolExecutions counts tool invocations.
	// Labels: tool, status (success|error)
	ToolExecutions *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// MessagesHandled counts inbound user messages that triggered a run.
	MessagesHandled prometheus.Counter

	// ActiveAgents tracks the number of live agents.
	ActiveAgents prometheus.Gauge

	// ActiveHandlers tracks the number of in-flight response handlers.
	ActiveHandlers prometheus.Gauge

	// PartialUpdates counts coalesced partial message writes.
	PartialUpdates prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics with the default
// registry. Call once at startup; metrics are served by the gateway's
// /metrics endpoint.
func NewMetrics() *Metrics {
	return &Metrics{
		RunsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scrivener_runs_started_total",
			Help: "Total number of assistant runs launched.",
		}),
		RunsFinished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scrivener_runs_finished_total",
			Help: "Total number of assistant runs by terminal state.",
		}, []string{"state"}),
		ToolExecutions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scrivener_tool_executions_total",
			Help: "Total number of tool invocations.",
		}, []string{"tool", "status"}),
		ToolExecutionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scrivener_tool_execution_seconds",
			Help:    "Tool execution latency in seconds.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"tool"}),
		MessagesHandled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scrivener_messages_handled_total",
			Help: "Total number of inbound messages that triggered a run.",
		}),
		ActiveAgents: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "scrivener_active_agents",
			Help: "Number of live AI agents.",
		}),
		ActiveHandlers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "scrivener_active_handlers",
			Help: "Number of in-flight response handlers.",
		}),
		PartialUpdates: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scrivener_partial_updates_total",
			Help: "Number of coalesced partial message updates written.",
		}),
	}
}

// NopMetrics returns a Metrics instance backed by unregistered collectors,
// for use in tests.
func NopMetrics() *Metrics {
	return &Metrics{
		RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{Name: "nop_runs_started"}),
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nop_runs_finished",
		}, []string{"state"}),
		ToolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nop_tool_executions",
		}, []string{"tool", "status"}),
		ToolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "nop_tool_execution_seconds",
		}, []string{"tool"}),
		MessagesHandled: prometheus.NewCounter(prometheus.CounterOpts{Name: "nop_messages_handled"}),
		ActiveAgents:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "nop_active_agents"}),
		ActiveHandlers:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "nop_active_handlers"}),
		PartialUpdates:  prometheus.NewCounter(prometheus.CounterOpts{Name: "nop_partial_updates"}),
	}
}
