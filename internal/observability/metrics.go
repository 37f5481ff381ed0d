// Package observability provides metrics, tracing, and context correlation
// for the runtime: Prometheus counters and histograms for agent runs, tool
// executions, and orchestrated tasks, OpenTelemetry span helpers, and
// context keys for run/session/call ids.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the centralized Prometheus metric set.
type Metrics struct {
	// AgentRunCounter counts agent executions.
	// Labels: agent, status (success|error)
	AgentRunCounter *prometheus.CounterVec

	// AgentRunDuration measures agent execution time in seconds.
	// Labels: agent
	AgentRunDuration *prometheus.HistogramVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, status (completed|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// TaskCounter counts orchestrated tasks by terminal status.
	// Labels: status (completed|failed|cancelled)
	TaskCounter *prometheus.CounterVec

	// DelegationAgents counts agents spawned per delegation stop reason.
	// Labels: stop_reason
	DelegationAgents *prometheus.CounterVec

	// TokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output)
	TokensUsed *prometheus.CounterVec
}

// NewMetrics creates and registers the metric set on a registerer. Pass
// prometheus.DefaultRegisterer for the process-wide registry; tests pass
// their own registry to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AgentRunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maestro_agent_runs_total",
				Help: "Total number of agent executions by agent and status",
			},
			[]string{"agent", "status"},
		),
		AgentRunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "maestro_agent_run_duration_seconds",
				Help:    "Duration of agent executions in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"agent"},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maestro_tool_executions_total",
				Help: "Total number of tool executions by tool and status",
			},
			[]string{"tool", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "maestro_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		TaskCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maestro_tasks_total",
				Help: "Total number of orchestrated tasks by terminal status",
			},
			[]string{"status"},
		),
		DelegationAgents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maestro_delegation_agents_total",
				Help: "Total number of delegated agents by stop reason",
			},
			[]string{"stop_reason"},
		),
		TokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maestro_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),
	}
}

// RecordAgentRun records one agent execution.
func (m *Metrics) RecordAgentRun(agent, status string, seconds float64) {
	m.AgentRunCounter.WithLabelValues(agent, status).Inc()
	m.AgentRunDuration.WithLabelValues(agent).Observe(seconds)
}

// RecordToolExecution records one tool execution.
func (m *Metrics) RecordToolExecution(tool, status string, seconds float64) {
	m.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(seconds)
}

// RecordTask records one task reaching a terminal status.
func (m *Metrics) RecordTask(status string) {
	m.TaskCounter.WithLabelValues(status).Inc()
}

// RecordTokens records token usage for one provider turn.
func (m *Metrics) RecordTokens(provider, model string, input, output int) {
	m.TokensUsed.WithLabelValues(provider, model, "input").Add(float64(input))
	m.TokensUsed.WithLabelValues(provider, model, "output").Add(float64(output))
}
