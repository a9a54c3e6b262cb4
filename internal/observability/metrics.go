package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Turns by route and outcome
//   - LLM request latency and token usage
//   - Tool executions by tool and outcome
//   - Human approval decisions and rate-limit decisions
//   - Accounted tokens per billing scope
//
// All methods are safe to call on a nil *Metrics, which records nothing.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.RecordTurn("chat", "complete")
type Metrics struct {
	// TurnCounter counts turns.
	// Labels: route, status (complete|awaiting_approval|error|rate_limited)
	TurnCounter *prometheus.CounterVec

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider, model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|cached|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error|invalid)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ApprovalCounter counts human-in-the-loop decisions.
	// Labels: tool_name, decision (accepted|rejected|validation_error)
	ApprovalCounter *prometheus.CounterVec

	// RateLimitCounter counts rate-limit decisions.
	// Labels: route, decision (allowed|exceeded|bypassed)
	RateLimitCounter *prometheus.CounterVec

	// AccountedTokens counts tokens finalized by accounting scopes.
	// Labels: scope (cached|prompt|completion), basis (reserved|observed)
	AccountedTokens *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg uses
// the Prometheus default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloop_turns_total",
				Help: "Total number of turns by route and status",
			},
			[]string{"route", "status"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentloop_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloop_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloop_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloop_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentloop_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ApprovalCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloop_tool_approvals_total",
				Help: "Total number of human approval decisions by tool",
			},
			[]string{"tool_name", "decision"},
		),

		RateLimitCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloop_ratelimit_decisions_total",
				Help: "Total number of rate-limit checks by route and decision",
			},
			[]string{"route", "decision"},
		),

		AccountedTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloop_accounted_tokens_total",
				Help: "Tokens finalized by accounting scopes",
			},
			[]string{"scope", "basis"},
		),
	}
}

// RecordTurn counts one finished turn.
func (m *Metrics) RecordTurn(route, status string) {
	if m == nil {
		return
	}
	m.TurnCounter.WithLabelValues(route, status).Inc()
}

// RecordLLMRequest records metrics for an LLM API request.
//
// Example:
//
//	start := time.Now()
//	// ... make LLM request ...
//	metrics.RecordLLMRequest("anthropic", "claude-sonnet-4", "success", time.Since(start).Seconds(), 100, 20, 500)
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, cachedTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if cachedTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "cached").Add(float64(cachedTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records metrics for a tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordApproval counts a human-in-the-loop decision.
func (m *Metrics) RecordApproval(toolName, decision string) {
	if m == nil {
		return
	}
	m.ApprovalCounter.WithLabelValues(toolName, decision).Inc()
}

// RecordRateLimit counts a rate-limit decision.
func (m *Metrics) RecordRateLimit(route, decision string) {
	if m == nil {
		return
	}
	m.RateLimitCounter.WithLabelValues(route, decision).Inc()
}

// RecordAccountedTokens adds finalized tokens for a scope.
func (m *Metrics) RecordAccountedTokens(scope, basis string, tokens int) {
	if m == nil || tokens <= 0 {
		return
	}
	m.AccountedTokens.WithLabelValues(scope, basis).Add(float64(tokens))
}
