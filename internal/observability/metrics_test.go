package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsIsolatedRegistry(t *testing.T) {
	// Two instances on separate registries must not collide.
	a := NewMetrics(prometheus.NewRegistry())
	b := NewMetrics(prometheus.NewRegistry())
	if a == nil || b == nil {
		t.Fatal("NewMetrics() returned nil")
	}
}

func TestRecordTurn(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordTurn("chat", "complete")
	m.RecordTurn("chat", "complete")
	m.RecordTurn("chat", "awaiting_approval")

	expected := `
		# HELP agentloop_turns_total Total number of turns by route and status
		# TYPE agentloop_turns_total counter
		agentloop_turns_total{route="chat",status="awaiting_approval"} 1
		agentloop_turns_total{route="chat",status="complete"} 2
	`
	if err := testutil.CollectAndCompare(m.TurnCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestRecordLLMRequestTokens(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordLLMRequest("openai", "gpt-4o", "success", 0.5, 100, 40, 0)

	if got := testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("openai", "gpt-4o", "prompt")); got != 100 {
		t.Errorf("prompt tokens = %v, want 100", got)
	}
	if got := testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("openai", "gpt-4o", "cached")); got != 40 {
		t.Errorf("cached tokens = %v, want 40", got)
	}
	// Zero completion tokens must not create a series.
	if count := testutil.CollectAndCount(m.LLMTokensUsed); count != 2 {
		t.Errorf("token series = %d, want 2", count)
	}
	if got := testutil.ToFloat64(m.LLMRequestCounter.WithLabelValues("openai", "gpt-4o", "success")); got != 1 {
		t.Errorf("request counter = %v, want 1", got)
	}
}

func TestRecordToolAndApproval(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordToolExecution("get_weather", "success", 0.2)
	m.RecordToolExecution("get_weather", "error", 0.1)
	m.RecordApproval("get_weather", "rejected")
	m.RecordRateLimit("chat", "exceeded")
	m.RecordAccountedTokens("completion", "reserved", 2000)
	m.RecordAccountedTokens("completion", "observed", 0)

	if got := testutil.CollectAndCount(m.ToolExecutionCounter); got != 2 {
		t.Errorf("tool series = %d, want 2", got)
	}
	if got := testutil.ToFloat64(m.ApprovalCounter.WithLabelValues("get_weather", "rejected")); got != 1 {
		t.Errorf("approvals = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RateLimitCounter.WithLabelValues("chat", "exceeded")); got != 1 {
		t.Errorf("rate limit decisions = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.AccountedTokens); got != 1 {
		t.Errorf("accounted series = %d, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordTurn("chat", "complete")
	m.RecordLLMRequest("openai", "gpt-4o", "success", 1, 1, 1, 1)
	m.RecordToolExecution("t", "success", 1)
	m.RecordApproval("t", "accepted")
	m.RecordRateLimit("chat", "allowed")
	m.RecordAccountedTokens("prompt", "observed", 5)
}
