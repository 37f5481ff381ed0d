package observability

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_RecordAgentRun(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordAgentRun("coder", "success", 1.5)
	m.RecordAgentRun("coder", "success", 0.5)
	m.RecordAgentRun("coder", "error", 0.1)

	if got := testutil.ToFloat64(m.AgentRunCounter.WithLabelValues("coder", "success")); got != 2 {
		t.Errorf("success runs = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.AgentRunCounter.WithLabelValues("coder", "error")); got != 1 {
		t.Errorf("error runs = %v, want 1", got)
	}
}

func TestMetrics_RecordTokens(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordTokens("anthropic", "claude-sonnet-4-5", 100, 40)
	m.RecordTokens("anthropic", "claude-sonnet-4-5", 50, 10)

	if got := testutil.ToFloat64(m.TokensUsed.WithLabelValues("anthropic", "claude-sonnet-4-5", "input")); got != 150 {
		t.Errorf("input tokens = %v, want 150", got)
	}
	if got := testutil.ToFloat64(m.TokensUsed.WithLabelValues("anthropic", "claude-sonnet-4-5", "output")); got != 50 {
		t.Errorf("output tokens = %v, want 50", got)
	}
}

func TestContextCorrelation(t *testing.T) {
	ctx := context.Background()
	if got := LogAttrs(ctx); len(got) != 0 {
		t.Errorf("empty context should yield no attrs, got %v", got)
	}

	ctx = WithRunID(ctx, "r1")
	ctx = WithSessionID(ctx, "s1")
	ctx = WithToolCallID(ctx, "c1")

	if RunID(ctx) != "r1" || SessionID(ctx) != "s1" || ToolCallID(ctx) != "c1" {
		t.Error("context ids not round-tripped")
	}
	attrs := LogAttrs(ctx)
	if len(attrs) != 6 {
		t.Errorf("expected 6 attr elements, got %d: %v", len(attrs), attrs)
	}
}

func TestStartSpan_NoProvider(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test-op")
	if ctx == nil || span == nil {
		t.Fatal("no-op span should still be usable")
	}
	EndSpan(span, nil)
}
