package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorders(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordAttempt("openai", "embedding", "upstream_5xx", 20*time.Millisecond)
	m.RecordAttempt("openai", "embedding", "upstream_5xx", 0)
	m.RecordFallback("embedding", "voyage")
	m.RecordUsage("voyage", 500, 200, 0.0026)
	m.RecordUsageDropped()
	m.RecordAuthFailure("revoked")

	if got := testutil.ToFloat64(m.UpstreamAttempts.WithLabelValues("openai", "embedding", "upstream_5xx")); got != 2 {
		t.Errorf("attempts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.FallbacksTotal.WithLabelValues("embedding", "voyage")); got != 1 {
		t.Errorf("fallbacks = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TokensTotal.WithLabelValues("voyage", "input")); got != 500 {
		t.Errorf("input tokens = %v, want 500", got)
	}
	if got := testutil.ToFloat64(m.UsageDroppedTotal); got != 1 {
		t.Errorf("dropped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.AuthFailuresTotal.WithLabelValues("revoked")); got != 1 {
		t.Errorf("auth failures = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordRequest("chat", "success")
	m.RecordAttempt("openai", "chat", "success", time.Second)
	m.RecordUsage("openai", 1, 1, 0.1)
	m.SetCircuitBreakerState("openai", 2)
}
