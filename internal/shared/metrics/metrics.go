package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "llm_proxy"

// Metrics holds the proxy's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	RequestsTotal        *prometheus.CounterVec
	UpstreamAttempts     *prometheus.CounterVec
	UpstreamLatency      *prometheus.HistogramVec
	FallbacksTotal       *prometheus.CounterVec
	CostUSDTotal         *prometheus.CounterVec
	TokensTotal          *prometheus.CounterVec
	UsageDroppedTotal    prometheus.Counter
	UsageWriteErrors     prometheus.Counter
	AuthFailuresTotal    *prometheus.CounterVec
	CircuitBreakerState  *prometheus.GaugeVec
	PricingEntries       prometheus.Gauge
	PricingRefreshErrors prometheus.Counter
}

var latencyBuckets = []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120}

// New creates and registers all collectors on reg
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Proxy requests by capability and outcome",
		}, []string{"capability", "outcome"}),
		UpstreamAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "attempts_total",
			Help:      "Upstream attempts by provider and result",
		}, []string{"provider", "capability", "result"}),
		UpstreamLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "duration_seconds",
			Help:      "Upstream call duration",
			Buckets:   latencyBuckets,
		}, []string{"provider", "capability"}),
		FallbacksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Requests served by a provider other than the first candidate",
		}, []string{"capability", "provider"}),
		CostUSDTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "cost_usd_total",
			Help:      "Accumulated cost in USD",
		}, []string{"provider"}),
		TokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "tokens_total",
			Help:      "Tokens by provider and direction",
		}, []string{"provider", "direction"}),
		UsageDroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "dropped_total",
			Help:      "Usage records dropped because the write queue stayed full",
		}),
		UsageWriteErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "write_errors_total",
			Help:      "Usage records that failed to persist",
		}),
		AuthFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "failures_total",
			Help:      "Authentication failures by reason",
		}, []string{"reason"}),
		CircuitBreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Breaker state per provider (0=closed, 1=half-open, 2=open)",
		}, []string{"provider"}),
		PricingEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pricing",
			Name:      "entries",
			Help:      "Model pricing rows in the in-memory snapshot",
		}),
		PricingRefreshErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pricing",
			Name:      "refresh_errors_total",
			Help:      "Failed pricing snapshot refreshes",
		}),
	}
}

func (m *Metrics) RecordRequest(capability, outcome string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(capability, outcome).Inc()
}

func (m *Metrics) RecordAttempt(provider, capability, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamAttempts.WithLabelValues(provider, capability, result).Inc()
	if d > 0 {
		m.UpstreamLatency.WithLabelValues(provider, capability).Observe(d.Seconds())
	}
}

func (m *Metrics) RecordFallback(capability, provider string) {
	if m == nil {
		return
	}
	m.FallbacksTotal.WithLabelValues(capability, provider).Inc()
}

func (m *Metrics) RecordUsage(provider string, input, output int, costUSD float64) {
	if m == nil {
		return
	}
	m.TokensTotal.WithLabelValues(provider, "input").Add(float64(input))
	m.TokensTotal.WithLabelValues(provider, "output").Add(float64(output))
	m.CostUSDTotal.WithLabelValues(provider).Add(costUSD)
}

func (m *Metrics) RecordUsageDropped() {
	if m == nil {
		return
	}
	m.UsageDroppedTotal.Inc()
}

func (m *Metrics) RecordUsageWriteError() {
	if m == nil {
		return
	}
	m.UsageWriteErrors.Inc()
}

func (m *Metrics) RecordAuthFailure(reason string) {
	if m == nil {
		return
	}
	m.AuthFailuresTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetCircuitBreakerState(provider string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(provider).Set(float64(state))
}

func (m *Metrics) SetPricingEntries(n int) {
	if m == nil {
		return
	}
	m.PricingEntries.Set(float64(n))
}

func (m *Metrics) RecordPricingRefreshError() {
	if m == nil {
		return
	}
	m.PricingRefreshErrors.Inc()
}
