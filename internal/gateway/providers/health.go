package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/metrics"
)

// BreakerConfig holds per-provider circuit breaker settings
type BreakerConfig struct {
	MaxRequests uint32        // max requests allowed in half-open state
	Interval    time.Duration // cyclic period of the closed state to clear counts
	Timeout     time.Duration // period of the open state before transitioning to half-open
}

// DefaultBreakerConfig trips at 50% failures over at least 5 calls
var DefaultBreakerConfig = BreakerConfig{
	MaxRequests: 1,
	Interval:    time.Minute,
	Timeout:     30 * time.Second,
}

// Provider health labels
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

const statsWindow = 20

type providerStats struct {
	successes   int64
	failures    int64
	lastError   string
	lastLatency time.Duration
	lastAt      time.Time

	window [statsWindow]bool
	n      int
	next   int
}

func (s *providerStats) add(ok bool) {
	s.window[s.next] = ok
	s.next = (s.next + 1) % statsWindow
	if s.n < statsWindow {
		s.n++
	}
}

func (s *providerStats) failureRatio() float64 {
	if s.n == 0 {
		return 0
	}
	failed := 0
	for i := 0; i < s.n; i++ {
		if !s.window[i] {
			failed++
		}
	}
	return float64(failed) / float64(s.n)
}

// ProviderHealth is a point-in-time view of one provider
type ProviderHealth struct {
	Status        string     `json:"status"`
	CircuitState  string     `json:"circuit_state"`
	Successes     int64      `json:"successes"`
	Failures      int64      `json:"failures"`
	LastError     string     `json:"last_error,omitempty"`
	LastLatencyMs int64      `json:"last_latency_ms"`
	LastCallAt    *time.Time `json:"last_call_at,omitempty"`
}

// Health tracks circuit breakers and recent outcomes per provider
type Health struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker[any]
	stats    map[string]*providerStats
	config   BreakerConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewHealth creates a health tracker
func NewHealth(config BreakerConfig, m *metrics.Metrics, logger *slog.Logger) *Health {
	if logger == nil {
		logger = slog.Default()
	}
	return &Health{
		breakers: make(map[string]*gobreaker.CircuitBreaker[any]),
		stats:    make(map[string]*providerStats),
		config:   config,
		metrics:  m,
		logger:   logger,
	}
}

func (h *Health) breaker(name string) *gobreaker.CircuitBreaker[any] {
	h.mu.RLock()
	cb, exists := h.breakers[name]
	h.mu.RUnlock()
	if exists {
		return cb
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if cb, exists = h.breakers[name]; exists {
		return cb
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: h.config.MaxRequests,
		Interval:    h.config.Interval,
		Timeout:     h.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !countsAgainstProvider(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			h.logger.Warn("circuit breaker state change",
				"provider", name,
				"from", from.String(),
				"to", to.String())
			h.metrics.SetCircuitBreakerState(name, stateToInt(to))
		},
	}

	cb = gobreaker.NewCircuitBreaker[any](settings)
	h.breakers[name] = cb
	return cb
}

// Execute runs fn through the provider's breaker and records the outcome.
// A rejected call surfaces as KindUnavailable.
func (h *Health) Execute(ctx context.Context, name string, fn func() (any, error)) (any, error) {
	start := time.Now()
	result, err := h.breaker(name).Execute(func() (any, error) {
		if ctx.Err() != nil {
			return nil, transportError(name, ctx.Err(), Credential{})
		}
		return fn()
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		h.logger.Warn("circuit breaker rejected request", "provider", name, "reason", err.Error())
		return nil, &Error{
			Kind:     KindUnavailable,
			Provider: name,
			Message:  fmt.Sprintf("provider unavailable: %v", err),
			Cause:    err,
		}
	}

	h.record(name, err, time.Since(start))
	return result, err
}

func (h *Health) record(name string, err error, latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.stats[name]
	if !ok {
		s = &providerStats{}
		h.stats[name] = s
	}
	s.lastLatency = latency
	s.lastAt = time.Now()
	if err == nil || !countsAgainstProvider(err) {
		s.successes++
		s.add(true)
		return
	}
	s.failures++
	s.lastError = err.Error()
	s.add(false)
}

// State returns the breaker state name for a provider
func (h *Health) State(name string) string {
	return h.breaker(name).State().String()
}

// Status summarizes a provider's recent health
func (h *Health) Status(name string) ProviderHealth {
	state := h.breaker(name).State()

	h.mu.RLock()
	defer h.mu.RUnlock()

	out := ProviderHealth{Status: StatusHealthy, CircuitState: state.String()}
	if s, ok := h.stats[name]; ok {
		out.Successes = s.successes
		out.Failures = s.failures
		out.LastError = s.lastError
		out.LastLatencyMs = s.lastLatency.Milliseconds()
		at := s.lastAt
		out.LastCallAt = &at
		if s.failureRatio() >= 0.25 {
			out.Status = StatusDegraded
		}
	}
	switch state {
	case gobreaker.StateOpen:
		out.Status = StatusUnhealthy
	case gobreaker.StateHalfOpen:
		out.Status = StatusDegraded
	}
	return out
}

// Probe checks a local provider's health endpoint
func Probe(ctx context.Context, client *http.Client, url string) error {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health probe returned status %d", resp.StatusCode)
	}
	return nil
}

// stateToInt converts a breaker state for the metrics gauge.
// 0=closed, 1=half-open, 2=open
func stateToInt(state gobreaker.State) int {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
