package usage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/mrmushfiq/llm0-tenant-proxy/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/database"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/metrics"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/models"
)

func price(provider, model, in, out, cache string) models.ModelPricing {
	return models.ModelPricing{
		Provider:          provider,
		Model:             model,
		InputPer1kTokens:  decimal.RequireFromString(in),
		OutputPer1kTokens: decimal.RequireFromString(out),
		CachePer1kTokens:  decimal.RequireFromString(cache),
	}
}

func TestCalculateCost(t *testing.T) {
	tests := []struct {
		name   string
		price  models.ModelPricing
		tokens models.TokenUsage
		want   string
	}{
		{"input and output", price("openai", "gpt-4o-mini", "0.002", "0.008", "0"), models.TokenUsage{Input: 500, Output: 200}, "0.0026"},
		{"cache billed separately", price("anthropic", "claude", "0.003", "0.015", "0.0003"), models.TokenUsage{Input: 1000, Output: 1000, Cache: 2000}, "0.0186"},
		{"zero tokens", price("openai", "gpt-4o", "0.0025", "0.01", "0"), models.TokenUsage{}, "0"},
		{"tiny amounts keep precision", price("voyage", "voyage-3", "0.00006", "0", "0"), models.TokenUsage{Input: 7}, "0.00000042"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculateCost(tt.price, tt.tokens)
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("CalculateCost() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestPricingCostUnknownModel(t *testing.T) {
	store := database.NewMemory()
	store.SetPricing([]models.ModelPricing{price("openai", "gpt-4o-mini", "0.002", "0.008", "0")})
	p := NewPricing(store, nil, nil)
	if err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	known := p.Cost("openai", "gpt-4o-mini", models.TokenUsage{Input: 500, Output: 200})
	if known.PricingUnknown || known.USD.String() != "0.0026" {
		t.Errorf("known cost = %+v", known)
	}

	unknown := p.Cost("ollama", "nomic-embed-text", models.TokenUsage{Input: 100})
	if !unknown.PricingUnknown || !unknown.USD.IsZero() {
		t.Errorf("unknown cost = %+v", unknown)
	}
}

type failingPricing struct{}

func (failingPricing) ListModelPricing(ctx context.Context) ([]models.ModelPricing, error) {
	return nil, errors.New("connection refused")
}

type swappablePricing struct {
	mu   sync.Mutex
	rows []models.ModelPricing
	err  error
}

func (s *swappablePricing) ListModelPricing(ctx context.Context) ([]models.ModelPricing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows, s.err
}

func TestPricingRefreshKeepsSnapshotOnError(t *testing.T) {
	store := &swappablePricing{rows: []models.ModelPricing{price("openai", "gpt-4o", "0.0025", "0.01", "0")}}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	p := NewPricing(store, m, nil)

	if err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	store.err = errors.New("db down")
	if err := p.Refresh(context.Background()); err == nil {
		t.Fatal("Refresh() succeeded against a failing store")
	}
	if _, ok := p.Lookup("openai", "gpt-4o"); !ok {
		t.Error("snapshot lost after failed refresh")
	}
	if got := testutil.ToFloat64(m.PricingRefreshErrors); got != 1 {
		t.Errorf("refresh errors = %v, want 1", got)
	}
}

func TestPricingStartToleratesInitialFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := NewPricing(failingPricing{}, nil, nil)
	if err := p.Start(ctx, "@every 1h"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	p.Stop()

	if err := NewPricing(failingPricing{}, nil, nil).Start(ctx, "not a schedule"); err == nil {
		t.Error("Start() accepted an invalid schedule")
	}
}

func TestPricingAllSorted(t *testing.T) {
	store := database.NewMemory()
	store.SetPricing([]models.ModelPricing{
		price("openai", "gpt-4o", "1", "1", "0"),
		price("anthropic", "claude", "1", "1", "0"),
		price("openai", "gpt-4", "1", "1", "0"),
	})
	p := NewPricing(store, nil, nil)
	_ = p.Refresh(context.Background())

	var got []string
	for _, row := range p.All() {
		got = append(got, row.Provider+"/"+row.Model)
	}
	if strings.Join(got, ",") != "anthropic/claude,openai/gpt-4,openai/gpt-4o" {
		t.Errorf("All() = %v", got)
	}
}

func TestRecorderWritesAndDrains(t *testing.T) {
	store := database.NewMemory()
	r := NewRecorder(store, RecorderOptions{QueueSize: 4})

	for i := 0; i < 10; i++ {
		if err := r.Record(models.UsageLog{RequestID: "req", Provider: "openai", Status: models.StatusSuccess}); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	logs := store.UsageLogs()
	if len(logs) != 10 {
		t.Fatalf("wrote %d logs, want 10", len(logs))
	}
	if logs[0].ID == "" || logs[0].CreatedAt.IsZero() {
		t.Errorf("log missing id or timestamp: %+v", logs[0])
	}
	if err := r.Record(models.UsageLog{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Record() after Close error = %v, want ErrClosed", err)
	}
}

// blockingStore holds every insert until released
type blockingStore struct {
	release chan struct{}
	mu      sync.Mutex
	n       int
}

func (s *blockingStore) InsertUsageLog(ctx context.Context, log *models.UsageLog) error {
	<-s.release
	s.mu.Lock()
	s.n++
	s.mu.Unlock()
	return nil
}

func TestRecorderDropsWhenFull(t *testing.T) {
	store := &blockingStore{release: make(chan struct{})}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	r := NewRecorder(store, RecorderOptions{QueueSize: 1, FlushTimeout: 10 * time.Millisecond, Metrics: m})

	// one entry held by the worker, one in the queue
	_ = r.Record(models.UsageLog{RequestID: "a"})
	time.Sleep(20 * time.Millisecond)
	_ = r.Record(models.UsageLog{RequestID: "b"})

	start := time.Now()
	err := r.Record(models.UsageLog{RequestID: "c"})
	if err == nil {
		t.Fatal("Record() into a full queue succeeded")
	}
	if waited := time.Since(start); waited > time.Second {
		t.Errorf("Record() blocked for %v", waited)
	}
	if got := testutil.ToFloat64(m.UsageDroppedTotal); got != 1 {
		t.Errorf("dropped = %v, want 1", got)
	}

	close(store.release)
	_ = r.Close(context.Background())
	if store.n != 2 {
		t.Errorf("wrote %d, want 2", store.n)
	}
}

func TestEntryLog(t *testing.T) {
	app := "billing-service"
	res := &providers.Result{Provider: "voyage", Model: "voyage-3", ProviderKeyID: "pk-9", Attempts: 2, FallbackUsed: true, Latency: 1500 * time.Millisecond}
	e := Entry{
		RequestID:      "req-1",
		APIKeyID:       "key-1",
		OrganizationID: "org-1",
		GroupID:        "grp-1",
		AppID:          &app,
		Capability:     providers.CapabilityEmbedding,
		Result:         res,
		Tokens:         models.TokenUsage{Input: 42},
		Cost:           Cost{USD: decimal.RequireFromString("0.0001")},
		Status:         models.StatusSuccess,
		StatusCode:     200,
	}

	log := e.Log()
	if log.Provider != "voyage" || log.Attempts != 2 || !log.FallbackUsed || log.LatencyMs != 1500 {
		t.Errorf("log = %+v", log)
	}
	if log.ProviderKeyID == nil || *log.ProviderKeyID != "pk-9" || log.AppID == nil || *log.AppID != app {
		t.Errorf("references = %v %v", log.ProviderKeyID, log.AppID)
	}
	if log.ErrorMessage != nil || log.Capability != "embedding" {
		t.Errorf("log = %+v", log)
	}

	e.Err = &providers.Error{Kind: providers.KindAllProvidersFailed, Message: "all providers failed"}
	e.Status = models.StatusFailed
	if msg := e.Log().ErrorMessage; msg == nil || *msg == "" {
		t.Error("failed entry has no error message")
	}
}

func TestMetadataJSON(t *testing.T) {
	res := &providers.Result{Provider: "openai", Model: "gpt-4o-mini", Attempts: 1, Latency: 250 * time.Millisecond}
	meta := NewMetadata("req-7", res, Cost{USD: decimal.RequireFromString("0.0026")})
	meta.Dimensions = 1536

	data, err := json.Marshal(meta)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	for _, want := range []string{`"cost_usd":0.0026`, `"latency_ms":250`, `"dimensions":1536`, `"request_id":"req-7"`, `"pricing_unknown":false`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("metadata %s missing %s", data, want)
		}
	}
	if strings.Contains(string(data), "duration_seconds") {
		t.Errorf("metadata %s has unset duration", data)
	}
}
