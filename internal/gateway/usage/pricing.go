package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/metrics"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/models"
)

// PricingStore loads the pricing table
type PricingStore interface {
	ListModelPricing(ctx context.Context) ([]models.ModelPricing, error)
}

type pricingTable map[string]models.ModelPricing

func pricingKey(provider, model string) string {
	return provider + "/" + model
}

// Pricing is a read-mostly snapshot of model_pricing. Readers never block;
// a refresh swaps the whole table.
type Pricing struct {
	store    PricingStore
	snapshot atomic.Pointer[pricingTable]
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewPricing creates an empty pricing snapshot
func NewPricing(store PricingStore, m *metrics.Metrics, logger *slog.Logger) *Pricing {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pricing{
		store:   store,
		metrics: m,
		logger:  logger.With("component", "pricing"),
		cron:    cron.New(),
	}
	empty := pricingTable{}
	p.snapshot.Store(&empty)
	return p
}

// Refresh reloads the table. On error the previous snapshot stays.
func (p *Pricing) Refresh(ctx context.Context) error {
	rows, err := p.store.ListModelPricing(ctx)
	if err != nil {
		p.metrics.RecordPricingRefreshError()
		return fmt.Errorf("load model pricing: %w", err)
	}
	table := make(pricingTable, len(rows))
	for _, row := range rows {
		table[pricingKey(row.Provider, row.Model)] = row
	}
	p.snapshot.Store(&table)
	p.metrics.SetPricingEntries(len(table))
	return nil
}

// Lookup returns the rates for a provider model
func (p *Pricing) Lookup(provider, model string) (models.ModelPricing, bool) {
	table := *p.snapshot.Load()
	row, ok := table[pricingKey(provider, model)]
	return row, ok
}

// All returns the snapshot sorted by provider and model
func (p *Pricing) All() []models.ModelPricing {
	table := *p.snapshot.Load()
	out := make([]models.ModelPricing, 0, len(table))
	for _, row := range table {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Model < out[j].Model
	})
	return out
}

// Start loads the table once, then refreshes it on schedule until Stop or
// ctx is done. A failed initial load is logged, not fatal.
func (p *Pricing) Start(ctx context.Context, schedule string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.Refresh(ctx); err != nil {
		p.logger.Error("initial pricing load failed", "error", err)
	}
	if schedule == "" {
		p.logger.Info("pricing refresh schedule not configured")
		return nil
	}

	if _, err := p.cron.AddFunc(schedule, func() {
		refreshCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := p.Refresh(refreshCtx); err != nil {
			p.logger.Error("scheduled pricing refresh failed", "error", err)
			return
		}
		p.logger.Debug("pricing refreshed", "entries", len(*p.snapshot.Load()))
	}); err != nil {
		return fmt.Errorf("invalid pricing schedule %q: %w", schedule, err)
	}

	p.cron.Start()
	p.running = true
	p.logger.Info("pricing refresh scheduled", "schedule", schedule, "entries", len(*p.snapshot.Load()))

	go func() {
		<-ctx.Done()
		p.Stop()
	}()
	return nil
}

// Stop halts scheduled refreshes and waits for a running one to finish
func (p *Pricing) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		<-p.cron.Stop().Done()
		p.running = false
	}
}
