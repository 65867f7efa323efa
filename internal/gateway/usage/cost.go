package usage

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/models"
)

var thousand = decimal.NewFromInt(1000)

// costPrecision matches the numeric(12,8) usage_logs column
const costPrecision = 8

// Cost is the USD charge for one call
type Cost struct {
	USD            decimal.Decimal
	PricingUnknown bool
}

// JSON renders the amount as a bare JSON number
func (c Cost) JSON() json.Number {
	return json.Number(c.USD.String())
}

// CalculateCost prices token usage at per-1K rates. Reasoning tokens are
// already part of the output count.
func CalculateCost(p models.ModelPricing, t models.TokenUsage) decimal.Decimal {
	cost := decimal.NewFromInt(int64(t.Input)).Mul(p.InputPer1kTokens).
		Add(decimal.NewFromInt(int64(t.Output)).Mul(p.OutputPer1kTokens)).
		Add(decimal.NewFromInt(int64(t.Cache)).Mul(p.CachePer1kTokens))
	return cost.Div(thousand).Round(costPrecision)
}

// Cost prices usage from the current snapshot. Unknown models cost zero
// and are flagged.
func (p *Pricing) Cost(provider, model string, t models.TokenUsage) Cost {
	row, ok := p.Lookup(provider, model)
	if !ok {
		return Cost{USD: decimal.Zero, PricingUnknown: true}
	}
	return Cost{USD: CalculateCost(row, t)}
}
