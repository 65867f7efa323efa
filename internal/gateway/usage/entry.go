package usage

import (
	"encoding/json"

	"github.com/mrmushfiq/llm0-tenant-proxy/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/models"
)

// Entry is everything known about a finished call
type Entry struct {
	RequestID      string
	APIKeyID       string
	OrganizationID string
	GroupID        string
	AppID          *string

	Capability providers.Capability
	Result     *providers.Result
	Tokens     models.TokenUsage
	Cost       Cost

	Status     string
	StatusCode int
	Err        error
}

// Log converts an entry into its usage_logs row
func (e Entry) Log() models.UsageLog {
	log := models.UsageLog{
		RequestID:       e.RequestID,
		APIKeyID:        e.APIKeyID,
		OrganizationID:  e.OrganizationID,
		GroupID:         e.GroupID,
		AppID:           e.AppID,
		Capability:      string(e.Capability),
		InputTokens:     e.Tokens.Input,
		OutputTokens:    e.Tokens.Output,
		ReasoningTokens: e.Tokens.Reasoning,
		CacheTokens:     e.Tokens.Cache,
		CostUSD:         e.Cost.USD,
		PricingUnknown:  e.Cost.PricingUnknown,
		Status:          e.Status,
		StatusCode:      e.StatusCode,
	}
	if e.Result != nil {
		log.Provider = e.Result.Provider
		log.Model = e.Result.Model
		log.LatencyMs = int(e.Result.Latency.Milliseconds())
		log.FallbackUsed = e.Result.FallbackUsed
		log.Attempts = e.Result.Attempts
		if e.Result.ProviderKeyID != "" {
			id := e.Result.ProviderKeyID
			log.ProviderKeyID = &id
		}
	}
	if e.Err != nil {
		msg := e.Err.Error()
		log.ErrorMessage = &msg
	}
	return log
}

// Metadata is the _proxy block attached to every successful response
type Metadata struct {
	Provider        string      `json:"provider"`
	Model           string      `json:"model"`
	LatencyMs       int64       `json:"latency_ms"`
	CostUSD         json.Number `json:"cost_usd"`
	PricingUnknown  bool        `json:"pricing_unknown"`
	FallbackUsed    bool        `json:"fallback_used"`
	Attempts        int         `json:"attempts"`
	RequestID       string      `json:"request_id"`
	Dimensions      int         `json:"dimensions,omitempty"`
	DurationSeconds float64     `json:"duration_seconds,omitempty"`
}

// NewMetadata builds the _proxy block for a served call
func NewMetadata(requestID string, res *providers.Result, cost Cost) *Metadata {
	return &Metadata{
		Provider:       res.Provider,
		Model:          res.Model,
		LatencyMs:      res.Latency.Milliseconds(),
		CostUSD:        cost.JSON(),
		PricingUnknown: cost.PricingUnknown,
		FallbackUsed:   res.FallbackUsed,
		Attempts:       res.Attempts,
		RequestID:      requestID,
	}
}
