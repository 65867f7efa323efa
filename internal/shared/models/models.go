package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Organization is the top-level tenant boundary
type Organization struct {
	ID        string
	Name      string
	OwnerID   string
	CreatedAt time.Time
}

// Group is the isolation unit inside an organization. It owns API keys and
// provider credentials.
type Group struct {
	ID             string
	OrganizationID string
	Name           string
	IsDefault      bool
	CreatedAt      time.Time
}

// APIKey represents a proxy-issued caller credential
type APIKey struct {
	ID           string
	GroupID      string
	KeyHash      string
	KeyPrefix    string
	Name         string
	EncryptedKey string `json:"-"`

	// ProviderKeyOverrides maps a provider name to a ProviderKey ID
	ProviderKeyOverrides map[string]string

	RateLimitPerMinute int
	RevokedAt          *time.Time
	LastUsedAt         *time.Time
	CreatedAt          time.Time
}

// Revoked reports whether the key has been revoked
func (k *APIKey) Revoked() bool {
	return k.RevokedAt != nil
}

// ProviderAccount scopes provider keys to one upstream provider and one group
type ProviderAccount struct {
	ID         string
	GroupID    string
	ProviderID string
	Name       string
	IsActive   bool
	CreatedAt  time.Time
}

// ProviderKey is an upstream credential, held encrypted
type ProviderKey struct {
	ID                string
	ProviderAccountID string
	GroupID           string
	ProviderID        string
	Name              string
	EncryptedKey      string `json:"-"`
	KeySuffix         string
	IsDefault         bool
	RevokedAt         *time.Time
	LastTestStatus    string
	LastTestedAt      *time.Time
	CreatedAt         time.Time
}

// Revoked reports whether the provider key has been revoked
func (k *ProviderKey) Revoked() bool {
	return k.RevokedAt != nil
}

// ModelPricing holds per-1K-token rates for a provider model
type ModelPricing struct {
	Provider          string
	Model             string
	InputPer1kTokens  decimal.Decimal
	OutputPer1kTokens decimal.Decimal
	CachePer1kTokens  decimal.Decimal
	UpdatedAt         time.Time
}

// Usage outcome statuses
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusAborted = "aborted"
)

// UsageLog is the immutable accounting entry for one proxied call
type UsageLog struct {
	ID              string
	RequestID       string
	APIKeyID        string
	ProviderKeyID   *string
	OrganizationID  string
	GroupID         string
	Capability      string
	Provider        string
	Model           string
	InputTokens     int
	OutputTokens    int
	ReasoningTokens int
	CacheTokens     int
	CostUSD         decimal.Decimal
	PricingUnknown  bool
	LatencyMs       int
	AppID           *string
	Status          string
	StatusCode      int
	ErrorMessage    *string
	FallbackUsed    bool
	Attempts        int
	CreatedAt       time.Time
}

// TokenUsage is token accounting normalized across providers
type TokenUsage struct {
	Input     int `json:"input_tokens"`
	Output    int `json:"output_tokens"`
	Reasoning int `json:"reasoning_tokens,omitempty"`
	Cache     int `json:"cache_tokens,omitempty"`
}

// Any reports whether any tokens were counted
func (t TokenUsage) Any() bool {
	return t.Input > 0 || t.Output > 0 || t.Reasoning > 0 || t.Cache > 0
}
