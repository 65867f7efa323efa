// Package handlers is the HTTP surface of the proxy. Every endpoint runs the
// same pipeline: authenticated scope, routed upstream call, priced usage log.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/mrmushfiq/llm0-tenant-proxy/internal/gateway/auth"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/gateway/tenant"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/gateway/usage"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/metrics"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/models"
)

// Router routes capability calls across providers
type Router interface {
	RouteChat(ctx context.Context, scope providers.CredentialSource, req providers.ChatRequest) (*providers.ChatResponse, *providers.Result, error)
	RouteChatStream(ctx context.Context, scope providers.CredentialSource, req providers.ChatRequest) (*providers.Stream, error)
	RouteEmbedding(ctx context.Context, scope providers.CredentialSource, req providers.EmbeddingRequest) (*providers.EmbeddingResponse, *providers.Result, error)
	RouteTranscription(ctx context.Context, scope providers.CredentialSource, req providers.TranscriptionRequest) (*providers.TranscriptionResponse, *providers.Result, error)
	Providers(scope providers.CredentialSource) []providers.ProviderInfo
	FallbackOrder() map[providers.Capability][]string
	ProbeLocal(ctx context.Context) map[string]error
}

// Pricer prices token usage
type Pricer interface {
	Cost(provider, model string, t models.TokenUsage) usage.Cost
}

// UsageRecorder accepts finished usage logs
type UsageRecorder interface {
	Record(entry models.UsageLog) error
}

type Handler struct {
	router   Router
	pricing  Pricer
	recorder UsageRecorder
	metrics  *metrics.Metrics
	logger   *slog.Logger

	// encryption is the startup vault check, nil when it was not run
	encryption *tenant.EncryptionStatus
}

func NewHandler(router Router, pricing Pricer, recorder UsageRecorder, m *metrics.Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		router:   router,
		pricing:  pricing,
		recorder: recorder,
		metrics:  m,
		logger:   logger,
	}
}

// SetEncryptionStatus records the startup vault check reported by /health
func (h *Handler) SetEncryptionStatus(st tenant.EncryptionStatus) {
	h.encryption = &st
}

// call carries the per-request accounting context
type call struct {
	requestID  string
	identity   *auth.Identity
	scope      *tenant.Scope
	appID      *string
	capability providers.Capability
	env        envelope
}

// begin collects the authenticated scope and caller labels. It writes a
// 401 and returns false when the auth middleware did not run.
func (h *Handler) begin(w http.ResponseWriter, r *http.Request, capability providers.Capability) (*call, bool) {
	env := envelopeFor(r)
	scope, ok := ScopeFrom(r.Context())
	if !ok {
		writeError(w, env, apiError{Status: http.StatusUnauthorized, Type: "authentication_error", Message: "missing credentials"})
		return nil, false
	}
	id, _ := IdentityFrom(r.Context())

	c := &call{
		requestID:  r.Header.Get("X-Request-Id"),
		identity:   id,
		scope:      scope,
		appID:      appID(r),
		capability: capability,
		env:        env,
	}
	if c.requestID != "" {
		w.Header().Set("X-Request-Id", c.requestID)
	}
	return c, true
}

// appID returns the caller's application label exactly as sent, or nil
func appID(r *http.Request) *string {
	v := r.Header.Get("X-App-Id")
	if v == "" {
		return nil
	}
	return &v
}

// account prices the call and queues its usage log
func (h *Handler) account(c *call, res *providers.Result, tokens models.TokenUsage, status string, statusCode int, callErr error) usage.Cost {
	var cost usage.Cost
	if res != nil && res.Provider != "" {
		cost = h.pricing.Cost(res.Provider, res.Model, tokens)
	}

	entry := usage.Entry{
		RequestID:      c.requestID,
		APIKeyID:       c.scope.APIKeyID,
		OrganizationID: c.scope.OrganizationID,
		GroupID:        c.scope.GroupID,
		AppID:          c.appID,
		Capability:     c.capability,
		Result:         res,
		Tokens:         tokens,
		Cost:           cost,
		Status:         status,
		StatusCode:     statusCode,
		Err:            callErr,
	}
	if err := h.recorder.Record(entry.Log()); err != nil {
		h.logger.Warn("usage log not queued", "request_id", c.requestID, "error", err)
	}
	return cost
}

// succeed accounts a served call and sets the proxy response headers
func (h *Handler) succeed(w http.ResponseWriter, c *call, res *providers.Result, tokens models.TokenUsage) *usage.Metadata {
	cost := h.account(c, res, tokens, models.StatusSuccess, http.StatusOK, nil)
	h.metrics.RecordRequest(string(c.capability), "success")

	meta := usage.NewMetadata(c.requestID, res, cost)
	setProxyHeaders(w, meta)
	return meta
}

// fail writes the error envelope. Only unpinned exhaustion is logged as
// usage; everything else never reached a billable outcome.
func (h *Handler) fail(w http.ResponseWriter, c *call, res *providers.Result, err error) {
	e := classify(err)

	outcome := "error"
	var perr *providers.Error
	if errors.As(err, &perr) {
		outcome = string(perr.Kind)
	}
	if errors.Is(err, providers.ErrAllProvidersFailed) {
		h.account(c, res, models.TokenUsage{}, models.StatusFailed, e.Status, err)
	}
	h.metrics.RecordRequest(string(c.capability), outcome)

	if e.Status == http.StatusInternalServerError {
		h.logger.Error("request failed", "request_id", c.requestID, "capability", c.capability, "error", err)
	}
	writeError(w, c.env, e)
}

func setProxyHeaders(w http.ResponseWriter, meta *usage.Metadata) {
	w.Header().Set("X-Provider", meta.Provider)
	w.Header().Set("X-Latency-Ms", fmt.Sprintf("%d", meta.LatencyMs))
	w.Header().Set("X-Cost-USD", meta.CostUSD.String())
	w.Header().Set("X-Fallback-Used", strconv.FormatBool(meta.FallbackUsed))
	if meta.RequestID != "" {
		w.Header().Set("X-Request-Id", meta.RequestID)
	}
}
