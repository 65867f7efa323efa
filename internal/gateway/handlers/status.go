package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/mrmushfiq/llm0-tenant-proxy/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/gateway/tenant"
)

const probeTimeout = 3 * time.Second

// HandleHealth handles GET /health. Local fallback providers are probed;
// any that fail make the proxy degraded, not down. So does a vault key that
// opens none of the stored provider keys.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	status := "healthy"
	local := make(map[string]string)
	for name, err := range h.router.ProbeLocal(ctx) {
		if err != nil {
			status = "degraded"
			local[name] = "down: " + err.Error()
			continue
		}
		local[name] = "up"
	}

	body := map[string]any{
		"status":          status,
		"time":            time.Now().UTC().Format(time.RFC3339),
		"local_providers": local,
	}
	if h.encryption != nil {
		if h.encryption.Status == tenant.EncryptionError {
			body["status"] = "degraded"
		}
		body["checks"] = map[string]any{"encryption": h.encryption}
	}
	writeJSON(w, http.StatusOK, body)
}

// HandleProviders handles GET /v1/providers
func (h *Handler) HandleProviders(w http.ResponseWriter, r *http.Request) {
	scope, ok := ScopeFrom(r.Context())
	if !ok {
		writeError(w, openAIEnvelope, apiError{Status: http.StatusUnauthorized, Type: "authentication_error", Message: "missing credentials"})
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Providers     []providers.ProviderInfo            `json:"providers"`
		FallbackOrder map[providers.Capability][]string `json:"fallback_order"`
	}{
		Providers:     h.router.Providers(scope),
		FallbackOrder: h.router.FallbackOrder(),
	})
}
