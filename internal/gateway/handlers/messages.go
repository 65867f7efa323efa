package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/mrmushfiq/llm0-tenant-proxy/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/gateway/usage"
)

// MessagesResponse is the Anthropic response plus the proxy block
type MessagesResponse struct {
	providers.AnthropicResponse
	Proxy *usage.Metadata `json:"_proxy"`
}

// HandleMessages handles POST /v1/messages. Requests in Anthropic's shape
// use the same chat fallback chain as /v1/chat/completions.
func (h *Handler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	c, ok := h.begin(w, r, providers.CapabilityChat)
	if !ok {
		return
	}

	var in providers.AnthropicRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&in); err != nil {
		writeError(w, c.env, badRequest("invalid request body"))
		return
	}
	if in.Model == "" {
		writeError(w, c.env, badRequest("model is required"))
		return
	}
	if len(in.Messages) == 0 {
		writeError(w, c.env, badRequest("messages are required"))
		return
	}

	req := providers.ChatRequestFromAnthropic(in)
	if req.Provider == "" {
		req.Provider = r.Header.Get("X-Provider")
	}

	if req.Stream {
		h.relay(w, r, c, req, &anthropicSSE{w: w})
		return
	}

	resp, res, err := h.router.RouteChat(r.Context(), c.scope, req)
	if err != nil {
		h.fail(w, c, res, err)
		return
	}

	meta := h.succeed(w, c, res, providers.TokensFromUsage(&resp.Usage))
	writeJSON(w, http.StatusOK, MessagesResponse{AnthropicResponse: providers.AnthropicFromChat(resp), Proxy: meta})
}
