package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/mrmushfiq/llm0-tenant-proxy/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/gateway/usage"
)

// maxJSONBody caps chat and embedding request bodies
const maxJSONBody = 10 << 20

// ChatCompletionResponse is the OpenAI response plus the proxy block
type ChatCompletionResponse struct {
	*providers.ChatResponse
	Proxy *usage.Metadata `json:"_proxy"`
}

// HandleChatCompletion handles POST /v1/chat/completions
func (h *Handler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	c, ok := h.begin(w, r, providers.CapabilityChat)
	if !ok {
		return
	}

	var req providers.ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		writeError(w, c.env, badRequest("invalid request body"))
		return
	}
	if req.Model == "" {
		writeError(w, c.env, badRequest("model is required"))
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, c.env, badRequest("messages are required"))
		return
	}
	if req.Provider == "" {
		req.Provider = r.Header.Get("X-Provider")
	}

	if req.Stream {
		h.relay(w, r, c, req, &openAISSE{w: w})
		return
	}

	resp, res, err := h.router.RouteChat(r.Context(), c.scope, req)
	if err != nil {
		h.fail(w, c, res, err)
		return
	}

	meta := h.succeed(w, c, res, providers.TokensFromUsage(&resp.Usage))
	writeJSON(w, http.StatusOK, ChatCompletionResponse{ChatResponse: resp, Proxy: meta})
}
