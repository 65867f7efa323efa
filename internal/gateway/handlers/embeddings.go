package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mrmushfiq/llm0-tenant-proxy/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/gateway/usage"
)

// embeddingInput accepts a single string or a list of strings
type embeddingInput []string

func (in *embeddingInput) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*in = embeddingInput{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return errors.New("input must be a string or an array of strings")
	}
	*in = many
	return nil
}

// EmbeddingRequest is the OpenAI embeddings body. Task is forwarded to
// local models that take a task prefix.
type EmbeddingRequest struct {
	Model          string         `json:"model"`
	Input          embeddingInput `json:"input"`
	Dimensions     int            `json:"dimensions,omitempty"`
	EncodingFormat string         `json:"encoding_format,omitempty"`
	User           string         `json:"user,omitempty"`
	Task           string         `json:"task,omitempty"`
	Provider       string         `json:"provider,omitempty"`
}

// EmbeddingsResponse is the OpenAI response plus the proxy block
type EmbeddingsResponse struct {
	*providers.EmbeddingResponse
	Proxy *usage.Metadata `json:"_proxy"`
}

// HandleEmbeddings handles POST /v1/embeddings
func (h *Handler) HandleEmbeddings(w http.ResponseWriter, r *http.Request) {
	c, ok := h.begin(w, r, providers.CapabilityEmbedding)
	if !ok {
		return
	}

	var body EmbeddingRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&body); err != nil {
		writeError(w, c.env, badRequest("invalid request body"))
		return
	}
	if body.EncodingFormat != "" && body.EncodingFormat != "float" {
		writeError(w, c.env, badRequest("only float encoding is supported"))
		return
	}

	req := providers.EmbeddingRequest{
		Model:      body.Model,
		Input:      body.Input,
		Dimensions: body.Dimensions,
		Task:       body.Task,
		Provider:   body.Provider,
	}
	if req.Provider == "" {
		req.Provider = r.Header.Get("X-Provider")
	}

	resp, res, err := h.router.RouteEmbedding(r.Context(), c.scope, req)
	if err != nil {
		h.fail(w, c, res, err)
		return
	}

	meta := h.succeed(w, c, res, providers.TokensFromUsage(&resp.Usage))
	meta.Dimensions = resp.Dimensions()
	writeJSON(w, http.StatusOK, EmbeddingsResponse{EmbeddingResponse: resp, Proxy: meta})
}
