package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const defaultEmbeddingTask = "search_document"

// OllamaProvider embeds through a local Ollama server. It needs no
// credential.
type OllamaProvider struct {
	name       string
	baseURL    string
	httpClient *http.Client
}

type ollamaEmbeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

// NewOllamaProvider creates an Ollama adapter
func NewOllamaProvider(name, baseURL string, httpClient *http.Client) *OllamaProvider {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &OllamaProvider{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Embed embeds each input in turn. Nomic-style models expect the task as a
// text prefix.
func (p *OllamaProvider) Embed(ctx context.Context, cred Credential, req EmbeddingRequest) (*EmbeddingResponse, error) {
	task := req.Task
	if task == "" {
		task = defaultEmbeddingTask
	}

	out := &EmbeddingResponse{
		Object: "list",
		Data:   make([]openai.Embedding, 0, len(req.Input)),
		Model:  req.Model,
	}
	for i, text := range req.Input {
		vec, err := p.embedOne(ctx, cred, req.Model, task+": "+text)
		if err != nil {
			return nil, err
		}
		out.Data = append(out.Data, openai.Embedding{
			Object:    "embedding",
			Embedding: vec,
			Index:     i,
		})
	}
	return out, nil
}

func (p *OllamaProvider) embedOne(ctx context.Context, cred Credential, model, prompt string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbeddingRequest{Model: model, Prompt: prompt})
	if err != nil {
		return nil, invalidRequest("encode request: %v", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, transportError(p.name, err, cred)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(p.name, err, cred)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, statusError(p.name, resp.StatusCode, respBody, cred)
	}

	var parsed ollamaEmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, transportError(p.name, fmt.Errorf("decode response: %w", err), cred)
	}
	if len(parsed.Embedding) == 0 {
		return nil, &Error{Kind: KindUpstream5xx, Provider: p.name, Message: "empty embedding"}
	}
	return parsed.Embedding, nil
}
