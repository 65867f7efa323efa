package providers

import (
	"context"

	"github.com/sashabaranov/go-openai"

	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/models"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/vault"
)

// Capability tags the kind of upstream call
type Capability string

const (
	CapabilityChat          Capability = "chat"
	CapabilityEmbedding     Capability = "embedding"
	CapabilityTranscription Capability = "transcription"
)

// ChatRequest represents a chat completion request
type ChatRequest struct {
	Model       string                         `json:"model"`
	Messages    []openai.ChatCompletionMessage `json:"messages"`
	Temperature *float32                       `json:"temperature,omitempty"`
	MaxTokens   *int                           `json:"max_tokens,omitempty"`
	TopP        *float32                       `json:"top_p,omitempty"`
	Stop        []string                       `json:"stop,omitempty"`
	Stream      bool                           `json:"stream,omitempty"`

	// Provider pins the request to one provider and disables fallback
	Provider string `json:"provider,omitempty"`
}

// ChatResponse represents a chat completion response
type ChatResponse struct {
	ID                string                        `json:"id"`
	Object            string                        `json:"object"`
	Created           int64                         `json:"created"`
	Model             string                        `json:"model"`
	Choices           []openai.ChatCompletionChoice `json:"choices"`
	Usage             openai.Usage                  `json:"usage"`
	SystemFingerprint string                        `json:"system_fingerprint,omitempty"`
}

// StreamReader is an interface for streaming responses
type StreamReader interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
	Close() error
}

// UsageReporter is implemented by stream readers that learn token counts
// before the final chunk. Usage returns nil until something was counted.
type UsageReporter interface {
	Usage() *openai.Usage
}

// EmbeddingRequest is the normalized embeddings request
type EmbeddingRequest struct {
	Model      string
	Input      []string
	Dimensions int
	// Task is the nomic-style task prefix used by local models
	Task     string
	Provider string
}

// EmbeddingResponse represents an embeddings response
type EmbeddingResponse struct {
	Object string             `json:"object"`
	Data   []openai.Embedding `json:"data"`
	Model  string             `json:"model"`
	Usage  openai.Usage       `json:"usage"`
}

// Dimensions is the vector length of the first embedding
func (r *EmbeddingResponse) Dimensions() int {
	if len(r.Data) == 0 {
		return 0
	}
	return len(r.Data[0].Embedding)
}

// TranscriptionRequest is the normalized transcription request. Audio is
// held in memory so every fallback attempt can replay it.
type TranscriptionRequest struct {
	Model          string
	Audio          []byte
	Filename       string
	Language       string
	Prompt         string
	ResponseFormat string
	Temperature    float32
	Provider       string
}

// TranscriptionResponse represents a transcription result
type TranscriptionResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Duration float64 `json:"duration,omitempty"`
	Model    string  `json:"-"`
}

// Credential is the decrypted upstream credential for one attempt. Local
// providers get an empty credential.
type Credential struct {
	ProviderKeyID string
	APIKey        vault.Secret
}

// ChatAdapter speaks one provider's chat protocol
type ChatAdapter interface {
	Chat(ctx context.Context, cred Credential, req ChatRequest) (*ChatResponse, error)
	ChatStream(ctx context.Context, cred Credential, req ChatRequest) (StreamReader, error)
}

// EmbeddingAdapter speaks one provider's embeddings protocol
type EmbeddingAdapter interface {
	Embed(ctx context.Context, cred Credential, req EmbeddingRequest) (*EmbeddingResponse, error)
}

// TranscriptionAdapter speaks one provider's transcription protocol
type TranscriptionAdapter interface {
	Transcribe(ctx context.Context, cred Credential, req TranscriptionRequest) (*TranscriptionResponse, error)
}

// TokensFromUsage maps OpenAI-shaped usage, which every adapter produces,
// to the uniform token counts
func TokensFromUsage(u *openai.Usage) models.TokenUsage {
	if u == nil {
		return models.TokenUsage{}
	}
	t := models.TokenUsage{
		Input:  u.PromptTokens,
		Output: u.CompletionTokens,
	}
	if u.PromptTokensDetails != nil {
		t.Cache = u.PromptTokensDetails.CachedTokens
	}
	if u.CompletionTokensDetails != nil {
		t.Reasoning = u.CompletionTokensDetails.ReasoningTokens
	}
	return t
}

func buildUsage(input, output, cached, reasoning int) openai.Usage {
	u := openai.Usage{
		PromptTokens:     input,
		CompletionTokens: output,
		TotalTokens:      input + output,
	}
	if cached > 0 {
		u.PromptTokensDetails = &openai.PromptTokensDetails{CachedTokens: cached}
	}
	if reasoning > 0 {
		u.CompletionTokensDetails = &openai.CompletionTokensDetails{ReasoningTokens: reasoning}
	}
	return u
}
