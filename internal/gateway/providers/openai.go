package providers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// OpenAIProvider speaks the OpenAI API. It also serves OpenAI-compatible
// upstreams (voyage, groq, perplexity, openrouter, self-hosted whisper)
// through a different base URL.
type OpenAIProvider struct {
	name       string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAIProvider creates an adapter for name at baseURL
func NewOpenAIProvider(name, baseURL string, httpClient *http.Client) *OpenAIProvider {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &OpenAIProvider{name: name, baseURL: baseURL, httpClient: httpClient}
}

// client builds a per-call client so each attempt carries the tenant's own
// credential
func (p *OpenAIProvider) client(cred Credential) *openai.Client {
	cfg := openai.DefaultConfig(cred.APIKey.Reveal())
	if p.baseURL != "" {
		cfg.BaseURL = p.baseURL
	}
	cfg.HTTPClient = p.httpClient
	return openai.NewClientWithConfig(cfg)
}

func (p *OpenAIProvider) buildRequest(req ChatRequest) openai.ChatCompletionRequest {
	openaiReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Stop:     req.Stop,
	}
	if req.Temperature != nil {
		openaiReq.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		openaiReq.MaxTokens = *req.MaxTokens
	}
	if req.TopP != nil {
		openaiReq.TopP = *req.TopP
	}
	return openaiReq
}

// Chat makes a chat completion request
func (p *OpenAIProvider) Chat(ctx context.Context, cred Credential, req ChatRequest) (*ChatResponse, error) {
	resp, err := p.client(cred).CreateChatCompletion(ctx, p.buildRequest(req))
	if err != nil {
		return nil, openAIError(p.name, err, cred)
	}

	return &ChatResponse{
		ID:                resp.ID,
		Object:            resp.Object,
		Created:           resp.Created,
		Model:             resp.Model,
		Choices:           resp.Choices,
		Usage:             resp.Usage,
		SystemFingerprint: resp.SystemFingerprint,
	}, nil
}

// ChatStream creates a streaming chat completion request. Usage arrives on
// the final chunk.
func (p *OpenAIProvider) ChatStream(ctx context.Context, cred Credential, req ChatRequest) (StreamReader, error) {
	openaiReq := p.buildRequest(req)
	openaiReq.Stream = true
	openaiReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := p.client(cred).CreateChatCompletionStream(ctx, openaiReq)
	if err != nil {
		return nil, openAIError(p.name, err, cred)
	}

	return &OpenAIStreamReader{stream: stream, name: p.name, cred: cred}, nil
}

// OpenAIStreamReader wraps OpenAI's stream
type OpenAIStreamReader struct {
	stream *openai.ChatCompletionStream
	name   string
	cred   Credential
}

// Recv reads the next chunk
func (r *OpenAIStreamReader) Recv() (openai.ChatCompletionStreamResponse, error) {
	chunk, err := r.stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return chunk, io.EOF
		}
		return chunk, openAIError(r.name, err, r.cred)
	}
	return chunk, nil
}

// Close closes the stream
func (r *OpenAIStreamReader) Close() error {
	return r.stream.Close()
}

// Embed creates embeddings
func (p *OpenAIProvider) Embed(ctx context.Context, cred Credential, req EmbeddingRequest) (*EmbeddingResponse, error) {
	resp, err := p.client(cred).CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input:      req.Input,
		Model:      openai.EmbeddingModel(req.Model),
		Dimensions: req.Dimensions,
	})
	if err != nil {
		return nil, openAIError(p.name, err, cred)
	}

	model := string(resp.Model)
	if model == "" {
		model = req.Model
	}
	return &EmbeddingResponse{
		Object: "list",
		Data:   resp.Data,
		Model:  model,
		Usage:  resp.Usage,
	}, nil
}

// Transcribe converts audio to text. verbose_json is requested upstream so
// the audio duration is always reported.
func (p *OpenAIProvider) Transcribe(ctx context.Context, cred Credential, req TranscriptionRequest) (*TranscriptionResponse, error) {
	filename := req.Filename
	if filename == "" {
		filename = "audio.wav"
	}
	resp, err := p.client(cred).CreateTranscription(ctx, openai.AudioRequest{
		Model:       req.Model,
		FilePath:    filename,
		Reader:      bytes.NewReader(req.Audio),
		Prompt:      req.Prompt,
		Temperature: req.Temperature,
		Language:    req.Language,
		Format:      openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return nil, openAIError(p.name, err, cred)
	}

	return &TranscriptionResponse{
		Text:     resp.Text,
		Language: resp.Language,
		Duration: resp.Duration,
		Model:    req.Model,
	}, nil
}
