package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

const (
	anthropicVersion   = "2023-06-01"
	anthropicMaxTokens = 4096
)

// AnthropicProvider handles Anthropic Messages API requests
type AnthropicProvider struct {
	name       string
	baseURL    string
	httpClient *http.Client
}

// AnthropicRequest represents a request to Anthropic's Messages API
type AnthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []AnthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float32           `json:"temperature,omitempty"`
	TopP          *float32           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	System        AnthropicContent   `json:"system,omitempty"`
	Stream        bool               `json:"stream,omitempty"`

	// Provider is a proxy extension; it is never sent upstream
	Provider string `json:"provider,omitempty"`
}

// AnthropicMessage represents a message in Anthropic format
type AnthropicMessage struct {
	Role    string           `json:"role"`
	Content AnthropicContent `json:"content"`
}

// AnthropicContent accepts either a plain string or a list of content
// blocks, and always flattens to text
type AnthropicContent string

// UnmarshalJSON implements json.Unmarshaler
func (c *AnthropicContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = AnthropicContent(s)
		return nil
	}
	var blocks []AnthropicContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("content must be a string or a list of blocks")
	}
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	*c = AnthropicContent(sb.String())
	return nil
}

// AnthropicResponse represents a response from Anthropic's API
type AnthropicResponse struct {
	ID           string                  `json:"id"`
	Type         string                  `json:"type"`
	Role         string                  `json:"role"`
	Content      []AnthropicContentBlock `json:"content"`
	Model        string                  `json:"model"`
	StopReason   string                  `json:"stop_reason,omitempty"`
	StopSequence *string                 `json:"stop_sequence,omitempty"`
	Usage        AnthropicUsage          `json:"usage"`
}

// AnthropicContentBlock represents a content block
type AnthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// AnthropicUsage represents token usage
type AnthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(name, baseURL string, httpClient *http.Client) *AnthropicProvider {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &AnthropicProvider{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

func (p *AnthropicProvider) do(ctx context.Context, cred Credential, body AnthropicRequest) (*http.Response, error) {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, invalidRequest("encode request: %v", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(reqBody))
	if err != nil {
		return nil, transportError(p.name, err, cred)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", cred.APIKey.Reveal())
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(p.name, err, cred)
	}
	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, statusError(p.name, httpResp.StatusCode, respBody, cred)
	}
	return httpResp, nil
}

// Chat makes a chat completion request to Anthropic
func (p *AnthropicProvider) Chat(ctx context.Context, cred Credential, req ChatRequest) (*ChatResponse, error) {
	httpResp, err := p.do(ctx, cred, ConvertToAnthropic(req))
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var anthropicResp AnthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&anthropicResp); err != nil {
		return nil, transportError(p.name, fmt.Errorf("decode response: %w", err), cred)
	}

	return ConvertFromAnthropic(anthropicResp), nil
}

// ChatStream makes a streaming request
func (p *AnthropicProvider) ChatStream(ctx context.Context, cred Credential, req ChatRequest) (StreamReader, error) {
	anthropicReq := ConvertToAnthropic(req)
	anthropicReq.Stream = true

	httpResp, err := p.do(ctx, cred, anthropicReq)
	if err != nil {
		return nil, err
	}

	return &AnthropicStreamReader{
		reader: bufio.NewReader(httpResp.Body),
		resp:   httpResp,
		name:   p.name,
		cred:   cred,
	}, nil
}

type anthropicDelta struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	StopReason string `json:"stop_reason"`
}

type anthropicStreamEvent struct {
	Type    string             `json:"type"`
	Message *AnthropicResponse `json:"message"`
	Delta   *anthropicDelta    `json:"delta"`
	Usage   *AnthropicUsage    `json:"usage"`
	Error   *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// AnthropicStreamReader translates Anthropic SSE events into OpenAI-shaped
// chunks. Input usage arrives on message_start, output on message_delta.
type AnthropicStreamReader struct {
	reader *bufio.Reader
	resp   *http.Response
	name   string
	cred   Credential

	id    string
	model string
	usage AnthropicUsage
}

// Recv reads the next streaming chunk
func (r *AnthropicStreamReader) Recv() (openai.ChatCompletionStreamResponse, error) {
	for {
		line, err := r.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return openai.ChatCompletionStreamResponse{}, io.EOF
			}
			return openai.ChatCompletionStreamResponse{}, transportError(r.name, err, r.cred)
		}

		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &event); err != nil {
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				r.id = event.Message.ID
				r.model = event.Message.Model
				r.usage = event.Message.Usage
			}
			return r.chunk(openai.ChatCompletionStreamChoiceDelta{Role: "assistant"}, ""), nil

		case "content_block_delta":
			if event.Delta != nil && event.Delta.Text != "" {
				return r.chunk(openai.ChatCompletionStreamChoiceDelta{Content: event.Delta.Text}, ""), nil
			}

		case "message_delta":
			if event.Usage != nil {
				r.usage.OutputTokens = event.Usage.OutputTokens
			}
			reason := ""
			if event.Delta != nil {
				reason = finishReason(event.Delta.StopReason)
			}
			chunk := r.chunk(openai.ChatCompletionStreamChoiceDelta{}, reason)
			usage := anthropicUsage(r.usage)
			chunk.Usage = &usage
			return chunk, nil

		case "message_stop":
			return openai.ChatCompletionStreamResponse{}, io.EOF

		case "error":
			msg := "stream error"
			if event.Error != nil {
				msg = event.Error.Type + ": " + event.Error.Message
			}
			return openai.ChatCompletionStreamResponse{}, &Error{
				Kind:     KindUpstream5xx,
				Provider: r.name,
				Message:  sanitize(msg, r.cred),
			}
		}
	}
}

func (r *AnthropicStreamReader) chunk(delta openai.ChatCompletionStreamChoiceDelta, reason string) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{
		ID:      r.id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   r.model,
		Choices: []openai.ChatCompletionStreamChoice{{
			Index:        0,
			Delta:        delta,
			FinishReason: openai.FinishReason(reason),
		}},
	}
}

// Usage returns the counts seen so far: input from message_start, output
// once message_delta arrives
func (r *AnthropicStreamReader) Usage() *openai.Usage {
	if r.usage == (AnthropicUsage{}) {
		return nil
	}
	u := anthropicUsage(r.usage)
	return &u
}

// Close closes the stream
func (r *AnthropicStreamReader) Close() error {
	if r.resp != nil && r.resp.Body != nil {
		return r.resp.Body.Close()
	}
	return nil
}

// ConvertToAnthropic converts an OpenAI-shaped request to Anthropic format.
// System messages are lifted into the system field.
func ConvertToAnthropic(req ChatRequest) AnthropicRequest {
	anthropicReq := AnthropicRequest{
		Model:         req.Model,
		Messages:      []AnthropicMessage{},
		MaxTokens:     anthropicMaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
	}

	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		anthropicReq.MaxTokens = *req.MaxTokens
	}

	var system []string
	for _, msg := range req.Messages {
		if msg.Role == openai.ChatMessageRoleSystem {
			system = append(system, msg.Content)
			continue
		}
		anthropicReq.Messages = append(anthropicReq.Messages, AnthropicMessage{
			Role:    msg.Role,
			Content: AnthropicContent(msg.Content),
		})
	}
	anthropicReq.System = AnthropicContent(strings.Join(system, "\n\n"))

	return anthropicReq
}

// ChatRequestFromAnthropic converts an inbound Anthropic-shaped request
func ChatRequestFromAnthropic(req AnthropicRequest) ChatRequest {
	chat := ChatRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
		Stream:      req.Stream,
		Provider:    req.Provider,
	}
	if req.MaxTokens > 0 {
		maxTokens := req.MaxTokens
		chat.MaxTokens = &maxTokens
	}
	if req.System != "" {
		chat.Messages = append(chat.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: string(req.System),
		})
	}
	for _, msg := range req.Messages {
		chat.Messages = append(chat.Messages, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: string(msg.Content),
		})
	}
	return chat
}

// ConvertFromAnthropic converts an Anthropic response to the OpenAI shape
func ConvertFromAnthropic(resp AnthropicResponse) *ChatResponse {
	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []openai.ChatCompletionChoice{
			{
				Index: 0,
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: content.String(),
				},
				FinishReason: openai.FinishReason(finishReason(resp.StopReason)),
			},
		},
		Usage: anthropicUsage(resp.Usage),
	}
}

// AnthropicFromChat renders a chat response in Anthropic's shape
func AnthropicFromChat(resp *ChatResponse) AnthropicResponse {
	out := AnthropicResponse{
		ID:      resp.ID,
		Type:    "message",
		Role:    "assistant",
		Content: []AnthropicContentBlock{},
		Model:   resp.Model,
		Usage: AnthropicUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if resp.Usage.PromptTokensDetails != nil {
		out.Usage.CacheReadInputTokens = resp.Usage.PromptTokensDetails.CachedTokens
	}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		out.Content = append(out.Content, AnthropicContentBlock{Type: "text", Text: choice.Message.Content})
		out.StopReason = StopReason(string(choice.FinishReason))
	}
	return out
}

func anthropicUsage(u AnthropicUsage) openai.Usage {
	return buildUsage(u.InputTokens, u.OutputTokens, u.CacheReadInputTokens, 0)
}

func finishReason(stopReason string) string {
	switch stopReason {
	case "":
		return ""
	case "max_tokens":
		return string(openai.FinishReasonLength)
	case "tool_use":
		return string(openai.FinishReasonToolCalls)
	default:
		return string(openai.FinishReasonStop)
	}
}

// StopReason maps an OpenAI finish reason to Anthropic's stop_reason
func StopReason(finish string) string {
	switch finish {
	case "":
		return ""
	case string(openai.FinishReasonLength):
		return "max_tokens"
	case string(openai.FinishReasonToolCalls):
		return "tool_use"
	default:
		return "end_turn"
	}
}
