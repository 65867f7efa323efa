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

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
)

// GeminiProvider speaks the generateContent API. Requests are translated from
// the OpenAI chat shape and answers are translated back.
type GeminiProvider struct {
	name   string
	root   string
	client *http.Client
}

type geminiRequest struct {
	Contents          []geminiTurn      `json:"contents"`
	SystemInstruction *geminiTurn       `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGeneration `json:"generationConfig,omitempty"`
}

type geminiTurn struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

// geminiPart is one text segment; thought segments carry reasoning and are
// billed but never relayed
type geminiPart struct {
	Text    string `json:"text"`
	Thought bool   `json:"thought,omitempty"`
}

type geminiGeneration struct {
	Temperature     *float32 `json:"temperature,omitempty"`
	TopP            *float32 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiReply struct {
	Candidates []struct {
		Content      geminiTurn `json:"content"`
		FinishReason string     `json:"finishReason"`
		Index        int        `json:"index"`
	} `json:"candidates"`
	Usage struct {
		Prompt     int `json:"promptTokenCount"`
		Candidates int `json:"candidatesTokenCount"`
		Total      int `json:"totalTokenCount"`
		Cached     int `json:"cachedContentTokenCount"`
		Thoughts   int `json:"thoughtsTokenCount"`
	} `json:"usageMetadata"`
}

// usage folds thought tokens into the output count
func (g *geminiReply) usage() openai.Usage {
	u := g.Usage
	return buildUsage(u.Prompt, u.Candidates+u.Thoughts, u.Cached, u.Thoughts)
}

// first returns the leading candidate's visible text and mapped finish reason
func (g *geminiReply) first() (text string, finish openai.FinishReason, ok bool) {
	if len(g.Candidates) == 0 {
		return "", openai.FinishReasonStop, false
	}
	c := g.Candidates[0]
	for _, part := range c.Content.Parts {
		if !part.Thought {
			text += part.Text
		}
	}
	return text, geminiFinish(c.FinishReason), true
}

func NewGeminiProvider(name, baseURL string, httpClient *http.Client) *GeminiProvider {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &GeminiProvider{name: name, root: strings.TrimRight(baseURL, "/"), client: httpClient}
}

// post sends body to the model's method. The key travels in x-goog-api-key
// so it never lands in a logged URL.
func (p *GeminiProvider) post(ctx context.Context, cred Credential, model, method string, body geminiRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, invalidRequest("encode request: %v", err)
	}
	endpoint := fmt.Sprintf("%s/models/%s:%s", p.root, model, method)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, transportError(p.name, err, cred)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", cred.APIKey.Reveal())

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, transportError(p.name, err, cred)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return nil, statusError(p.name, resp.StatusCode, detail, cred)
}

func (p *GeminiProvider) Chat(ctx context.Context, cred Credential, req ChatRequest) (*ChatResponse, error) {
	resp, err := p.post(ctx, cred, req.Model, "generateContent", toGemini(req))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var reply geminiReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, transportError(p.name, fmt.Errorf("decode response: %w", err), cred)
	}

	text, finish, _ := reply.first()
	return &ChatResponse{
		ID:      "gemini-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: text},
			FinishReason: finish,
		}},
		Usage: reply.usage(),
	}, nil
}

func (p *GeminiProvider) ChatStream(ctx context.Context, cred Credential, req ChatRequest) (StreamReader, error) {
	resp, err := p.post(ctx, cred, req.Model, "streamGenerateContent?alt=sse", toGemini(req))
	if err != nil {
		return nil, err
	}
	lines := bufio.NewScanner(resp.Body)
	lines.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &geminiStream{
		body:  resp.Body,
		lines: lines,
		id:    "gemini-" + uuid.NewString(),
		model: req.Model,
		name:  p.name,
		cred:  cred,
	}, nil
}

type geminiStream struct {
	body  io.ReadCloser
	lines *bufio.Scanner
	id    string
	model string
	name  string
	cred  Credential
}

func (s *geminiStream) Recv() (openai.ChatCompletionStreamResponse, error) {
	for s.lines.Scan() {
		data, ok := strings.CutPrefix(strings.TrimSpace(s.lines.Text()), "data:")
		if !ok {
			continue
		}
		var reply geminiReply
		if json.Unmarshal([]byte(strings.TrimSpace(data)), &reply) != nil {
			continue
		}
		return s.chunk(&reply), nil
	}
	if err := s.lines.Err(); err != nil {
		return openai.ChatCompletionStreamResponse{}, transportError(s.name, err, s.cred)
	}
	return openai.ChatCompletionStreamResponse{}, io.EOF
}

func (s *geminiStream) Close() error { return s.body.Close() }

func (s *geminiStream) chunk(reply *geminiReply) openai.ChatCompletionStreamResponse {
	out := openai.ChatCompletionStreamResponse{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   s.model,
	}
	if text, finish, ok := reply.first(); ok {
		choice := openai.ChatCompletionStreamChoice{
			Index: reply.Candidates[0].Index,
			Delta: openai.ChatCompletionStreamChoiceDelta{Content: text},
		}
		if reply.Candidates[0].Content.Role != "" {
			choice.Delta.Role = openai.ChatMessageRoleAssistant
		}
		if reply.Candidates[0].FinishReason != "" {
			choice.FinishReason = finish
		}
		out.Choices = []openai.ChatCompletionStreamChoice{choice}
	}
	// usage is cumulative on every chunk; the caller keeps the last one
	if reply.Usage.Total > 0 {
		u := reply.usage()
		out.Usage = &u
	}
	return out
}

// toGemini lifts system messages into systemInstruction and renames the
// assistant role to "model"
func toGemini(req ChatRequest) geminiRequest {
	out := geminiRequest{Contents: make([]geminiTurn, 0, len(req.Messages))}
	var system []geminiPart
	for _, m := range req.Messages {
		part := geminiPart{Text: m.Content}
		switch m.Role {
		case openai.ChatMessageRoleSystem:
			system = append(system, part)
		case openai.ChatMessageRoleAssistant:
			out.Contents = append(out.Contents, geminiTurn{Role: "model", Parts: []geminiPart{part}})
		default:
			out.Contents = append(out.Contents, geminiTurn{Role: "user", Parts: []geminiPart{part}})
		}
	}
	if len(system) > 0 {
		out.SystemInstruction = &geminiTurn{Parts: system}
	}
	if req.Temperature != nil || req.MaxTokens != nil || req.TopP != nil || len(req.Stop) > 0 {
		out.GenerationConfig = &geminiGeneration{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.Stop,
		}
	}
	return out
}

func geminiFinish(reason string) openai.FinishReason {
	switch reason {
	case "MAX_TOKENS":
		return openai.FinishReasonLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT":
		return openai.FinishReasonContentFilter
	default:
		return openai.FinishReasonStop
	}
}
