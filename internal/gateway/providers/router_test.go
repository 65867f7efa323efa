package providers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/models"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/vault"
)

// callLog records which providers were called, in order
type callLog struct {
	mu    sync.Mutex
	calls []string
	creds []string
}

func (l *callLog) add(name string, cred Credential) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, name)
	l.creds = append(l.creds, cred.APIKey.Reveal())
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeAdapter struct {
	name string
	log  *callLog
	err  error

	dims  int
	block bool // wait for the context instead of answering

	stream func() StreamReader
}

func (f *fakeAdapter) call(ctx context.Context, cred Credential) error {
	f.log.add(f.name, cred)
	if f.block {
		<-ctx.Done()
		return transportError(f.name, ctx.Err(), cred)
	}
	return f.err
}

func (f *fakeAdapter) Chat(ctx context.Context, cred Credential, req ChatRequest) (*ChatResponse, error) {
	if err := f.call(ctx, cred); err != nil {
		return nil, err
	}
	return &ChatResponse{
		ID:    f.name + "-resp",
		Model: req.Model,
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{Role: "assistant", Content: "hello from " + f.name},
		}},
		Usage: buildUsage(10, 5, 0, 0),
	}, nil
}

func (f *fakeAdapter) ChatStream(ctx context.Context, cred Credential, req ChatRequest) (StreamReader, error) {
	if err := f.call(ctx, cred); err != nil {
		return nil, err
	}
	return f.stream(), nil
}

func (f *fakeAdapter) Embed(ctx context.Context, cred Credential, req EmbeddingRequest) (*EmbeddingResponse, error) {
	if err := f.call(ctx, cred); err != nil {
		return nil, err
	}
	dims := f.dims
	if dims == 0 {
		dims = 8
	}
	data := make([]openai.Embedding, len(req.Input))
	for i := range req.Input {
		data[i] = openai.Embedding{Object: "embedding", Index: i, Embedding: make([]float32, dims)}
	}
	return &EmbeddingResponse{Object: "list", Data: data, Model: req.Model, Usage: buildUsage(4, 0, 0, 0)}, nil
}

func (f *fakeAdapter) Transcribe(ctx context.Context, cred Credential, req TranscriptionRequest) (*TranscriptionResponse, error) {
	if err := f.call(ctx, cred); err != nil {
		return nil, err
	}
	return &TranscriptionResponse{Text: "hi", Duration: 3.5, Model: req.Model}, nil
}

// sliceStream replays chunks then returns err (io.EOF when nil)
type sliceStream struct {
	chunks []openai.ChatCompletionStreamResponse
	err    error
	closed bool
}

func (s *sliceStream) Recv() (openai.ChatCompletionStreamResponse, error) {
	if len(s.chunks) == 0 {
		if s.err != nil {
			return openai.ChatCompletionStreamResponse{}, s.err
		}
		return openai.ChatCompletionStreamResponse{}, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

func textChunk(s string) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{Content: s}}},
	}
}

// fakeScope hands out keys per provider
type fakeScope map[string]*models.ProviderKey

func (s fakeScope) Credential(provider string) (*models.ProviderKey, bool) {
	k, ok := s[provider]
	return k, ok
}

func testVault(t *testing.T) *vault.Vault {
	t.Helper()
	v, err := vault.New(bytes.Repeat([]byte{3}, 32))
	if err != nil {
		t.Fatalf("vault.New() error = %v", err)
	}
	return v
}

func sealedKey(t *testing.T, v *vault.Vault, provider, plaintext string) *models.ProviderKey {
	t.Helper()
	ct, err := v.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	return &models.ProviderKey{ID: "pk-" + provider, ProviderID: provider, EncryptedKey: ct}
}

type harness struct {
	router   *Router
	log      *callLog
	adapters map[string]*fakeAdapter
	vault    *vault.Vault
	catalog  *Catalog
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	catalog := DefaultCatalog()
	v := testVault(t)
	log := &callLog{}
	fakes := map[string]*fakeAdapter{}
	adapters := NewAdapters()
	for _, name := range catalog.Names() {
		f := &fakeAdapter{name: name, log: log}
		fakes[name] = f
		adapters.Register(name, f)
	}
	router := NewRouter(RouterOptions{
		Catalog:        catalog,
		Adapters:       adapters,
		Vault:          v,
		Health:         NewHealth(DefaultBreakerConfig, nil, nil),
		RequestTimeout: 5 * time.Second,
	})
	return &harness{router: router, log: log, adapters: fakes, vault: v, catalog: catalog}
}

// scopeFor gives the caller a key for every named provider
func (h *harness) scopeFor(t *testing.T, providers ...string) fakeScope {
	t.Helper()
	s := fakeScope{}
	for _, p := range providers {
		s[p] = sealedKey(t, h.vault, p, "sk-"+p+"-secret")
	}
	return s
}

func upstream5xx(name string) error {
	return &Error{Kind: KindUpstream5xx, Provider: name, StatusCode: 503, Message: "overloaded"}
}

func TestCandidates(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name       string
		capability Capability
		model      string
		pin        string
		want       []string
	}{
		{"chat native first", CapabilityChat, "claude-sonnet-4-5-20250929", "",
			[]string{"anthropic/claude-sonnet-4-5-20250929", "openai/gpt-4o", "google/gemini-2.5-pro"}},
		{"chat declared order", CapabilityChat, "gpt-4o-mini", "",
			[]string{"openai/gpt-4o-mini", "anthropic/claude-haiku-4-5-20251001", "google/gemini-2.5-flash"}},
		{"chat without equivalents", CapabilityChat, "sonar-pro", "",
			[]string{"perplexity/sonar-pro"}},
		{"chat pinned uses equivalent", CapabilityChat, "gpt-4o-mini", "google",
			[]string{"google/gemini-2.5-flash"}},
		{"embedding chain", CapabilityEmbedding, "", "",
			[]string{"openai/text-embedding-3-small", "voyage/voyage-3", "ollama/nomic-embed-text"}},
		{"embedding keeps listed model", CapabilityEmbedding, "text-embedding-3-large", "",
			[]string{"openai/text-embedding-3-large", "voyage/voyage-3", "ollama/nomic-embed-text"}},
		{"transcription chain", CapabilityTranscription, "", "",
			[]string{"groq/whisper-large-v3-turbo", "openai/whisper-1", "whisper/Systran/faster-whisper-small"}},
		{"transcription pinned", CapabilityTranscription, "whisper-1", "openai",
			[]string{"openai/whisper-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cands, err := h.router.Candidates(tt.capability, tt.model, tt.pin)
			if err != nil {
				t.Fatalf("Candidates() error = %v", err)
			}
			var got []string
			for _, c := range cands {
				got = append(got, c.Provider+"/"+c.Model)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Candidates() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCandidatesInvalid(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name       string
		capability Capability
		model      string
		pin        string
	}{
		{"unknown chat model", CapabilityChat, "llama-99", ""},
		{"unknown provider", CapabilityChat, "gpt-4o", "nope"},
		{"provider lacks capability", CapabilityEmbedding, "", "anthropic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.router.Candidates(tt.capability, tt.model, tt.pin)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("Candidates() error = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestRouteEmbeddingFallsThroughToThird(t *testing.T) {
	h := newHarness(t)
	h.adapters["openai"].err = upstream5xx("openai")
	h.adapters["voyage"].err = upstream5xx("voyage")
	h.adapters["ollama"].dims = 1536

	resp, res, err := h.router.RouteEmbedding(context.Background(), h.scopeFor(t, "openai", "voyage"),
		EmbeddingRequest{Input: []string{"hello"}})
	if err != nil {
		t.Fatalf("RouteEmbedding() error = %v", err)
	}
	if res.Provider != "ollama" || res.Attempts != 3 || !res.FallbackUsed {
		t.Errorf("result = %+v", res)
	}
	if resp.Dimensions() != 1536 {
		t.Errorf("Dimensions() = %d, want 1536", resp.Dimensions())
	}
	if got := h.log.list(); !reflect.DeepEqual(got, []string{"openai", "voyage", "ollama"}) {
		t.Errorf("call order = %v", got)
	}
}

func TestRouteExhaustsChainInOrder(t *testing.T) {
	h := newHarness(t)
	for _, name := range []string{"openai", "anthropic", "google"} {
		h.adapters[name].err = upstream5xx(name)
	}

	_, res, err := h.router.RouteChat(context.Background(), h.scopeFor(t, "openai", "anthropic", "google"),
		ChatRequest{Model: "gpt-4o"})

	var perr *Error
	if !errors.As(err, &perr) || perr.Kind != KindAllProvidersFailed {
		t.Fatalf("RouteChat() error = %v, want AllProvidersFailed", err)
	}
	if perr.Attempts != 3 || perr.Last == nil || perr.Last.Provider != "google" {
		t.Errorf("error = %+v", perr)
	}
	if res.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", res.Attempts)
	}
	if got := h.log.list(); !reflect.DeepEqual(got, []string{"openai", "anthropic", "google"}) {
		t.Errorf("call order = %v", got)
	}
}

func TestRouteStopsAtFirstSuccess(t *testing.T) {
	chain := []string{"openai", "anthropic", "google"}
	for k := range chain {
		t.Run(chain[k], func(t *testing.T) {
			h := newHarness(t)
			for _, name := range chain[:k] {
				h.adapters[name].err = upstream5xx(name)
			}

			resp, res, err := h.router.RouteChat(context.Background(), h.scopeFor(t, chain...), ChatRequest{Model: "gpt-4o"})
			if err != nil {
				t.Fatalf("RouteChat() error = %v", err)
			}
			if res.Provider != chain[k] || res.Attempts != k+1 || res.FallbackUsed != (k > 0) {
				t.Errorf("result = %+v", res)
			}
			if resp.ID != chain[k]+"-resp" {
				t.Errorf("response from %s", resp.ID)
			}
			if got := h.log.list(); !reflect.DeepEqual(got, chain[:k+1]) {
				t.Errorf("call order = %v, want %v", got, chain[:k+1])
			}
		})
	}
}

func TestRouteUsesTenantCredential(t *testing.T) {
	h := newHarness(t)
	_, res, err := h.router.RouteChat(context.Background(), h.scopeFor(t, "openai"), ChatRequest{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("RouteChat() error = %v", err)
	}
	if res.ProviderKeyID != "pk-openai" {
		t.Errorf("ProviderKeyID = %q", res.ProviderKeyID)
	}
	if h.log.creds[0] != "sk-openai-secret" {
		t.Errorf("adapter saw credential %q", h.log.creds[0])
	}
}

func TestRoute4xxAdvances(t *testing.T) {
	h := newHarness(t)
	h.adapters["openai"].err = &Error{Kind: KindUpstream4xx, Provider: "openai", StatusCode: 429, Message: "rate limited"}

	_, res, err := h.router.RouteChat(context.Background(), h.scopeFor(t, "openai", "anthropic"), ChatRequest{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("RouteChat() error = %v", err)
	}
	if res.Provider != "anthropic" || res.Model != "claude-sonnet-4-5-20250929" {
		t.Errorf("result = %+v", res)
	}
}

func TestRoutePinnedTimeoutDoesNotFallBack(t *testing.T) {
	h := newHarness(t)
	h.catalog.Providers["openai"].Timeout = 50 * time.Millisecond
	h.adapters["openai"].block = true

	_, res, err := h.router.RouteEmbedding(context.Background(), h.scopeFor(t, "openai", "voyage"),
		EmbeddingRequest{Input: []string{"x"}, Provider: "openai"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("RouteEmbedding() error = %v, want ErrTimeout", err)
	}
	if errors.Is(err, ErrAllProvidersFailed) {
		t.Error("pinned failure reported as AllProvidersFailed")
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", res.Attempts)
	}
	if got := h.log.list(); !reflect.DeepEqual(got, []string{"openai"}) {
		t.Errorf("call order = %v", got)
	}
}

func TestRouteSkipsMissingAndCorruptCredentials(t *testing.T) {
	h := newHarness(t)
	scope := fakeScope{
		"voyage": {ID: "pk-voyage", ProviderID: "voyage", EncryptedKey: "v1:not-really-ciphertext"},
	}

	_, res, err := h.router.RouteEmbedding(context.Background(), scope, EmbeddingRequest{Input: []string{"x"}})
	if err != nil {
		t.Fatalf("RouteEmbedding() error = %v", err)
	}
	if res.Provider != "ollama" || res.Attempts != 1 {
		t.Errorf("result = %+v", res)
	}
	if got := h.log.list(); !reflect.DeepEqual(got, []string{"ollama"}) {
		t.Errorf("call order = %v, want only the local provider", got)
	}
}

func TestRouteNoCredential(t *testing.T) {
	h := newHarness(t)

	_, res, err := h.router.RouteChat(context.Background(), fakeScope{}, ChatRequest{Model: "gpt-4o"})
	if !errors.Is(err, ErrNoCredential) {
		t.Fatalf("RouteChat() error = %v, want ErrNoCredential", err)
	}
	if res.Attempts != 0 || len(h.log.list()) != 0 {
		t.Errorf("upstream called without credentials: %v", h.log.list())
	}
}

func TestRouteClientCancelStops(t *testing.T) {
	h := newHarness(t)
	h.adapters["openai"].block = true

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, _, err := h.router.RouteChat(ctx, h.scopeFor(t, "openai", "anthropic"), ChatRequest{Model: "gpt-4o"})
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("RouteChat() error = %v, want ErrCanceled", err)
	}
	if got := h.log.list(); !reflect.DeepEqual(got, []string{"openai"}) {
		t.Errorf("call order = %v", got)
	}
}

func TestRouteChatStreamFallsBackBeforeFirstChunk(t *testing.T) {
	h := newHarness(t)
	broken := &sliceStream{err: upstream5xx("openai")}
	h.adapters["openai"].stream = func() StreamReader { return broken }
	good := &sliceStream{chunks: []openai.ChatCompletionStreamResponse{textChunk("a"), textChunk("b")}}
	h.adapters["anthropic"].stream = func() StreamReader { return good }

	stream, err := h.router.RouteChatStream(context.Background(), h.scopeFor(t, "openai", "anthropic"), ChatRequest{Model: "gpt-4o", Stream: true})
	if err != nil {
		t.Fatalf("RouteChatStream() error = %v", err)
	}
	defer stream.Close()

	if !broken.closed {
		t.Error("failed stream was not closed")
	}
	if stream.Result.Provider != "anthropic" || !stream.Result.FallbackUsed {
		t.Errorf("result = %+v", stream.Result)
	}

	var text string
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
		text += chunk.Choices[0].Delta.Content
	}
	if text != "ab" {
		t.Errorf("streamed %q, want %q", text, "ab")
	}
}

func TestRouteChatStreamCommittedAfterFirstChunk(t *testing.T) {
	h := newHarness(t)
	midway := &sliceStream{chunks: []openai.ChatCompletionStreamResponse{textChunk("a")}, err: upstream5xx("openai")}
	h.adapters["openai"].stream = func() StreamReader { return midway }

	stream, err := h.router.RouteChatStream(context.Background(), h.scopeFor(t, "openai", "anthropic"), ChatRequest{Model: "gpt-4o", Stream: true})
	if err != nil {
		t.Fatalf("RouteChatStream() error = %v", err)
	}
	defer stream.Close()

	if _, err := stream.Recv(); err != nil {
		t.Fatalf("first Recv() error = %v", err)
	}
	if _, err := stream.Recv(); !errors.Is(err, ErrUpstream5xx) {
		t.Fatalf("second Recv() error = %v, want upstream error", err)
	}
	if got := h.log.list(); !reflect.DeepEqual(got, []string{"openai"}) {
		t.Errorf("call order = %v, want no switch after commit", got)
	}
}

func TestRouteTranscriptionFallsBack(t *testing.T) {
	h := newHarness(t)
	h.adapters["groq"].err = &Error{Kind: KindTransport, Provider: "groq", Message: "connection reset"}

	resp, res, err := h.router.RouteTranscription(context.Background(), h.scopeFor(t, "groq", "openai"),
		TranscriptionRequest{Audio: []byte("RIFF"), Filename: "a.wav"})
	if err != nil {
		t.Fatalf("RouteTranscription() error = %v", err)
	}
	if res.Provider != "openai" || res.Model != "whisper-1" || resp.Duration != 3.5 {
		t.Errorf("result = %+v, response = %+v", res, resp)
	}
}

func TestProvidersReportsKeys(t *testing.T) {
	h := newHarness(t)
	infos := h.router.Providers(h.scopeFor(t, "anthropic"))

	byName := map[string]ProviderInfo{}
	for _, info := range infos {
		byName[info.Name] = info
	}
	if !byName["anthropic"].HasKey || byName["openai"].HasKey {
		t.Errorf("has_key wrong: anthropic=%v openai=%v", byName["anthropic"].HasKey, byName["openai"].HasKey)
	}
	if !byName["ollama"].Local || byName["ollama"].Health.Status != StatusHealthy {
		t.Errorf("ollama = %+v", byName["ollama"])
	}
	if got := h.router.FallbackOrder()[CapabilityEmbedding]; !reflect.DeepEqual(got, []string{"openai", "voyage", "ollama"}) {
		t.Errorf("FallbackOrder() = %v", got)
	}
}

func TestFallbackUsedIgnoresSkippedCandidates(t *testing.T) {
	h := newHarness(t)

	_, res, err := h.router.RouteChat(context.Background(), h.scopeFor(t, "anthropic"), ChatRequest{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("RouteChat() error = %v", err)
	}
	if res.Provider != "anthropic" || res.Attempts != 1 || res.FallbackUsed {
		t.Errorf("result = %+v, want first attempt without fallback", res)
	}
}

// countingStream reports input usage before any usage-bearing chunk
type countingStream struct {
	sliceStream
	input int
}

func (s *countingStream) Usage() *openai.Usage {
	u := buildUsage(s.input, 0, 0, 0)
	return &u
}

func TestStreamUsage(t *testing.T) {
	tests := []struct {
		name      string
		reader    StreamReader
		wantInput int
		wantNil   bool
	}{
		{
			name:    "nothing counted",
			reader:  &sliceStream{chunks: []openai.ChatCompletionStreamResponse{textChunk("a"), textChunk("b")}},
			wantNil: true,
		},
		{
			name: "last usage chunk",
			reader: &sliceStream{chunks: []openai.ChatCompletionStreamResponse{
				textChunk("a"),
				{Usage: &openai.Usage{PromptTokens: 9, CompletionTokens: 1}},
			}},
			wantInput: 9,
		},
		{
			name:      "reader accumulates",
			reader:    &countingStream{sliceStream: sliceStream{chunks: []openai.ChatCompletionStreamResponse{textChunk("a"), textChunk("b")}}, input: 25},
			wantInput: 25,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.adapters["openai"].stream = func() StreamReader { return tt.reader }

			stream, err := h.router.RouteChatStream(context.Background(), h.scopeFor(t, "openai"), ChatRequest{Model: "gpt-4o", Stream: true})
			if err != nil {
				t.Fatalf("RouteChatStream() error = %v", err)
			}
			defer stream.Close()
			for {
				if _, err := stream.Recv(); err != nil {
					break
				}
			}

			got := stream.Usage()
			if tt.wantNil {
				if got != nil {
					t.Errorf("Usage() = %+v, want nil", got)
				}
				return
			}
			if got == nil || got.PromptTokens != tt.wantInput {
				t.Errorf("Usage() = %+v, want %d input tokens", got, tt.wantInput)
			}
		})
	}
}
