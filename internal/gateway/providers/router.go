package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/metrics"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/models"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/vault"
)

// CredentialSource yields the caller's provider key for a provider. It is
// satisfied by the request's tenant scope.
type CredentialSource interface {
	Credential(provider string) (*models.ProviderKey, bool)
}

// Decrypter opens stored provider keys
type Decrypter interface {
	Decrypt(ciphertext string) (vault.Secret, error)
}

// Adapters holds the registered protocol adapters per capability
type Adapters struct {
	chat          map[string]ChatAdapter
	embedding     map[string]EmbeddingAdapter
	transcription map[string]TranscriptionAdapter
}

// NewAdapters creates an empty adapter set
func NewAdapters() *Adapters {
	return &Adapters{
		chat:          make(map[string]ChatAdapter),
		embedding:     make(map[string]EmbeddingAdapter),
		transcription: make(map[string]TranscriptionAdapter),
	}
}

// Register adds adapter under name for every capability it implements
func (a *Adapters) Register(name string, adapter any) *Adapters {
	if c, ok := adapter.(ChatAdapter); ok {
		a.chat[name] = c
	}
	if e, ok := adapter.(EmbeddingAdapter); ok {
		a.embedding[name] = e
	}
	if t, ok := adapter.(TranscriptionAdapter); ok {
		a.transcription[name] = t
	}
	return a
}

func (a *Adapters) has(name string, capability Capability) bool {
	var ok bool
	switch capability {
	case CapabilityChat:
		_, ok = a.chat[name]
	case CapabilityEmbedding:
		_, ok = a.embedding[name]
	case CapabilityTranscription:
		_, ok = a.transcription[name]
	}
	return ok
}

// BuildAdapters constructs the adapter for every catalog provider
func BuildAdapters(catalog *Catalog, httpClient *http.Client) *Adapters {
	a := NewAdapters()
	for _, name := range catalog.Names() {
		spec := catalog.Providers[name]
		switch spec.Kind {
		case AdapterOpenAI, AdapterOpenAICompatible:
			a.Register(name, NewOpenAIProvider(name, spec.BaseURL, httpClient))
		case AdapterAnthropic:
			a.Register(name, NewAnthropicProvider(name, spec.BaseURL, httpClient))
		case AdapterGoogle:
			a.Register(name, NewGeminiProvider(name, spec.BaseURL, httpClient))
		case AdapterOllama:
			a.Register(name, NewOllamaProvider(name, spec.BaseURL, httpClient))
		}
	}
	return a
}

// Candidate is one provider/model pair in a fallback order
type Candidate struct {
	Provider string
	Model    string
	Timeout  time.Duration

	spec *ProviderSpec
}

// Result describes how a routed call was served
type Result struct {
	Provider      string
	Model         string
	ProviderKeyID string
	Attempts      int
	FallbackUsed  bool
	Latency       time.Duration

	release []context.CancelFunc
}

// RouterOptions configures a Router
type RouterOptions struct {
	Catalog        *Catalog
	Adapters       *Adapters
	Vault          Decrypter
	Health         *Health
	RequestTimeout time.Duration
	HTTPClient     *http.Client
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

// Router selects providers and handles fallback
type Router struct {
	catalog        *Catalog
	adapters       *Adapters
	vault          Decrypter
	health         *Health
	requestTimeout time.Duration
	httpClient     *http.Client
	metrics        *metrics.Metrics
	logger         *slog.Logger
}

// NewRouter creates a router
func NewRouter(opts RouterOptions) *Router {
	r := &Router{
		catalog:        opts.Catalog,
		adapters:       opts.Adapters,
		vault:          opts.Vault,
		health:         opts.Health,
		requestTimeout: opts.RequestTimeout,
		httpClient:     opts.HTTPClient,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.health == nil {
		r.health = NewHealth(DefaultBreakerConfig, r.metrics, r.logger)
	}
	if r.requestTimeout <= 0 {
		r.requestTimeout = 300 * time.Second
	}
	if r.httpClient == nil {
		r.httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return r
}

// Catalog returns the router's provider catalog
func (r *Router) Catalog() *Catalog {
	return r.catalog
}

// Candidates computes the attempt order for a request. A pinned provider
// yields exactly one candidate.
func (r *Router) Candidates(capability Capability, model, pin string) ([]Candidate, error) {
	if pin != "" {
		spec, ok := r.catalog.Provider(pin)
		if !ok {
			return nil, invalidRequest("unknown provider: %s", pin)
		}
		if !spec.Supports(capability) || !r.adapters.has(pin, capability) {
			return nil, invalidRequest("provider %s does not support %s", pin, capability)
		}
		return []Candidate{r.candidate(spec, r.pinnedModel(spec, capability, model))}, nil
	}

	var cands []Candidate
	switch capability {
	case CapabilityChat:
		native, ok := r.catalog.NativeProvider(CapabilityChat, model)
		if !ok {
			return nil, invalidRequest("unknown model: %s", model)
		}
		order := []string{native}
		for _, name := range r.catalog.Chain(CapabilityChat) {
			if name != native {
				order = append(order, name)
			}
		}
		for _, name := range order {
			equivalent, ok := r.catalog.Equivalent(model, name)
			if !ok || !r.adapters.has(name, capability) {
				continue
			}
			cands = append(cands, r.candidate(r.catalog.Providers[name], equivalent))
		}

	default:
		for _, name := range r.catalog.Chain(capability) {
			if !r.adapters.has(name, capability) {
				continue
			}
			spec := r.catalog.Providers[name]
			cands = append(cands, r.candidate(spec, spec.ModelFor(capability, model)))
		}
	}

	if len(cands) == 0 {
		return nil, invalidRequest("no provider configured for %s", capability)
	}
	return cands, nil
}

func (r *Router) pinnedModel(spec *ProviderSpec, capability Capability, model string) string {
	if model == "" {
		return spec.Capabilities[capability].DefaultModel
	}
	if capability == CapabilityChat {
		if equivalent, ok := r.catalog.Equivalent(model, spec.Name); ok {
			return equivalent
		}
	}
	return model
}

func (r *Router) candidate(spec *ProviderSpec, model string) Candidate {
	return Candidate{Provider: spec.Name, Model: model, Timeout: spec.Timeout, spec: spec}
}

// credential opens the caller's key for a candidate. Local providers need
// none.
func (r *Router) credential(scope CredentialSource, c Candidate) (Credential, bool) {
	if !c.spec.RequiresKey {
		return Credential{}, true
	}
	if scope == nil {
		return Credential{}, false
	}
	key, ok := scope.Credential(c.Provider)
	if !ok {
		r.logger.Debug("skipping provider without credential", "provider", c.Provider)
		return Credential{}, false
	}
	secret, err := r.vault.Decrypt(key.EncryptedKey)
	if err != nil {
		r.logger.Error("provider key cannot be decrypted, skipping",
			"provider", c.Provider,
			"provider_key_id", key.ID,
			"error", err)
		return Credential{}, false
	}
	return Credential{ProviderKeyID: key.ID, APIKey: secret}, true
}

type attemptFunc func(ctx context.Context, c Candidate, cred Credential) (any, error)

// run tries candidates in order. When hold is set the successful attempt's
// context stays live and is released through Result.Release.
func (r *Router) run(ctx context.Context, capability Capability, cands []Candidate, pinned, hold bool, scope CredentialSource, call attemptFunc) (any, *Result, error) {
	start := time.Now()
	res := &Result{}
	var last *Error

	for _, c := range cands {
		if ctx.Err() != nil {
			break
		}
		cred, ok := r.credential(scope, c)
		if !ok {
			continue
		}

		res.Attempts++
		res.Provider = c.Provider
		res.Model = c.Model
		res.ProviderKeyID = cred.ProviderKeyID

		attemptCtx, cancel := context.WithTimeout(ctx, c.Timeout)
		attemptStart := time.Now()
		out, err := r.health.Execute(attemptCtx, c.Provider, func() (any, error) {
			return call(attemptCtx, c, cred)
		})
		elapsed := time.Since(attemptStart)

		if err == nil {
			r.metrics.RecordAttempt(c.Provider, string(capability), "success", elapsed)
			// skipped candidates made no call, so only earlier attempts count
			res.FallbackUsed = res.Attempts > 1
			res.Latency = time.Since(start)
			if res.FallbackUsed {
				r.metrics.RecordFallback(string(capability), c.Provider)
			}
			if hold {
				res.release = append(res.release, cancel)
			} else {
				cancel()
			}
			return out, res, nil
		}
		cancel()

		perr := asError(c.Provider, err, cred)
		if errors.Is(ctx.Err(), context.Canceled) {
			perr = &Error{Kind: KindCanceled, Provider: c.Provider, Message: "request canceled by client", Cause: ctx.Err()}
		}
		r.metrics.RecordAttempt(c.Provider, string(capability), string(perr.Kind), elapsed)
		r.logger.Warn("provider attempt failed",
			"provider", c.Provider,
			"model", c.Model,
			"capability", capability,
			"kind", perr.Kind,
			"status", perr.StatusCode,
			"error", perr.Message)

		if perr.Kind == KindCanceled {
			res.Latency = time.Since(start)
			return nil, res, perr
		}
		last = perr
		if pinned {
			res.Latency = time.Since(start)
			return nil, res, perr
		}
	}

	res.Latency = time.Since(start)
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil, res, &Error{Kind: KindCanceled, Message: "request canceled by client", Cause: ctx.Err()}
	}
	if res.Attempts == 0 {
		return nil, res, &Error{
			Kind:    KindNoCredential,
			Message: fmt.Sprintf("no provider key configured for %s", capability),
		}
	}
	if last == nil {
		last = &Error{Kind: KindTimeout, Message: "request timed out", Cause: ctx.Err()}
	}
	return nil, res, &Error{
		Kind:     KindAllProvidersFailed,
		Message:  "all providers failed",
		Attempts: res.Attempts,
		Last:     last,
	}
}

func asError(provider string, err error, cred Credential) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		if perr.Provider == "" {
			cp := *perr
			cp.Provider = provider
			return &cp
		}
		return perr
	}
	return transportError(provider, err, cred)
}

// RouteChat serves a chat completion with fallback
func (r *Router) RouteChat(ctx context.Context, scope CredentialSource, req ChatRequest) (*ChatResponse, *Result, error) {
	cands, err := r.Candidates(CapabilityChat, req.Model, req.Provider)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.requestTimeout)
	defer cancel()

	out, res, err := r.run(ctx, CapabilityChat, cands, req.Provider != "", false, scope, func(ctx context.Context, c Candidate, cred Credential) (any, error) {
		attemptReq := req
		attemptReq.Model = c.Model
		return r.adapters.chat[c.Provider].Chat(ctx, cred, attemptReq)
	})
	if err != nil {
		return nil, res, err
	}
	return out.(*ChatResponse), res, nil
}

type peekedStream struct {
	reader StreamReader
	first  openai.ChatCompletionStreamResponse
}

// RouteChatStream opens a chat stream with fallback. A stream is committed
// once its first chunk arrives; earlier failures advance the chain.
func (r *Router) RouteChatStream(ctx context.Context, scope CredentialSource, req ChatRequest) (*Stream, error) {
	cands, err := r.Candidates(CapabilityChat, req.Model, req.Provider)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.requestTimeout)

	out, res, err := r.run(ctx, CapabilityChat, cands, req.Provider != "", true, scope, func(ctx context.Context, c Candidate, cred Credential) (any, error) {
		attemptReq := req
		attemptReq.Model = c.Model
		attemptReq.Stream = true
		reader, err := r.adapters.chat[c.Provider].ChatStream(ctx, cred, attemptReq)
		if err != nil {
			return nil, err
		}
		first, err := reader.Recv()
		if err != nil {
			reader.Close()
			if errors.Is(err, io.EOF) {
				return nil, &Error{Kind: KindUpstream5xx, Provider: c.Provider, Message: "stream ended before first chunk"}
			}
			return nil, err
		}
		return &peekedStream{reader: reader, first: first}, nil
	})
	if err != nil {
		cancel()
		return &Stream{Result: res}, err
	}

	peeked := out.(*peekedStream)
	res.release = append(res.release, cancel)
	return &Stream{Result: res, reader: peeked.reader, first: &peeked.first}, nil
}

// Stream is a committed chat stream. Close must be called to release the
// upstream connection.
type Stream struct {
	Result *Result

	reader StreamReader
	first  *openai.ChatCompletionStreamResponse
	last   *openai.Usage
	once   sync.Once
}

// Recv returns the next chunk, starting with the one peeked during routing
func (s *Stream) Recv() (openai.ChatCompletionStreamResponse, error) {
	var chunk openai.ChatCompletionStreamResponse
	switch {
	case s.first != nil:
		chunk = *s.first
		s.first = nil
	case s.reader == nil:
		return chunk, io.EOF
	default:
		var err error
		if chunk, err = s.reader.Recv(); err != nil {
			return chunk, err
		}
	}
	if chunk.Usage != nil {
		u := *chunk.Usage
		s.last = &u
	}
	return chunk, nil
}

// Usage is the best token count known so far. Readers that accumulate usage
// mid-stream are preferred over the last usage-bearing chunk.
func (s *Stream) Usage() *openai.Usage {
	if ur, ok := s.reader.(UsageReporter); ok {
		if u := ur.Usage(); u != nil {
			return u
		}
	}
	return s.last
}

// Close closes the upstream stream and releases its contexts
func (s *Stream) Close() error {
	var err error
	if s.reader != nil {
		err = s.reader.Close()
	}
	s.once.Do(func() {
		if s.Result != nil {
			for _, release := range s.Result.release {
				release()
			}
		}
	})
	return err
}

// RouteEmbedding serves an embeddings request with fallback
func (r *Router) RouteEmbedding(ctx context.Context, scope CredentialSource, req EmbeddingRequest) (*EmbeddingResponse, *Result, error) {
	if len(req.Input) == 0 {
		return nil, nil, invalidRequest("input is required")
	}
	cands, err := r.Candidates(CapabilityEmbedding, req.Model, req.Provider)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.requestTimeout)
	defer cancel()

	out, res, err := r.run(ctx, CapabilityEmbedding, cands, req.Provider != "", false, scope, func(ctx context.Context, c Candidate, cred Credential) (any, error) {
		attemptReq := req
		attemptReq.Model = c.Model
		return r.adapters.embedding[c.Provider].Embed(ctx, cred, attemptReq)
	})
	if err != nil {
		return nil, res, err
	}
	return out.(*EmbeddingResponse), res, nil
}

// RouteTranscription serves a transcription request with fallback. The
// buffered audio is replayed on every attempt.
func (r *Router) RouteTranscription(ctx context.Context, scope CredentialSource, req TranscriptionRequest) (*TranscriptionResponse, *Result, error) {
	if len(req.Audio) == 0 {
		return nil, nil, invalidRequest("file is required")
	}
	cands, err := r.Candidates(CapabilityTranscription, req.Model, req.Provider)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.requestTimeout)
	defer cancel()

	out, res, err := r.run(ctx, CapabilityTranscription, cands, req.Provider != "", false, scope, func(ctx context.Context, c Candidate, cred Credential) (any, error) {
		attemptReq := req
		attemptReq.Model = c.Model
		return r.adapters.transcription[c.Provider].Transcribe(ctx, cred, attemptReq)
	})
	if err != nil {
		return nil, res, err
	}
	return out.(*TranscriptionResponse), res, nil
}

// ProviderInfo describes a provider as seen by one caller
type ProviderInfo struct {
	Name         string         `json:"name"`
	Kind         AdapterKind    `json:"kind"`
	Capabilities []Capability   `json:"capabilities"`
	Local        bool           `json:"local"`
	RequiresKey  bool           `json:"requires_key"`
	HasKey       bool           `json:"has_key"`
	Health       ProviderHealth `json:"health"`
}

// Providers lists the catalog with the caller's key availability
func (r *Router) Providers(scope CredentialSource) []ProviderInfo {
	out := make([]ProviderInfo, 0, len(r.catalog.Providers))
	for _, name := range r.catalog.Names() {
		spec := r.catalog.Providers[name]
		info := ProviderInfo{
			Name:        name,
			Kind:        spec.Kind,
			Local:       spec.Local,
			RequiresKey: spec.RequiresKey,
			Health:      r.health.Status(name),
		}
		for _, c := range []Capability{CapabilityChat, CapabilityEmbedding, CapabilityTranscription} {
			if spec.Supports(c) {
				info.Capabilities = append(info.Capabilities, c)
			}
		}
		if scope != nil {
			_, info.HasKey = scope.Credential(name)
		}
		out = append(out, info)
	}
	return out
}

// FallbackOrder returns the declared chains per capability
func (r *Router) FallbackOrder() map[Capability][]string {
	out := make(map[Capability][]string, len(r.catalog.Fallback))
	for c := range r.catalog.Fallback {
		out[c] = r.catalog.Chain(c)
	}
	return out
}

// ProbeLocal checks every local provider with a health URL. A nil entry
// means the provider answered.
func (r *Router) ProbeLocal(ctx context.Context) map[string]error {
	out := make(map[string]error)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, name := range r.catalog.Names() {
		spec := r.catalog.Providers[name]
		if !spec.Local || spec.HealthURL == "" {
			continue
		}
		wg.Add(1)
		go func(name, url string) {
			defer wg.Done()
			err := Probe(ctx, r.httpClient, url)
			mu.Lock()
			out[name] = err
			mu.Unlock()
		}(name, spec.HealthURL)
	}
	wg.Wait()
	return out
}
