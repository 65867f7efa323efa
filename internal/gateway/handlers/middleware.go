package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/mrmushfiq/llm0-tenant-proxy/internal/gateway/auth"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/gateway/tenant"
)

// Authenticator maps an Authorization header to a caller
type Authenticator interface {
	Authenticate(ctx context.Context, headerValue string) (*auth.Identity, error)
}

// ScopeResolver builds the per-request tenant scope
type ScopeResolver interface {
	Resolve(ctx context.Context, id *auth.Identity) (*tenant.Scope, error)
}

// RateLimiter counts requests per API key
type RateLimiter interface {
	CheckRateLimit(ctx context.Context, apiKeyID string, limit int) (bool, int, error)
}

type contextKey int

const (
	identityKey contextKey = iota
	scopeKey
)

// IdentityFrom returns the authenticated caller stored by AuthMiddleware
func IdentityFrom(ctx context.Context) (*auth.Identity, bool) {
	id, ok := ctx.Value(identityKey).(*auth.Identity)
	return id, ok
}

// ScopeFrom returns the tenant scope stored by AuthMiddleware
func ScopeFrom(ctx context.Context) (*tenant.Scope, bool) {
	s, ok := ctx.Value(scopeKey).(*tenant.Scope)
	return s, ok
}

type Middleware struct {
	authenticator    Authenticator
	resolver         ScopeResolver
	limiter          RateLimiter
	defaultRateLimit int
	logger           *slog.Logger
}

// NewMiddleware wires the auth and rate limit middleware. A nil limiter
// disables rate limiting.
func NewMiddleware(a Authenticator, resolver ScopeResolver, limiter RateLimiter, defaultRateLimit int, logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultRateLimit <= 0 {
		defaultRateLimit = 100
	}
	return &Middleware{
		authenticator:    a,
		resolver:         resolver,
		limiter:          limiter,
		defaultRateLimit: defaultRateLimit,
		logger:           logger,
	}
}

// RequestIDMiddleware assigns a UUID request ID when the caller sent none.
// It runs ahead of chi's RequestID so both agree on the value.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

// AuthMiddleware authenticates the caller and resolves its tenant scope
func (m *Middleware) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env := envelopeFor(r)

		header := r.Header.Get("Authorization")
		if header == "" {
			// Anthropic SDKs send the key in x-api-key
			header = r.Header.Get("X-Api-Key")
		}

		id, err := m.authenticator.Authenticate(r.Context(), header)
		if err != nil {
			m.reject(w, r, env, err)
			return
		}

		scope, err := m.resolver.Resolve(r.Context(), id)
		if err != nil {
			m.reject(w, r, env, err)
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, id)
		ctx = context.WithValue(ctx, scopeKey, scope)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Middleware) reject(w http.ResponseWriter, r *http.Request, env envelope, err error) {
	e := classify(err)
	if e.Status >= http.StatusInternalServerError {
		m.logger.Error("auth pipeline failed", "path", r.URL.Path, "error", err)
	}
	writeError(w, env, e)
}

// RateLimitMiddleware enforces per-key request limits
func (m *Middleware) RateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		if !ok || m.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		limit := id.APIKey.RateLimitPerMinute
		if limit <= 0 {
			limit = m.defaultRateLimit
		}

		exceeded, remaining, err := m.limiter.CheckRateLimit(r.Context(), id.APIKey.ID, limit)
		if err != nil {
			// fail open
			m.logger.Warn("rate limit check failed", "api_key_id", id.APIKey.ID, "error", err)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))

		if exceeded {
			w.Header().Set("Retry-After", "60")
			writeError(w, envelopeFor(r), apiError{
				Status:  http.StatusTooManyRequests,
				Type:    "rate_limit_error",
				Code:    "rate_limited",
				Message: "rate limit exceeded",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// CORSMiddleware adds CORS headers
func (m *Middleware) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Api-Key, X-App-Id, X-Provider, X-Request-Id, anthropic-version")
		w.Header().Set("Access-Control-Expose-Headers", "X-Provider, X-Latency-Ms, X-Cost-USD, X-Request-Id, X-Fallback-Used, X-RateLimit-Limit, X-RateLimit-Remaining")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
