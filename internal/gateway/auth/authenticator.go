// Package auth maps proxy bearer credentials to caller identities and manages
// the key lifecycle.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/database"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/metrics"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/models"
)

// Kind classifies authentication failures
type Kind string

const (
	KindMalformed Kind = "malformed"
	KindNotFound  Kind = "not_found"
	KindRevoked   Kind = "revoked"
)

// Error is an authentication failure. Messages never echo the presented key.
type Error struct {
	Kind Kind
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindMalformed:
		return "malformed API key"
	case KindRevoked:
		return "API key has been revoked"
	default:
		return "invalid API key"
	}
}

// Is matches any *Error with the same Kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrMalformed = &Error{Kind: KindMalformed}
	ErrNotFound  = &Error{Kind: KindNotFound}
	ErrRevoked   = &Error{Kind: KindRevoked}
)

// Identity is an authenticated caller
type Identity struct {
	APIKey         models.APIKey
	GroupID        string
	OrganizationID string
}

// KeyStore is the slice of the database the authenticator needs
type KeyStore interface {
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error)
	GetGroup(ctx context.Context, groupID string) (*models.Group, error)
	TouchAPIKey(ctx context.Context, keyID string, at time.Time) error
}

// IdentityCache holds recent lookups keyed by key hash. Its TTL bounds how
// long a revocation can go unnoticed.
type IdentityCache interface {
	Get(ctx context.Context, keyHash string) (*Identity, bool)
	Set(ctx context.Context, keyHash string, id *Identity)
	Invalidate(ctx context.Context, keyHash string)
}

// Authenticator validates bearer credentials
type Authenticator struct {
	store   KeyStore
	cache   IdentityCache
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	touches sync.WaitGroup
}

// NewAuthenticator creates an authenticator. cache and m may be nil.
func NewAuthenticator(store KeyStore, cache IdentityCache, m *metrics.Metrics, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		store:   store,
		cache:   cache,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Authenticate resolves an Authorization header value to an identity
func (a *Authenticator) Authenticate(ctx context.Context, headerValue string) (*Identity, error) {
	token := ParseAuthorization(headerValue)
	if !ValidFormat(token) {
		return nil, a.fail(ErrMalformed)
	}

	keyHash := HashKey(token)

	if a.cache != nil {
		if id, ok := a.cache.Get(ctx, keyHash); ok {
			if id.APIKey.Revoked() {
				return nil, a.fail(ErrRevoked)
			}
			a.touch(id.APIKey.ID)
			return id, nil
		}
	}

	key, err := a.store.GetAPIKeyByHash(ctx, keyHash)
	if errors.Is(err, database.ErrNotFound) {
		return nil, a.fail(ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup api key: %w", err)
	}

	// The hash matched; revocation is checked only now.
	if key.Revoked() {
		return nil, a.fail(ErrRevoked)
	}

	id := &Identity{APIKey: *key, GroupID: key.GroupID}
	group, err := a.store.GetGroup(ctx, key.GroupID)
	switch {
	case err == nil:
		id.OrganizationID = group.OrganizationID
	case errors.Is(err, database.ErrNotFound):
		// TenantResolver reports the missing group
	default:
		return nil, fmt.Errorf("lookup group: %w", err)
	}

	if a.cache != nil && id.OrganizationID != "" {
		a.cache.Set(ctx, keyHash, id)
	}
	a.touch(key.ID)

	return id, nil
}

func (a *Authenticator) fail(err *Error) error {
	a.metrics.RecordAuthFailure(string(err.Kind))
	return err
}

// touch records last use without holding up the request
func (a *Authenticator) touch(keyID string) {
	at := a.now()
	a.touches.Add(1)
	go func() {
		defer a.touches.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.store.TouchAPIKey(ctx, keyID, at); err != nil {
			a.logger.Warn("failed to update api key last_used_at", "api_key_id", keyID, "error", err)
		}
	}()
}

// Wait blocks until pending last-used updates finish
func (a *Authenticator) Wait() {
	a.touches.Wait()
}
