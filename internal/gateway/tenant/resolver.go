// Package tenant expands an authenticated identity into the request scope:
// the group's provider keys and the key's routing overrides.
package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/mrmushfiq/llm0-tenant-proxy/internal/gateway/auth"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/database"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/models"
)

// Kind classifies scope failures
type Kind string

const (
	KindNoGroup Kind = "no_group"
)

// Error is a scope resolution failure
type Error struct {
	Kind    Kind
	GroupID string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api key group %s is not available", e.GroupID)
}

// Is matches any *Error with the same Kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// ErrNoGroup matches any NoGroup failure
var ErrNoGroup = &Error{Kind: KindNoGroup}

// Store is the group-scoped query surface. There is deliberately no
// organization-wide provider key query.
type Store interface {
	GetGroup(ctx context.Context, groupID string) (*models.Group, error)
	ListProviderKeys(ctx context.Context, groupID string) ([]models.ProviderKey, error)
}

// Resolver builds request scopes
type Resolver struct {
	store Store
}

// NewResolver creates a resolver
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve loads the isolation scope for an identity
func (r *Resolver) Resolve(ctx context.Context, id *auth.Identity) (*Scope, error) {
	group, err := r.store.GetGroup(ctx, id.GroupID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, &Error{Kind: KindNoGroup, GroupID: id.GroupID}
	}
	if err != nil {
		return nil, fmt.Errorf("load group: %w", err)
	}

	keys, err := r.store.ListProviderKeys(ctx, group.ID)
	if err != nil {
		return nil, fmt.Errorf("load provider keys: %w", err)
	}

	overrides := make(map[string]string, len(id.APIKey.ProviderKeyOverrides))
	for provider, keyID := range id.APIKey.ProviderKeyOverrides {
		overrides[provider] = keyID
	}

	return NewScope(id.APIKey.ID, group.ID, group.OrganizationID, overrides, keys), nil
}
