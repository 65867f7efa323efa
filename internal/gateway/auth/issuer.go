package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/models"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/vault"
)

// KeyManager persists API keys
type KeyManager interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	GetAPIKey(ctx context.Context, keyID string) (*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, keyID string, at time.Time) (bool, error)
}

// Sealer is the vault capability the issuer needs
type Sealer interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (vault.Secret, error)
}

// Issuer creates, reveals and revokes proxy keys
type Issuer struct {
	store KeyManager
	vault Sealer
	cache IdentityCache
	now   func() time.Time
}

// NewIssuer creates an issuer. cache may be nil.
func NewIssuer(store KeyManager, v Sealer, cache IdentityCache) *Issuer {
	return &Issuer{store: store, vault: v, cache: cache, now: time.Now}
}

// IssueParams describes a new key
type IssueParams struct {
	GroupID            string
	Name               string
	Overrides          map[string]string
	RateLimitPerMinute int
}

// Issue creates a key and returns its full value. The full value is only
// available here and through Reveal.
func (i *Issuer) Issue(ctx context.Context, p IssueParams) (string, *models.APIKey, error) {
	if p.GroupID == "" {
		return "", nil, fmt.Errorf("group id is required")
	}

	full, prefix, err := GenerateKey()
	if err != nil {
		return "", nil, err
	}
	sealed, err := i.vault.Encrypt(full)
	if err != nil {
		return "", nil, fmt.Errorf("encrypt key: %w", err)
	}

	key := &models.APIKey{
		ID:                   uuid.NewString(),
		GroupID:              p.GroupID,
		KeyHash:              HashKey(full),
		KeyPrefix:            prefix,
		Name:                 p.Name,
		EncryptedKey:         sealed,
		ProviderKeyOverrides: p.Overrides,
		RateLimitPerMinute:   p.RateLimitPerMinute,
		CreatedAt:            i.now().UTC(),
	}
	if err := i.store.CreateAPIKey(ctx, key); err != nil {
		return "", nil, fmt.Errorf("store key: %w", err)
	}
	return full, key, nil
}

// Reveal decrypts the stored copy of a key
func (i *Issuer) Reveal(ctx context.Context, keyID string) (vault.Secret, error) {
	key, err := i.store.GetAPIKey(ctx, keyID)
	if err != nil {
		return vault.Secret{}, err
	}
	if key.EncryptedKey == "" {
		return vault.Secret{}, fmt.Errorf("key %s has no stored copy", keyID)
	}
	return i.vault.Decrypt(key.EncryptedKey)
}

// Revoke marks a key revoked. Revoking a revoked key changes nothing and
// returns nil. The returned bool reports whether state changed.
func (i *Issuer) Revoke(ctx context.Context, keyID string) (bool, error) {
	key, err := i.store.GetAPIKey(ctx, keyID)
	if err != nil {
		return false, err
	}
	if key.Revoked() {
		return false, nil
	}

	changed, err := i.store.RevokeAPIKey(ctx, keyID, i.now().UTC())
	if err != nil {
		return false, fmt.Errorf("revoke key: %w", err)
	}
	if i.cache != nil {
		i.cache.Invalidate(ctx, key.KeyHash)
	}
	return changed, nil
}
