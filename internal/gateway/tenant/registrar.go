package tenant

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/models"
)

// KeyStore persists provider credentials
type KeyStore interface {
	UpsertProviderAccount(ctx context.Context, acct *models.ProviderAccount) (*models.ProviderAccount, error)
	CreateProviderKey(ctx context.Context, key *models.ProviderKey) error
	RevokeProviderKey(ctx context.Context, groupID, keyID string, at time.Time) (bool, error)
}

// Sealer encrypts credentials at rest
type Sealer interface {
	Encrypt(plaintext string) (string, error)
}

// Registrar stores upstream provider keys for a group. Keys are sealed
// before they reach the store.
type Registrar struct {
	store KeyStore
	vault Sealer
	now   func() time.Time
}

func NewRegistrar(store KeyStore, v Sealer) *Registrar {
	return &Registrar{store: store, vault: v, now: time.Now}
}

// ProviderKeyParams describes a provider key to register
type ProviderKeyParams struct {
	GroupID  string
	Provider string
	Name     string
	Key      string
	Default  bool
}

// Add seals and stores a provider key under the group's account for that
// provider
func (r *Registrar) Add(ctx context.Context, p ProviderKeyParams) (*models.ProviderKey, error) {
	switch {
	case p.GroupID == "":
		return nil, fmt.Errorf("group id is required")
	case p.Provider == "":
		return nil, fmt.Errorf("provider is required")
	case p.Key == "":
		return nil, fmt.Errorf("key is required")
	}
	if p.Name == "" {
		p.Name = p.Provider
	}
	now := r.now().UTC()

	acct, err := r.store.UpsertProviderAccount(ctx, &models.ProviderAccount{
		ID:         uuid.NewString(),
		GroupID:    p.GroupID,
		ProviderID: p.Provider,
		Name:       p.Provider,
		CreatedAt:  now,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert provider account: %w", err)
	}

	sealed, err := r.vault.Encrypt(p.Key)
	if err != nil {
		return nil, fmt.Errorf("seal provider key: %w", err)
	}

	key := &models.ProviderKey{
		ID:                uuid.NewString(),
		ProviderAccountID: acct.ID,
		GroupID:           p.GroupID,
		ProviderID:        p.Provider,
		Name:              p.Name,
		EncryptedKey:      sealed,
		KeySuffix:         suffix(p.Key),
		IsDefault:         p.Default,
		CreatedAt:         now,
	}
	if err := r.store.CreateProviderKey(ctx, key); err != nil {
		return nil, fmt.Errorf("create provider key: %w", err)
	}
	return key, nil
}

// Revoke revokes a key inside its group. Keys of other groups are never
// touched.
func (r *Registrar) Revoke(ctx context.Context, groupID, keyID string) (bool, error) {
	return r.store.RevokeProviderKey(ctx, groupID, keyID, r.now().UTC())
}

// suffix keeps the last four characters for display
func suffix(key string) string {
	if len(key) <= 4 {
		return ""
	}
	return key[len(key)-4:]
}
