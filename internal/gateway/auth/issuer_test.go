package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/database"
)

func TestGenerateKeyFormat(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		key, prefix, err := GenerateKey()
		if err != nil {
			t.Fatalf("GenerateKey() error = %v", err)
		}
		if !ValidFormat(key) {
			t.Fatalf("generated key %q fails format check", key)
		}
		if len(prefix) != DisplayPrefixLen || key[:DisplayPrefixLen] != prefix {
			t.Fatalf("prefix %q does not match key", prefix)
		}
		if seen[key] {
			t.Fatal("duplicate key generated")
		}
		seen[key] = true
	}
}

func TestHashKeyIsStable(t *testing.T) {
	key, _, _ := GenerateKey()
	if HashKey(key) != HashKey(key) {
		t.Error("HashKey() is not deterministic")
	}
	if len(HashKey(key)) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(HashKey(key)))
	}
}

func TestIssueStoresHashAndSealedCopy(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemory()
	v := testVault(t)

	full, key, err := NewIssuer(store, v, nil).Issue(ctx, IssueParams{
		GroupID:   "group-a",
		Name:      "ci",
		Overrides: map[string]string{"openai": "pk-1"},
	})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if key.KeyHash != HashKey(full) {
		t.Error("stored hash does not match full key")
	}
	if key.EncryptedKey == "" || key.EncryptedKey == full {
		t.Error("stored copy is missing or plaintext")
	}

	secret, err := NewIssuer(store, v, nil).Reveal(ctx, key.ID)
	if err != nil {
		t.Fatalf("Reveal() error = %v", err)
	}
	if secret.Reveal() != full {
		t.Error("Reveal() does not return the issued key")
	}
}

func TestIssueRequiresGroup(t *testing.T) {
	if _, _, err := NewIssuer(database.NewMemory(), testVault(t), nil).Issue(context.Background(), IssueParams{}); err == nil {
		t.Error("Issue() without group succeeded")
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemory()
	issuer := NewIssuer(store, testVault(t), nil)

	first := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	issuer.now = func() time.Time { return first }

	_, key, err := issuer.Issue(ctx, IssueParams{GroupID: "group-a"})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	changed, err := issuer.Revoke(ctx, key.ID)
	if err != nil || !changed {
		t.Fatalf("first Revoke() = (%v, %v), want (true, nil)", changed, err)
	}

	issuer.now = func() time.Time { return first.Add(24 * time.Hour) }
	changed, err = issuer.Revoke(ctx, key.ID)
	if err != nil {
		t.Fatalf("second Revoke() error = %v", err)
	}
	if changed {
		t.Error("second Revoke() reported a state change")
	}

	stored, _ := store.GetAPIKey(ctx, key.ID)
	if !stored.RevokedAt.Equal(first) {
		t.Errorf("revoked_at moved to %v", stored.RevokedAt)
	}
}

func TestRevokeUnknownKey(t *testing.T) {
	_, err := NewIssuer(database.NewMemory(), testVault(t), nil).Revoke(context.Background(), "missing")
	if !errors.Is(err, database.ErrNotFound) {
		t.Errorf("Revoke() error = %v, want ErrNotFound", err)
	}
}

var _ KeyManager = (*database.Memory)(nil)
var _ KeyStore = (*database.Memory)(nil)
var _ KeyManager = (*database.DB)(nil)
var _ KeyStore = (*database.DB)(nil)

func TestIssuedKeyCarriesCreationTime(t *testing.T) {
	issuer := NewIssuer(database.NewMemory(), testVault(t), nil)
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	issuer.now = func() time.Time { return at }
	_, key, _ := issuer.Issue(context.Background(), IssueParams{GroupID: "g"})
	if !key.CreatedAt.Equal(at) {
		t.Errorf("created_at = %v, want %v", key.CreatedAt, at)
	}
}
