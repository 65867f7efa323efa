package tenant

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/database"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/models"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/vault"
)

func TestRegistrarAddSealsAndScopes(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemory()
	store.PutGroup(models.Group{ID: "g1", OrganizationID: "org-1"})
	v, err := vault.New(bytes.Repeat([]byte{9}, 32))
	if err != nil {
		t.Fatal(err)
	}
	reg := NewRegistrar(store, v)
	reg.now = func() time.Time { return base }

	key, err := reg.Add(ctx, ProviderKeyParams{GroupID: "g1", Provider: "openai", Key: "sk-live-abcd1234", Default: true})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if strings.Contains(key.EncryptedKey, "sk-live") || key.KeySuffix != "1234" || key.Name != "openai" {
		t.Errorf("key = %+v", key)
	}

	scope, err := NewResolver(store).Resolve(ctx, identity("k1", "g1", nil))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	got, ok := scope.Credential("openai")
	if !ok || got.ID != key.ID {
		t.Fatalf("Credential() = %v, %v", got, ok)
	}
	secret, err := v.Decrypt(got.EncryptedKey)
	if err != nil || secret.Reveal() != "sk-live-abcd1234" {
		t.Errorf("Decrypt() = %v, %v", secret, err)
	}
}

func TestRegistrarRevokeIsGroupScoped(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemory()
	v, _ := vault.New(bytes.Repeat([]byte{9}, 32))
	reg := NewRegistrar(store, v)

	key, err := reg.Add(ctx, ProviderKeyParams{GroupID: "g1", Provider: "anthropic", Key: "sk-ant-xyz98765"})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	if ok, err := reg.Revoke(ctx, "g2", key.ID); err != nil || ok {
		t.Errorf("Revoke() from another group = %v, %v", ok, err)
	}
	if ok, err := reg.Revoke(ctx, "g1", key.ID); err != nil || !ok {
		t.Errorf("Revoke() = %v, %v", ok, err)
	}
	if ok, _ := reg.Revoke(ctx, "g1", key.ID); ok {
		t.Error("second Revoke() reported a change")
	}
}

func TestRegistrarAddValidates(t *testing.T) {
	reg := NewRegistrar(database.NewMemory(), nil)
	tests := []struct {
		name string
		p    ProviderKeyParams
	}{
		{"missing group", ProviderKeyParams{Provider: "openai", Key: "sk-1"}},
		{"missing provider", ProviderKeyParams{GroupID: "g1", Key: "sk-1"}},
		{"missing key", ProviderKeyParams{GroupID: "g1", Provider: "openai"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := reg.Add(context.Background(), tt.p); err == nil {
				t.Error("Add() accepted incomplete params")
			}
		})
	}
}
