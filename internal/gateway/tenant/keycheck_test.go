package tenant

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/database"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/models"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/vault"
)

type failingLister struct{}

func (failingLister) ListSealedProviderKeys(context.Context) ([]models.ProviderKey, error) {
	return nil, errors.New("connection refused")
}

func TestCheckEncryption(t *testing.T) {
	current, err := vault.New(bytes.Repeat([]byte{1}, 32))
	if err != nil {
		t.Fatal(err)
	}
	rotated, err := vault.New(bytes.Repeat([]byte{2}, 32))
	if err != nil {
		t.Fatal(err)
	}
	seal := func(v *vault.Vault) string {
		ct, err := v.Encrypt("sk-live-abcd")
		if err != nil {
			t.Fatal(err)
		}
		return ct
	}
	revoked := base

	tests := []struct {
		name         string
		keys         []models.ProviderKey
		wantStatus   string
		wantOK       int
		wantAffected int
		wantFailed   []string
	}{
		{name: "no keys", wantStatus: EncryptionOK},
		{
			name: "all decrypt",
			keys: []models.ProviderKey{
				{ID: "pk-1", GroupID: "g1", EncryptedKey: seal(current)},
				{ID: "pk-2", GroupID: "g2", EncryptedKey: seal(current)},
			},
			wantStatus: EncryptionOK,
			wantOK:     2,
		},
		{
			name: "some fail",
			keys: []models.ProviderKey{
				{ID: "pk-1", GroupID: "g1", EncryptedKey: seal(current)},
				{ID: "pk-2", GroupID: "g2", EncryptedKey: seal(rotated)},
			},
			wantStatus:   EncryptionWarning,
			wantOK:       1,
			wantAffected: 1,
			wantFailed:   []string{"pk-2"},
		},
		{
			name: "key changed",
			keys: []models.ProviderKey{
				{ID: "pk-1", GroupID: "g1", EncryptedKey: seal(rotated)},
				{ID: "pk-2", GroupID: "g2", EncryptedKey: seal(rotated)},
			},
			wantStatus:   EncryptionError,
			wantAffected: 2,
			wantFailed:   []string{"pk-1", "pk-2"},
		},
		{
			name: "revoked keys ignored",
			keys: []models.ProviderKey{
				{ID: "pk-1", GroupID: "g1", EncryptedKey: seal(current)},
				{ID: "pk-2", GroupID: "g1", EncryptedKey: "garbage", RevokedAt: &revoked},
			},
			wantStatus: EncryptionOK,
			wantOK:     1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := database.NewMemory()
			for _, k := range tt.keys {
				store.PutProviderKey(k)
			}
			st := CheckEncryption(context.Background(), store, current)
			if st.Status != tt.wantStatus || st.DecryptableKeys != tt.wantOK || st.AffectedCount != tt.wantAffected {
				t.Fatalf("CheckEncryption() = %+v", st)
			}
			if st.TotalKeys != tt.wantOK+tt.wantAffected {
				t.Errorf("TotalKeys = %d, want %d", st.TotalKeys, tt.wantOK+tt.wantAffected)
			}
			if len(st.FailedKeys) != len(tt.wantFailed) {
				t.Fatalf("FailedKeys = %v, want %v", st.FailedKeys, tt.wantFailed)
			}
			for i := range tt.wantFailed {
				if st.FailedKeys[i] != tt.wantFailed[i] {
					t.Errorf("FailedKeys = %v, want %v", st.FailedKeys, tt.wantFailed)
				}
			}
		})
	}
}

func TestCheckEncryptionStoreFailure(t *testing.T) {
	v, err := vault.New(bytes.Repeat([]byte{1}, 32))
	if err != nil {
		t.Fatal(err)
	}
	st := CheckEncryption(context.Background(), failingLister{}, v)
	if st.Status != EncryptionError || st.Message == "" {
		t.Errorf("CheckEncryption() = %+v, want error status", st)
	}
}
