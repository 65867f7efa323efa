package tenant

import (
	"context"
	"fmt"

	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/models"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/vault"
)

// Encryption check outcomes
const (
	EncryptionOK      = "ok"
	EncryptionWarning = "warning"
	EncryptionError   = "error"
)

// SealedKeyLister lists every stored provider key regardless of group
type SealedKeyLister interface {
	ListSealedProviderKeys(ctx context.Context) ([]models.ProviderKey, error)
}

// Opener decrypts sealed credentials
type Opener interface {
	Decrypt(ciphertext string) (vault.Secret, error)
}

// EncryptionStatus reports whether the configured vault key can open the
// stored provider keys. FailedKeys holds key IDs and stays out of responses.
type EncryptionStatus struct {
	Status          string   `json:"status"`
	Message         string   `json:"message"`
	TotalKeys       int      `json:"total_keys"`
	DecryptableKeys int      `json:"decryptable_keys"`
	AffectedCount   int      `json:"affected_count"`
	FailedKeys      []string `json:"-"`
}

// CheckEncryption tries to decrypt every stored provider key. A vault key
// rotated without re-encrypting leaves every key unreadable, which is an
// error; a partial failure is a warning.
func CheckEncryption(ctx context.Context, store SealedKeyLister, v Opener) EncryptionStatus {
	keys, err := store.ListSealedProviderKeys(ctx)
	if err != nil {
		return EncryptionStatus{Status: EncryptionError, Message: fmt.Sprintf("list provider keys: %v", err)}
	}

	st := EncryptionStatus{TotalKeys: len(keys)}
	for _, k := range keys {
		if _, err := v.Decrypt(k.EncryptedKey); err != nil {
			st.FailedKeys = append(st.FailedKeys, k.ID)
			continue
		}
		st.DecryptableKeys++
	}
	st.AffectedCount = len(st.FailedKeys)

	switch {
	case st.TotalKeys == 0:
		st.Status, st.Message = EncryptionOK, "no provider keys stored"
	case st.AffectedCount == 0:
		st.Status, st.Message = EncryptionOK, "all provider keys decrypt"
	case st.DecryptableKeys == 0:
		st.Status = EncryptionError
		st.Message = fmt.Sprintf("no provider keys decrypt (%d affected); the encryption key may have changed", st.AffectedCount)
	default:
		st.Status = EncryptionWarning
		st.Message = fmt.Sprintf("%d of %d provider keys do not decrypt", st.AffectedCount, st.TotalKeys)
	}
	return st
}
