package tenant

import (
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/models"
)

// Scope is the isolation boundary for one request. It is built per request
// and never shared.
type Scope struct {
	APIKeyID       string
	GroupID        string
	OrganizationID string

	overrides    map[string]string
	providerKeys []models.ProviderKey
}

// NewScope builds a scope from loaded records. Keys outside groupID or
// revoked are dropped.
func NewScope(apiKeyID, groupID, orgID string, overrides map[string]string, keys []models.ProviderKey) *Scope {
	s := &Scope{
		APIKeyID:       apiKeyID,
		GroupID:        groupID,
		OrganizationID: orgID,
		overrides:      overrides,
	}
	for _, k := range keys {
		if k.GroupID != groupID || k.Revoked() {
			continue
		}
		s.providerKeys = append(s.providerKeys, k)
	}
	return s
}

// ProviderKeys returns the scope's usable provider keys
func (s *Scope) ProviderKeys() []models.ProviderKey {
	return append([]models.ProviderKey(nil), s.providerKeys...)
}

// Override returns the key ID pinned for a provider on this API key
func (s *Scope) Override(provider string) (string, bool) {
	id, ok := s.overrides[provider]
	return id, ok
}

// HasCredential reports whether any key exists for the provider
func (s *Scope) HasCredential(provider string) bool {
	_, ok := s.Credential(provider)
	return ok
}

// Credential picks the provider key for a provider: the API key's override
// if it belongs to this scope, else the group default, else the oldest key.
func (s *Scope) Credential(provider string) (*models.ProviderKey, bool) {
	if id, ok := s.overrides[provider]; ok {
		for i := range s.providerKeys {
			k := &s.providerKeys[i]
			if k.ID == id && k.ProviderID == provider {
				return k, true
			}
		}
	}

	var first *models.ProviderKey
	for i := range s.providerKeys {
		k := &s.providerKeys[i]
		if k.ProviderID != provider {
			continue
		}
		if k.IsDefault {
			return k, true
		}
		if first == nil {
			first = k
		}
	}
	return first, first != nil
}
