package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/models"
)

// Memory is an in-process store with the same query semantics as DB. It
// backs tests and `DATABASE_URL=memory://` local runs.
type Memory struct {
	mu           sync.RWMutex
	groups       map[string]models.Group
	apiKeys      map[string]models.APIKey
	accounts     map[string]models.ProviderAccount
	providerKeys map[string]models.ProviderKey
	pricing      []models.ModelPricing
	usage        []models.UsageLog
}

// NewMemory creates an empty store
func NewMemory() *Memory {
	return &Memory{
		groups:       make(map[string]models.Group),
		apiKeys:      make(map[string]models.APIKey),
		accounts:     make(map[string]models.ProviderAccount),
		providerKeys: make(map[string]models.ProviderKey),
	}
}

// PutGroup inserts or replaces a group
func (m *Memory) PutGroup(g models.Group) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[g.ID] = g
}

// DeleteGroup removes a group
func (m *Memory) DeleteGroup(groupID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.groups, groupID)
}

// PutProviderKey inserts or replaces a provider key
func (m *Memory) PutProviderKey(k models.ProviderKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providerKeys[k.ID] = k
}

// SetPricing replaces the pricing table
func (m *Memory) SetPricing(p []models.ModelPricing) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pricing = append([]models.ModelPricing(nil), p...)
}

// UsageLogs returns a copy of written usage rows
func (m *Memory) UsageLogs() []models.UsageLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.UsageLog(nil), m.usage...)
}

func (m *Memory) GetAPIKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, k := range m.apiKeys {
		if k.KeyHash == keyHash {
			return &k, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) GetAPIKey(ctx context.Context, keyID string) (*models.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.apiKeys[keyID]
	if !ok {
		return nil, ErrNotFound
	}
	return &k, nil
}

func (m *Memory) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apiKeys[key.ID] = *key
	return nil
}

func (m *Memory) RevokeAPIKey(ctx context.Context, keyID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.apiKeys[keyID]
	if !ok || k.RevokedAt != nil {
		return false, nil
	}
	k.RevokedAt = &at
	m.apiKeys[keyID] = k
	return true, nil
}

func (m *Memory) TouchAPIKey(ctx context.Context, keyID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.apiKeys[keyID]; ok {
		k.LastUsedAt = &at
		m.apiKeys[keyID] = k
	}
	return nil
}

func (m *Memory) GetGroup(ctx context.Context, groupID string) (*models.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[groupID]
	if !ok {
		return nil, ErrNotFound
	}
	return &g, nil
}

func (m *Memory) ListProviderKeys(ctx context.Context, groupID string) ([]models.ProviderKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ProviderKey
	for _, k := range m.providerKeys {
		if k.GroupID != groupID || k.RevokedAt != nil {
			continue
		}
		if acct, ok := m.accounts[k.ProviderAccountID]; ok && (!acct.IsActive || acct.GroupID != groupID) {
			continue
		}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) ListSealedProviderKeys(ctx context.Context) ([]models.ProviderKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ProviderKey
	for _, k := range m.providerKeys {
		if k.RevokedAt == nil {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpsertProviderAccount(ctx context.Context, acct *models.ProviderAccount) (*models.ProviderAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, a := range m.accounts {
		if a.GroupID == acct.GroupID && a.ProviderID == acct.ProviderID && a.Name == acct.Name {
			a.IsActive = true
			m.accounts[id] = a
			return &a, nil
		}
	}
	a := *acct
	a.IsActive = true
	m.accounts[a.ID] = a
	return &a, nil
}

func (m *Memory) CreateProviderKey(ctx context.Context, key *models.ProviderKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := *key
	if acct, ok := m.accounts[k.ProviderAccountID]; ok && k.ProviderID == "" {
		k.ProviderID = acct.ProviderID
	}
	if k.IsDefault {
		for id, other := range m.providerKeys {
			if other.GroupID == k.GroupID && other.ProviderAccountID == k.ProviderAccountID {
				other.IsDefault = false
				m.providerKeys[id] = other
			}
		}
	}
	m.providerKeys[k.ID] = k
	return nil
}

func (m *Memory) RevokeProviderKey(ctx context.Context, groupID, keyID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.providerKeys[keyID]
	if !ok || k.GroupID != groupID || k.RevokedAt != nil {
		return false, nil
	}
	k.RevokedAt = &at
	m.providerKeys[keyID] = k
	return true, nil
}

func (m *Memory) ListModelPricing(ctx context.Context) ([]models.ModelPricing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.ModelPricing(nil), m.pricing...), nil
}

func (m *Memory) InsertUsageLog(ctx context.Context, log *models.UsageLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = append(m.usage, *log)
	return nil
}
