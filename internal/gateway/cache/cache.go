// Package cache keeps recently authenticated identities in Redis so most
// requests skip the key lookup.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/mrmushfiq/llm0-tenant-proxy/internal/gateway/auth"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/redis"
)

// KV is the Redis subset the cache uses
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// IdentityCache implements auth.IdentityCache on Redis
type IdentityCache struct {
	kv     KV
	ttl    time.Duration
	logger *slog.Logger
}

// New creates an identity cache. A zero ttl disables caching.
func New(kv KV, ttl time.Duration, logger *slog.Logger) *IdentityCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdentityCache{kv: kv, ttl: ttl, logger: logger}
}

func cacheKey(keyHash string) string {
	return "auth:" + keyHash
}

// Get returns a cached identity. Errors count as a miss.
func (c *IdentityCache) Get(ctx context.Context, keyHash string) (*auth.Identity, bool) {
	if c.ttl <= 0 {
		return nil, false
	}

	val, err := c.kv.Get(ctx, cacheKey(keyHash))
	if err != nil {
		if !errors.Is(err, redis.ErrNotFound) {
			c.logger.Warn("identity cache read failed", "error", err)
		}
		return nil, false
	}

	var id auth.Identity
	if err := json.Unmarshal([]byte(val), &id); err != nil {
		c.logger.Warn("identity cache entry unreadable", "error", err)
		return nil, false
	}
	return &id, true
}

// Set stores an identity for the configured TTL
func (c *IdentityCache) Set(ctx context.Context, keyHash string, id *auth.Identity) {
	if c.ttl <= 0 {
		return
	}

	// EncryptedKey is tagged json:"-" and never reaches Redis
	data, err := json.Marshal(id)
	if err != nil {
		c.logger.Warn("identity cache encode failed", "error", err)
		return
	}
	if err := c.kv.Set(ctx, cacheKey(keyHash), string(data), c.ttl); err != nil {
		c.logger.Warn("identity cache write failed", "error", err)
	}
}

// Invalidate drops a cached identity
func (c *IdentityCache) Invalidate(ctx context.Context, keyHash string) {
	if err := c.kv.Del(ctx, cacheKey(keyHash)); err != nil {
		c.logger.Warn("identity cache invalidate failed", "error", err)
	}
}
