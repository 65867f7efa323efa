package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrNotFound is returned by Get for a missing key
var ErrNotFound = errors.New("redis: key not found")

// keyPrefix namespaces every key the proxy writes so it can share a Redis
// with other services
const keyPrefix = "llmproxy:"

// Client holds the identity cache entries and rate-limit windows
type Client struct {
	rdb *redis.Client
}

// New dials redisURL and verifies it answers PING
func New(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 2 * time.Second
	opts.ReadTimeout = time.Second
	opts.WriteTimeout = time.Second

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

func (c *Client) Close() error { return c.rdb.Close() }

func (c *Client) Ping(ctx context.Context) error { return c.rdb.Ping(ctx).Err() }

// Get returns ErrNotFound for a missing key
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, keyPrefix+key, value, ttl).Err()
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = keyPrefix + k
	}
	return c.rdb.Del(ctx, full...).Err()
}

// fixedWindow increments the window counter and sets its expiry atomically.
// Returns the count after the increment.
var fixedWindow = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// CheckRateLimit counts a request against a one-minute window for the key.
// It returns whether the limit is exceeded and the remaining budget.
func (c *Client) CheckRateLimit(ctx context.Context, apiKeyID string, limit int) (bool, int, error) {
	key := keyPrefix + "ratelimit:" + apiKeyID

	count, err := fixedWindow.Run(ctx, c.rdb, []string{key}, time.Minute.Milliseconds()).Int()
	if err != nil {
		return false, 0, err
	}

	if count > limit {
		return true, 0, nil
	}
	return false, limit - count, nil
}
