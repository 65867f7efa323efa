// proxyctl administers the tenant proxy: proxy API keys, group provider
// keys and the pricing table.
//
// Usage:
//
//	# Issue a key for a group
//	proxyctl keys create --group <group-id> --name ci
//
//	# Store an upstream key for a group
//	proxyctl provider-keys add --group <group-id> --provider openai --key sk-...
//
//	# Show current pricing
//	proxyctl pricing list
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mrmushfiq/llm0-tenant-proxy/internal/gateway/auth"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/gateway/cache"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/config"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/database"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/logging"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/redis"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/vault"
)

var rootCmd = &cobra.Command{
	Use:   "proxyctl",
	Short: "Administer the multi-tenant LLM proxy",
	Long: `proxyctl manages the records the proxy serves from.

It reads the same environment as the proxy (DATABASE_URL, ENCRYPTION_KEY,
REDIS_URL, PROVIDER_CATALOG) and a .env file when present.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env is the set of stores a command works against
type env struct {
	cfg    *config.Config
	db     *database.DB
	vault  *vault.Vault
	cache  auth.IdentityCache
	logger *slog.Logger

	closers []func() error
}

func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := logging.New(os.Stderr, "text", cfg.LogLevel)

	v, err := vault.FromSecrets(cfg.EncryptionKey, cfg.EncryptionKeyPrevious)
	if err != nil {
		return nil, err
	}
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, db: db, vault: v, logger: logger, closers: []func() error{db.Close}}

	// Revocations invalidate cached identities when Redis is reachable
	if rc, err := redis.New(ctx, cfg.RedisURL); err == nil {
		e.cache = cache.New(rc, cfg.AuthCacheTTL, logger)
		e.closers = append(e.closers, rc.Close)
	} else {
		logger.Warn("redis unavailable, cached identities expire on their own", "error", err)
	}
	return e, nil
}

func (e *env) Close() {
	for _, c := range e.closers {
		_ = c()
	}
}

// withEnv runs fn against an opened env
func withEnv(cmd *cobra.Command, fn func(ctx context.Context, e *env) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(ctx, e)
}
