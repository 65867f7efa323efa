package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mrmushfiq/llm0-tenant-proxy/internal/gateway/auth"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/gateway/cache"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/gateway/handlers"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/gateway/tenant"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/gateway/usage"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/config"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/database"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/logging"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/metrics"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/redis"
	"github.com/mrmushfiq/llm0-tenant-proxy/internal/shared/vault"
)

// store is everything the proxy reads and writes
type store interface {
	auth.KeyStore
	tenant.Store
	tenant.SealedKeyLister
	usage.PricingStore
	usage.Store
}

// openStore connects to Postgres, or to the in-memory store for memory://
func openStore(url string) (store, func() error, error) {
	if strings.HasPrefix(url, "memory://") {
		return database.NewMemory(), func() error { return nil }, nil
	}
	db, err := database.New(url)
	if err != nil {
		return nil, nil, err
	}
	return db, db.Close, nil
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.New(os.Stderr, "text", "info").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, cfg.LogFormat, cfg.LogLevel)
	logger.Info("starting tenant proxy", "port", cfg.Port, "env", cfg.Env)

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fatal := func(msg string, err error) {
		logger.Error(msg, "error", err)
		os.Exit(1)
	}

	// Secret vault
	v, err := vault.FromSecrets(cfg.EncryptionKey, cfg.EncryptionKeyPrevious)
	if err != nil {
		fatal("failed to initialize vault", err)
	}

	// Initialize database
	db, closeDB, err := openStore(cfg.DatabaseURL)
	if err != nil {
		fatal("failed to connect to database", err)
	}
	defer closeDB()
	logger.Info("connected to store")

	// A changed ENCRYPTION_KEY leaves stored provider keys unreadable
	encryption := tenant.CheckEncryption(ctx, db, v)
	switch encryption.Status {
	case tenant.EncryptionError:
		logger.Error("provider keys cannot be decrypted", "message", encryption.Message,
			"affected_count", encryption.AffectedCount, "failed_keys", encryption.FailedKeys)
	case tenant.EncryptionWarning:
		logger.Warn("some provider keys cannot be decrypted", "message", encryption.Message,
			"affected_count", encryption.AffectedCount, "failed_keys", encryption.FailedKeys)
	default:
		logger.Info("encryption check passed", "total_keys", encryption.TotalKeys)
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Initialize Redis. Without it the proxy runs with no identity cache
	// and no rate limiting.
	var (
		identityCache auth.IdentityCache
		limiter       handlers.RateLimiter
	)
	redisClient, err := redis.New(ctx, cfg.RedisURL)
	if err != nil {
		logger.Warn("redis unavailable, identity cache and rate limiting disabled", "error", err)
	} else {
		defer redisClient.Close()
		identityCache = cache.New(redisClient, cfg.AuthCacheTTL, logger)
		limiter = redisClient
		logger.Info("connected to redis")
	}

	authenticator := auth.NewAuthenticator(db, identityCache, m, logger)
	resolver := tenant.NewResolver(db)

	// Providers
	catalog, err := providers.LoadCatalog(cfg.ProviderCatalog)
	if err != nil {
		fatal("failed to load provider catalog", err)
	}
	catalog.SetLocalURL("ollama", cfg.OllamaURL)
	catalog.SetLocalURL("whisper", cfg.WhisperURL)

	upstreamClient := &http.Client{}
	router := providers.NewRouter(providers.RouterOptions{
		Catalog:        catalog,
		Adapters:       providers.BuildAdapters(catalog, upstreamClient),
		Vault:          v,
		Health:         providers.NewHealth(providers.DefaultBreakerConfig, m, logger),
		RequestTimeout: cfg.RequestTimeout,
		HTTPClient:     &http.Client{Timeout: 5 * time.Second},
		Metrics:        m,
		Logger:         logger,
	})
	logger.Info("initialized providers", "providers", catalog.Names())

	// Usage accounting
	pricing := usage.NewPricing(db, m, logger)
	if err := pricing.Start(ctx, cfg.PricingRefreshSchedule); err != nil {
		fatal("invalid pricing refresh schedule", err)
	}
	recorder := usage.NewRecorder(db, usage.RecorderOptions{
		QueueSize:    cfg.UsageQueueSize,
		FlushTimeout: cfg.UsageFlushTimeout,
		Metrics:      m,
		Logger:       logger,
	})

	// Initialize handlers
	handler := handlers.NewHandler(router, pricing, recorder, m, logger)
	handler.SetEncryptionStatus(encryption)
	middleware := handlers.NewMiddleware(authenticator, resolver, limiter, cfg.DefaultRateLimit, logger)

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(handlers.RequestIDMiddleware)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORSMiddleware)

	handlers.Mount(r, handler, middleware)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// HTTP server. Streams may run for the whole request timeout.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal("failed to start server", err)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down gracefully")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	pricing.Stop()
	if err := recorder.Close(shutdownCtx); err != nil {
		logger.Error("usage queue not drained", "error", err)
	}
	authenticator.Wait()

	logger.Info("server stopped")
}
