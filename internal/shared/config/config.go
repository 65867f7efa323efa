package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the proxy
type Config struct {
	// Server
	Port      string
	Env       string
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Secret vault
	EncryptionKey         string
	EncryptionKeyPrevious string

	// Providers
	ProviderCatalog string
	OllamaURL       string
	WhisperURL      string
	RequestTimeout  time.Duration

	// Auth
	AuthCacheTTL time.Duration

	// Usage accounting
	UsageQueueSize         int
	UsageFlushTimeout      time.Duration
	PricingRefreshSchedule string

	// Rate Limiting
	DefaultRateLimit int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", "8080"),
		Env:                    getEnv("ENV", "development"),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		LogFormat:              getEnv("LOG_FORMAT", ""),
		DatabaseURL:            getEnv("DATABASE_URL", ""),
		RedisURL:               getEnv("REDIS_URL", "redis://localhost:6379"),
		EncryptionKey:          getEnv("ENCRYPTION_KEY", ""),
		EncryptionKeyPrevious:  getEnv("ENCRYPTION_KEY_PREVIOUS", ""),
		ProviderCatalog:        getEnv("PROVIDER_CATALOG", ""),
		OllamaURL:              getEnv("OLLAMA_URL", "http://localhost:11434"),
		WhisperURL:             getEnv("WHISPER_URL", "http://localhost:8000"),
		RequestTimeout:         time.Duration(getEnvInt("REQUEST_TIMEOUT_SECONDS", 300)) * time.Second,
		AuthCacheTTL:           time.Duration(getEnvInt("AUTH_CACHE_TTL_SECONDS", 30)) * time.Second,
		UsageQueueSize:         getEnvInt("USAGE_QUEUE_SIZE", 1024),
		UsageFlushTimeout:      time.Duration(getEnvInt("USAGE_FLUSH_TIMEOUT_MS", 250)) * time.Millisecond,
		PricingRefreshSchedule: getEnv("PRICING_REFRESH_SCHEDULE", "@every 5m"),
		DefaultRateLimit:       getEnvInt("DEFAULT_RATE_LIMIT", 100),
	}

	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
		if cfg.IsProduction() {
			cfg.LogFormat = "json"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks required fields and value ranges
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if len(c.EncryptionKey) < 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be at least 32 characters")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT_SECONDS must be positive")
	}
	if c.UsageQueueSize <= 0 {
		return fmt.Errorf("USAGE_QUEUE_SIZE must be positive")
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	return nil
}

// IsProduction reports whether the proxy runs in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
