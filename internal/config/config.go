// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Only PROXY_API_KEY and ADMIN_PASSWORD are strictly required for the gateway
// to start. Redis is optional — set KV_MODE=memory to keep all persisted state
// in process with no external dependencies.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8000.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// ProxyAPIKey is the shared client key accepted on /v1 endpoints.
	ProxyAPIKey string

	// AdminPassword is the bearer token required on /api admin endpoints.
	AdminPassword string

	// KV selects and configures the persistence backend.
	KV KVConfig

	// RateLimit controls the global and per-credential token buckets.
	RateLimit RateLimitConfig

	// Compression controls the conversation compressor.
	Compression CompressionConfig

	// Upstream controls the upstream client.
	Upstream UpstreamConfig

	// CircuitBreaker controls the upstream circuit breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// Scheduler selects the credential scheduling policy:
	// "priority", "balanced", or "smart". Default: "smart".
	Scheduler string

	// CORSOrigins is the list of allowed CORS origins. ["*"] allows any.
	CORSOrigins []string
}

// KVConfig selects the persistence backend.
type KVConfig struct {
	// Mode is "memory" (in-process, default) or "redis".
	Mode string

	// RedisURL is a redis:// URL, required when Mode is "redis".
	RedisURL string

	// SnapshotInterval is how often in-memory state (stats, request logs)
	// is flushed to the store. Default: 60s.
	SnapshotInterval time.Duration
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// PerMinute is the global requests-per-minute budget. 0 disables
	// rate limiting entirely. Default: 0.
	PerMinute int

	// BurstMultiplier sizes the bucket at PerMinute * BurstMultiplier.
	// Default: 3.
	BurstMultiplier int
}

// CompressionConfig controls the conversation compressor.
type CompressionConfig struct {
	// Enabled turns the compressor on. Default: false (ENABLE_COMPRESSION).
	Enabled bool

	// AutoCompress triggers compression automatically when thresholds are
	// exceeded. Default: true (only meaningful when Enabled).
	AutoCompress bool

	// MaxMessages is the message-count trigger. Default: 200.
	MaxMessages int

	// TokenThreshold is the estimated-token trigger. Default: 100000.
	TokenThreshold int

	// KeepRecent is the number of trailing messages preserved verbatim.
	// Default: 30.
	KeepRecent int

	// CacheTTL is the summary cache TTL. Default: 30m.
	CacheTTL time.Duration
}

// UpstreamConfig controls the upstream HTTP client.
type UpstreamConfig struct {
	// Region templates the upstream endpoint hostnames. Default: "us-east-1".
	Region string

	// RequestTimeout is the hard POST timeout. Default: 300s.
	RequestTimeout time.Duration

	// StreamIdleTimeout aborts a stream with no events for this long.
	// Default: 120s.
	StreamIdleTimeout time.Duration
}

// CircuitBreakerConfig controls the upstream circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker. Default: 5.
	FailureThreshold int

	// ResetTimeout is how long the breaker stays open before half-open.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenSuccesses is the consecutive successes in half-open required
	// to close. Default: 3.
	HalfOpenSuccesses int
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8000)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("KV_MODE", "memory")
	v.SetDefault("KV_SNAPSHOT_INTERVAL", "60s")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("RATE_LIMIT_PER_MINUTE", 0)
	v.SetDefault("RATE_LIMIT_BURST_MULTIPLIER", 3)

	v.SetDefault("ENABLE_COMPRESSION", false)
	v.SetDefault("COMPRESSION_AUTO", true)
	v.SetDefault("COMPRESSION_MAX_MESSAGES", 200)
	v.SetDefault("COMPRESSION_TOKEN_THRESHOLD", 100_000)
	v.SetDefault("COMPRESSION_KEEP_RECENT", 30)
	v.SetDefault("COMPRESSION_CACHE_TTL", "30m")

	v.SetDefault("UPSTREAM_REGION", "us-east-1")
	v.SetDefault("UPSTREAM_REQUEST_TIMEOUT", "300s")
	v.SetDefault("STREAM_IDLE_TIMEOUT", "120s")

	v.SetDefault("CB_FAILURE_THRESHOLD", 5)
	v.SetDefault("CB_RESET_TIMEOUT", "30s")
	v.SetDefault("CB_HALF_OPEN_SUCCESSES", 3)

	v.SetDefault("SCHEDULER_POLICY", "smart")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		ProxyAPIKey:   v.GetString("PROXY_API_KEY"),
		AdminPassword: v.GetString("ADMIN_PASSWORD"),

		KV: KVConfig{
			Mode:             strings.ToLower(v.GetString("KV_MODE")),
			RedisURL:         v.GetString("REDIS_URL"),
			SnapshotInterval: v.GetDuration("KV_SNAPSHOT_INTERVAL"),
		},

		RateLimit: RateLimitConfig{
			PerMinute:       v.GetInt("RATE_LIMIT_PER_MINUTE"),
			BurstMultiplier: v.GetInt("RATE_LIMIT_BURST_MULTIPLIER"),
		},

		Compression: CompressionConfig{
			Enabled:        v.GetBool("ENABLE_COMPRESSION"),
			AutoCompress:   v.GetBool("COMPRESSION_AUTO"),
			MaxMessages:    v.GetInt("COMPRESSION_MAX_MESSAGES"),
			TokenThreshold: v.GetInt("COMPRESSION_TOKEN_THRESHOLD"),
			KeepRecent:     v.GetInt("COMPRESSION_KEEP_RECENT"),
			CacheTTL:       v.GetDuration("COMPRESSION_CACHE_TTL"),
		},

		Upstream: UpstreamConfig{
			Region:            v.GetString("UPSTREAM_REGION"),
			RequestTimeout:    v.GetDuration("UPSTREAM_REQUEST_TIMEOUT"),
			StreamIdleTimeout: v.GetDuration("STREAM_IDLE_TIMEOUT"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:  v.GetInt("CB_FAILURE_THRESHOLD"),
			ResetTimeout:      v.GetDuration("CB_RESET_TIMEOUT"),
			HalfOpenSuccesses: v.GetInt("CB_HALF_OPEN_SUCCESSES"),
		},

		Scheduler: strings.ToLower(v.GetString("SCHEDULER_POLICY")),

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.ProxyAPIKey == "" {
		return fmt.Errorf("config: PROXY_API_KEY is required")
	}
	if c.AdminPassword == "" {
		return fmt.Errorf("config: ADMIN_PASSWORD is required")
	}

	switch c.KV.Mode {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: invalid KV_MODE %q; must be one of: memory, redis", c.KV.Mode)
	}
	if c.KV.Mode == "redis" && c.KV.RedisURL == "" {
		return fmt.Errorf("config: REDIS_URL is required when KV_MODE=redis")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	switch c.Scheduler {
	case "priority", "balanced", "smart":
	default:
		return fmt.Errorf("config: invalid SCHEDULER_POLICY %q; must be one of: priority, balanced, smart", c.Scheduler)
	}

	if c.RateLimit.PerMinute < 0 {
		return fmt.Errorf("config: RATE_LIMIT_PER_MINUTE must be ≥ 0, got %d", c.RateLimit.PerMinute)
	}
	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("config: CB_FAILURE_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.FailureThreshold)
	}
	if c.CircuitBreaker.ResetTimeout <= 0 {
		return fmt.Errorf("config: CB_RESET_TIMEOUT must be a positive duration")
	}
	if c.Compression.KeepRecent < 1 {
		return fmt.Errorf("config: COMPRESSION_KEEP_RECENT must be ≥ 1, got %d", c.Compression.KeepRecent)
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
