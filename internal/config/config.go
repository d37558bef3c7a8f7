// Package config loads and validates all runtime configuration for the
// relay.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory.
// Environment variables take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case.
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
	// Port is the TCP port the relay's HTTP surface listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	LogLevel string

	Redis       RedisConfig
	System      SystemConfig
	Session     SessionConfig
	Concurrency ConcurrencyConfig
	Security    SecurityConfig
	Pricing     PricingConfig
	ClickHouse  ClickHouseConfig

	// CORSOrigins is the list of allowed CORS origins for the relay's HTTP
	// surface. Use ["*"] to allow any origin (default).
	CORSOrigins []string
}

// RedisConfig holds the connection URL for the control-plane store that
// backs every scheduler, admission, and usage-accounting key.
type RedisConfig struct {
	URL string
}

// SystemConfig holds the relay's global clock and quota-reset settings.
type SystemConfig struct {
	// TimezoneOffsetMinutes shifts calendar.Clock's daily/weekly period
	// boundaries away from UTC, e.g. 480 for UTC+8.
	TimezoneOffsetMinutes int

	// WeeklyResetDay is the day-of-week (0=Sunday) the weekly-Opus budget
	// rolls over on.
	WeeklyResetDay int
	// WeeklyResetHour is the hour-of-day (in System.TimezoneOffsetMinutes)
	// the weekly-Opus budget rolls over at.
	WeeklyResetHour int

	// SerializingPlatforms names the platforms that require the
	// per-account lock before forwarding a request (console-session
	// platforms, typically, where the upstream account itself cannot
	// service concurrent requests).
	SerializingPlatforms []string
}

// SessionConfig controls sticky-session account affinity.
type SessionConfig struct {
	// StickyTTLHours is how long a session-hash → account mapping is
	// trusted before a lookup falls back to scheduling fresh.
	StickyTTLHours int
	// RenewalThresholdMinutes is how close to expiry a sticky mapping must
	// be before a request renews its TTL rather than leaving it to lapse.
	RenewalThresholdMinutes int
}

// ConcurrencyConfig controls lease-based admission and the FIFO queue.
type ConcurrencyConfig struct {
	LeaseSeconds         int
	RenewIntervalSeconds int
	CleanupGraceSeconds  int
	QueueTimeoutSeconds  int
}

// SecurityConfig holds the master secret account credentials are encrypted
// under.
type SecurityConfig struct {
	EncryptionKey string
}

// PricingConfig points the pricing engine at its remote source and local
// fallback.
type PricingConfig struct {
	URL          string
	HashURL      string
	FallbackPath string
}

// ClickHouseConfig enables the logger's async usage-record sink. Empty DSN
// disables it; the logger falls back to slog-only request logging.
type ClickHouseConfig struct {
	DSN      string
	Database string
}

// Load reads configuration from environment variables and (optionally)
// from config.yaml in the current working directory.
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

	// ── Defaults ──────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("REDIS_URL", "redis://localhost:6379")

	v.SetDefault("TIMEZONE_OFFSET_MINUTES", 0)
	v.SetDefault("WEEKLY_RESET_DAY", 1) // Monday
	v.SetDefault("WEEKLY_RESET_HOUR", 0)
	v.SetDefault("SERIALIZING_PLATFORMS", []string{"bedrock", "azure"})

	v.SetDefault("SESSION_STICKY_TTL_HOURS", 1)
	v.SetDefault("SESSION_RENEWAL_THRESHOLD_MINUTES", 10)

	v.SetDefault("CONCURRENCY_LEASE_SECONDS", 300)
	v.SetDefault("CONCURRENCY_RENEW_INTERVAL_SECONDS", 30)
	v.SetDefault("CONCURRENCY_CLEANUP_GRACE_SECONDS", 30)
	v.SetDefault("CONCURRENCY_QUEUE_TIMEOUT_SECONDS", 60)

	v.SetDefault("PRICING_URL", "")
	v.SetDefault("PRICING_HASH_URL", "")
	v.SetDefault("PRICING_FALLBACK_PATH", "pricing.json")

	v.SetDefault("CLICKHOUSE_DSN", "")
	v.SetDefault("CLICKHOUSE_DATABASE", "relay")

	// ── Build config ──────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		System: SystemConfig{
			TimezoneOffsetMinutes: v.GetInt("TIMEZONE_OFFSET_MINUTES"),
			WeeklyResetDay:        v.GetInt("WEEKLY_RESET_DAY"),
			WeeklyResetHour:       v.GetInt("WEEKLY_RESET_HOUR"),
			SerializingPlatforms:  v.GetStringSlice("SERIALIZING_PLATFORMS"),
		},

		Session: SessionConfig{
			StickyTTLHours:          v.GetInt("SESSION_STICKY_TTL_HOURS"),
			RenewalThresholdMinutes: v.GetInt("SESSION_RENEWAL_THRESHOLD_MINUTES"),
		},

		Concurrency: ConcurrencyConfig{
			LeaseSeconds:         v.GetInt("CONCURRENCY_LEASE_SECONDS"),
			RenewIntervalSeconds: v.GetInt("CONCURRENCY_RENEW_INTERVAL_SECONDS"),
			CleanupGraceSeconds:  v.GetInt("CONCURRENCY_CLEANUP_GRACE_SECONDS"),
			QueueTimeoutSeconds:  v.GetInt("CONCURRENCY_QUEUE_TIMEOUT_SECONDS"),
		},

		Security: SecurityConfig{
			EncryptionKey: v.GetString("ENCRYPTION_KEY"),
		},

		Pricing: PricingConfig{
			URL:          v.GetString("PRICING_URL"),
			HashURL:      v.GetString("PRICING_HASH_URL"),
			FallbackPath: v.GetString("PRICING_FALLBACK_PATH"),
		},

		ClickHouse: ClickHouseConfig{
			DSN:      v.GetString("CLICKHOUSE_DSN"),
			Database: v.GetString("CLICKHOUSE_DATABASE"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as
// viper defaults.
func (c *Config) validate() error {
	if c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required")
	}
	if c.Security.EncryptionKey == "" {
		return fmt.Errorf("config: ENCRYPTION_KEY is required to decrypt stored account credentials")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.System.WeeklyResetDay < 0 || c.System.WeeklyResetDay > 6 {
		return fmt.Errorf("config: WEEKLY_RESET_DAY must be 0-6 (0=Sunday), got %d", c.System.WeeklyResetDay)
	}
	if c.System.WeeklyResetHour < 0 || c.System.WeeklyResetHour > 23 {
		return fmt.Errorf("config: WEEKLY_RESET_HOUR must be 0-23, got %d", c.System.WeeklyResetHour)
	}
	if c.Session.StickyTTLHours < 1 {
		return fmt.Errorf("config: SESSION_STICKY_TTL_HOURS must be ≥ 1, got %d", c.Session.StickyTTLHours)
	}
	if c.Concurrency.LeaseSeconds < 1 {
		return fmt.Errorf("config: CONCURRENCY_LEASE_SECONDS must be ≥ 1, got %d", c.Concurrency.LeaseSeconds)
	}
	if c.Concurrency.RenewIntervalSeconds >= c.Concurrency.LeaseSeconds {
		return fmt.Errorf("config: CONCURRENCY_RENEW_INTERVAL_SECONDS must be less than CONCURRENCY_LEASE_SECONDS")
	}

	return nil
}

// SerializingPlatformSet returns System.SerializingPlatforms as a lookup set.
func (c *Config) SerializingPlatformSet() map[string]bool {
	set := make(map[string]bool, len(c.System.SerializingPlatforms))
	for _, p := range c.System.SerializingPlatforms {
		set[p] = true
	}
	return set
}

// LeaseRenewInterval is a convenience conversion for the orchestrator's
// Config, which wants a time.Duration rather than raw seconds.
func (c ConcurrencyConfig) LeaseRenewInterval() time.Duration {
	return time.Duration(c.RenewIntervalSeconds) * time.Second
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
