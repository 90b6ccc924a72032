// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// RetentionConfig controls soft-delete retention and automatic purging.
type RetentionConfig struct {
	Enabled   bool          // purging allowed at all
	AutoPurge bool          // scheduled sweeps may purge without an operator
	Period    time.Duration // how long soft-deleted tenants are kept
}

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // control-plane PostgreSQL DSN (optional, uses in-memory if not set)

	// Tenant databases
	TenantDBPrefix string // tenant database names are prefix + normalised tenant id
	BaseDomain     string // subdomain bindings are <slug>.<BaseDomain>

	// Retention & cleanup
	Retention          RetentionConfig
	PurgeSweepInterval time.Duration
	QuotaSweepInterval time.Duration
	FailedTenantMaxAge time.Duration // failed tenants older than this are cleanup-eligible
	AbandonedMaxAge    time.Duration // pending tenants with no domains older than this

	// Background workers
	JobWorkers   int
	JobQueueSize int

	// Notifications
	NotifyWebhookURL    string // provisioning complete/failed webhook (optional)
	NotifyWebhookSecret string

	// Security
	AdminSecret  string // Admin API secret
	RateLimitRPM int    // fallback request rate for callers with no governor config

	// Policy caching
	PolicyCacheTTL time.Duration // read cache for quota settings and rate limit configs

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultTenantDBPrefix     = "orchard_tenant_"
	DefaultBaseDomain         = "orchard.test"
	DefaultRetentionDays      = 30
	DefaultPurgeSweepInterval = time.Hour
	DefaultQuotaSweepInterval = 15 * time.Minute
	DefaultFailedMaxAgeDays   = 7
	DefaultAbandonedMaxAgeHrs = 48
	DefaultJobWorkers         = 4
	DefaultJobQueueSize       = 256
	DefaultRateLimitRPM       = 120
	DefaultPolicyCacheTTL     = 30 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", DefaultPort),
		Env:            getEnv("ENV", DefaultEnv),
		LogLevel:       getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:    os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		TenantDBPrefix: getEnv("TENANT_DB_PREFIX", DefaultTenantDBPrefix),
		BaseDomain:     getEnv("BASE_DOMAIN", DefaultBaseDomain),
		Retention: RetentionConfig{
			Enabled:   getEnvBool("RETENTION_ENABLED", true),
			AutoPurge: getEnvBool("RETENTION_AUTO_PURGE", false),
			Period:    time.Duration(getEnvInt64("RETENTION_DAYS", DefaultRetentionDays)) * 24 * time.Hour,
		},
		PurgeSweepInterval:  getEnvDuration("PURGE_SWEEP_INTERVAL", DefaultPurgeSweepInterval),
		QuotaSweepInterval:  getEnvDuration("QUOTA_SWEEP_INTERVAL", DefaultQuotaSweepInterval),
		FailedTenantMaxAge:  time.Duration(getEnvInt64("FAILED_TENANT_MAX_AGE_DAYS", DefaultFailedMaxAgeDays)) * 24 * time.Hour,
		AbandonedMaxAge:     time.Duration(getEnvInt64("ABANDONED_REGISTRATION_MAX_AGE_HOURS", DefaultAbandonedMaxAgeHrs)) * time.Hour,
		JobWorkers:          int(getEnvInt64("JOB_WORKERS", DefaultJobWorkers)),
		JobQueueSize:        int(getEnvInt64("JOB_QUEUE_SIZE", DefaultJobQueueSize)),
		NotifyWebhookURL:    os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookSecret: os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		PolicyCacheTTL:      getEnvDuration("POLICY_CACHE_TTL", DefaultPolicyCacheTTL),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and consistent
func (c *Config) Validate() error {
	if c.Retention.Period <= 0 {
		return fmt.Errorf("RETENTION_DAYS must be positive")
	}
	if c.JobWorkers <= 0 {
		return fmt.Errorf("JOB_WORKERS must be positive")
	}
	if c.TenantDBPrefix == "" {
		return fmt.Errorf("TENANT_DB_PREFIX must not be empty")
	}
	if c.NotifyWebhookURL != "" && c.NotifyWebhookSecret == "" {
		return fmt.Errorf("NOTIFY_WEBHOOK_SECRET is required when NOTIFY_WEBHOOK_URL is set")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
