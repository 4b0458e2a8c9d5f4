// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage. An empty DatabaseURL runs every store in memory.
	DatabaseURL string
	RedisURL    string // optional idempotency backend

	// Payment gateway. An empty StripeSecretKey uses the in-process fake.
	StripeSecretKey string
	Currency        string

	// Escrow
	PlatformAccountID string
	PlatformFeeBPS    int
	AutoPayout        bool

	// Outbox dispatcher
	OutboxWorkers      int
	OutboxPollInterval time.Duration
	OutboxMaxRetries   int
	OutboxBaseDelay    time.Duration
	OutboxMaxDelay     time.Duration
	OutboxLease        time.Duration

	IdempotencyTTL    time.Duration
	ReconcileInterval time.Duration

	// Observability
	OTLPEndpoint string

	// AdminSecret guards the outbox remediation endpoints. Empty disables
	// them outside development.
	AdminSecret string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultCurrency          = "usd"
	DefaultPlatformAccount   = "platform"
	DefaultOutboxWorkers     = 4
	DefaultOutboxPoll        = time.Second
	DefaultOutboxMaxRetries  = 5
	DefaultOutboxBaseDelay   = time.Second
	DefaultOutboxMaxDelay    = 10 * time.Minute
	DefaultOutboxLease       = 30 * time.Second
	DefaultIdempotencyTTL    = 24 * time.Hour
	DefaultReconcileInterval = 5 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	var errs []string
	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		StripeSecretKey:    os.Getenv("STRIPE_SECRET_KEY"),
		Currency:           strings.ToLower(getEnv("CURRENCY", DefaultCurrency)),
		PlatformAccountID:  getEnv("PLATFORM_ACCOUNT_ID", DefaultPlatformAccount),
		PlatformFeeBPS:     getEnvInt("PLATFORM_FEE_BPS", 0, &errs),
		AutoPayout:         getEnvBool("AUTO_PAYOUT", false, &errs),
		OutboxWorkers:      getEnvInt("OUTBOX_WORKERS", DefaultOutboxWorkers, &errs),
		OutboxPollInterval: getEnvDuration("OUTBOX_POLL_INTERVAL", DefaultOutboxPoll, &errs),
		OutboxMaxRetries:   getEnvInt("OUTBOX_MAX_RETRIES", DefaultOutboxMaxRetries, &errs),
		OutboxBaseDelay:    getEnvDuration("OUTBOX_BASE_DELAY", DefaultOutboxBaseDelay, &errs),
		OutboxMaxDelay:     getEnvDuration("OUTBOX_MAX_DELAY", DefaultOutboxMaxDelay, &errs),
		OutboxLease:        getEnvDuration("OUTBOX_LEASE", DefaultOutboxLease, &errs),
		IdempotencyTTL:     getEnvDuration("IDEMPOTENCY_TTL", DefaultIdempotencyTTL, &errs),
		ReconcileInterval:  getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval, &errs),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:        os.Getenv("ADMIN_SECRET"),
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.PlatformFeeBPS < 0 || c.PlatformFeeBPS >= 10000 {
		return fmt.Errorf("PLATFORM_FEE_BPS must be in [0, 10000)")
	}
	if c.PlatformFeeBPS > 0 && c.PlatformAccountID == "" {
		return fmt.Errorf("PLATFORM_ACCOUNT_ID is required when PLATFORM_FEE_BPS is set")
	}
	if c.OutboxWorkers < 1 {
		return fmt.Errorf("OUTBOX_WORKERS must be at least 1")
	}
	if c.OutboxMaxRetries < 1 {
		return fmt.Errorf("OUTBOX_MAX_RETRIES must be at least 1")
	}
	if c.OutboxMaxDelay < c.OutboxBaseDelay {
		return fmt.Errorf("OUTBOX_MAX_DELAY must not be less than OUTBOX_BASE_DELAY")
	}
	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
		}
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

func getEnvInt(key string, defaultValue int, errs *[]string) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: %q is not an integer", key, value))
		return defaultValue
	}
	return i
}

func getEnvBool(key string, defaultValue bool, errs *[]string) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: %q is not a boolean", key, value))
		return defaultValue
	}
	return b
}

func getEnvDuration(key string, defaultValue time.Duration, errs *[]string) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: %q is not a positive duration", key, value))
		return defaultValue
	}
	return d
}
