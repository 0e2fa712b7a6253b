// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Webhook event dedupe (optional, uses in-memory if not set)

	// Security
	JWTSecret    string
	CORSOrigins  []string
	RateLimitRPM int

	// Payment processor
	StripeSecretKey      string // Empty = sandbox processor
	StripeWebhookSecret  string
	Currency             string
	MinimumCharge        decimal.Decimal
	CommissionRate       decimal.Decimal
	ProcessorTimeout     time.Duration
	ProcessorMaxAttempts int

	// Background reconciliation of payments whose webhook never arrived
	ReconcileInterval time.Duration
	StalePaymentAge   time.Duration

	// Tracing
	OTLPEndpoint     string
	TraceSampleRatio float64
}

const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultCurrency             = "usd"
	DefaultMinimumCharge        = "0.50"
	DefaultCommissionRate       = "0.05"
	DefaultProcessorTimeout     = 10 * time.Second
	DefaultProcessorMaxAttempts = 3
	DefaultRateLimit            = 120
	DefaultReconcileInterval    = 5 * time.Minute
	DefaultStalePaymentAge      = 30 * time.Minute

	// devWebhookSecret signs sandbox webhook events in development.
	devWebhookSecret = "whsec_development_only"
	devJWTSecret     = "development-jwt-secret-change-me-please"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisURL:             os.Getenv("REDIS_URL"),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		CORSOrigins:          getEnvList("CORS_ORIGINS"),
		RateLimitRPM:         int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		StripeSecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
		Currency:             strings.ToLower(getEnv("CURRENCY", DefaultCurrency)),
		MinimumCharge:        getEnvDecimal("MINIMUM_CHARGE", DefaultMinimumCharge),
		CommissionRate:       getEnvDecimal("COMMISSION_RATE", DefaultCommissionRate),
		ProcessorTimeout:     getEnvDuration("PROCESSOR_TIMEOUT", DefaultProcessorTimeout),
		ProcessorMaxAttempts: int(getEnvInt64("PROCESSOR_MAX_ATTEMPTS", DefaultProcessorMaxAttempts)),
		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		StalePaymentAge:      getEnvDuration("STALE_PAYMENT_AGE", DefaultStalePaymentAge),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:     getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
	}

	if !cfg.IsProduction() {
		if cfg.JWTSecret == "" {
			cfg.JWTSecret = devJWTSecret
		}
		if cfg.StripeWebhookSecret == "" {
			cfg.StripeWebhookSecret = devWebhookSecret
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes")
	}
	if c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required")
	}
	if c.IsProduction() && c.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
	}
	if len(c.Currency) != 3 {
		return fmt.Errorf("CURRENCY must be an ISO 4217 code, got %q", c.Currency)
	}
	if c.MinimumCharge.IsNegative() {
		return fmt.Errorf("MINIMUM_CHARGE must not be negative")
	}
	if c.CommissionRate.IsNegative() || c.CommissionRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("COMMISSION_RATE must be in [0, 1)")
	}
	if c.ProcessorTimeout <= 0 {
		return fmt.Errorf("PROCESSOR_TIMEOUT must be positive")
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

// UseSandboxProcessor reports whether payments go to the in-process sandbox.
func (c *Config) UseSandboxProcessor() bool {
	return c.StripeSecretKey == ""
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDecimal(key, defaultValue string) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return decimal.RequireFromString(defaultValue)
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
