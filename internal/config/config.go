// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Escrow policy
	ReviewWindow         time.Duration // How long the buyer has to review a delivery
	ReviewTimeoutOutcome string        // "approve" (implicit approval) or "dispute" (auto-escalate)
	PlatformFeeBps       int           // Platform fee in basis points (1500 = 15%)
	ReviewReminderLead   time.Duration // How long before the deadline to remind the buyer
	SweepInterval        time.Duration // Reconciliation sweep cadence

	// Security
	AdminSecret         string // Admin API secret (key issuance, manual capture, offer seeding)
	WebhookSecret       string // Default HMAC secret for outbound notifications
	StripeWebhookSecret string // Stripe webhook signing secret (capture endpoint disabled if unset)
	RateLimitRPM        int

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (tracing disabled if unset)
}

// Defaults
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultReviewWindow    = 72 * time.Hour // 3 days
	DefaultTimeoutOutcome  = "approve"
	DefaultPlatformFeeBps  = 1500 // 15%
	DefaultReminderLead    = 24 * time.Hour
	DefaultSweepInterval   = 30 * time.Second
	DefaultRateLimit       = 120
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
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		ReviewWindow:         getEnvDuration("REVIEW_WINDOW", DefaultReviewWindow),
		ReviewTimeoutOutcome: getEnv("REVIEW_TIMEOUT_OUTCOME", DefaultTimeoutOutcome),
		PlatformFeeBps:       int(getEnvInt64("PLATFORM_FEE_BPS", DefaultPlatformFeeBps)),
		ReviewReminderLead:   getEnvDuration("REVIEW_REMINDER_LEAD", DefaultReminderLead),
		SweepInterval:        getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
		WebhookSecret:        os.Getenv("WEBHOOK_SECRET"),
		StripeWebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
		RateLimitRPM:         int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and consistent
func (c *Config) Validate() error {
	if c.ReviewWindow <= 0 {
		return fmt.Errorf("REVIEW_WINDOW must be positive")
	}

	if c.ReviewTimeoutOutcome != "approve" && c.ReviewTimeoutOutcome != "dispute" {
		return fmt.Errorf("REVIEW_TIMEOUT_OUTCOME must be 'approve' or 'dispute'")
	}

	if c.PlatformFeeBps < 0 || c.PlatformFeeBps >= 10000 {
		return fmt.Errorf("PLATFORM_FEE_BPS must be in [0, 10000)")
	}

	if c.ReviewReminderLead < 0 {
		return fmt.Errorf("REVIEW_REMINDER_LEAD must not be negative")
	}

	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
