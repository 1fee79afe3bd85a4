// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/stallwise/paycore/internal/security"
	"github.com/stallwise/paycore/internal/validation"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Escrow settings
	EscrowHoldPeriod  time.Duration // Time funds stay held before auto-release eligibility
	ReconcileWindow   time.Duration // How far back the reconciler looks for stuck payments
	ReconcileInterval time.Duration
	SweepInterval     time.Duration
	ProviderTimeout   time.Duration // Per-call deadline for outbound provider requests

	// Stripe rail
	StripeSecretKey     string
	StripeWebhookSecret string

	// Chain rail
	ChainRPCURL          string
	ChainTokenContract   string
	ChainPlatformAddress string
	ChainWebhookSecret   string

	// Notifications
	NotifyURL    string // Optional outbound webhook sink
	NotifySecret string

	// Security
	AdminSecret  string
	RateLimitRPS int

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultEscrowHoldPeriod  = 168 * time.Hour
	DefaultReconcileWindow   = 24 * time.Hour
	DefaultReconcileInterval = 10 * time.Minute
	DefaultSweepInterval     = 24 * time.Hour
	DefaultProviderTimeout   = 15 * time.Second
	DefaultRateLimit         = 100
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
		EscrowHoldPeriod:     getEnvDuration("ESCROW_HOLD_PERIOD", DefaultEscrowHoldPeriod),
		ReconcileWindow:      getEnvDuration("RECONCILE_WINDOW", DefaultReconcileWindow),
		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		SweepInterval:        getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		ProviderTimeout:      getEnvDuration("PROVIDER_TIMEOUT", DefaultProviderTimeout),
		StripeSecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
		ChainRPCURL:          os.Getenv("CHAIN_RPC_URL"),
		ChainTokenContract:   os.Getenv("CHAIN_TOKEN_CONTRACT"),
		ChainPlatformAddress: os.Getenv("CHAIN_PLATFORM_ADDRESS"),
		ChainWebhookSecret:   os.Getenv("CHAIN_WEBHOOK_SECRET"),
		NotifyURL:            os.Getenv("NOTIFY_URL"),
		NotifySecret:         os.Getenv("NOTIFY_SECRET"),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:         int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.StripeSecretKey != "" && c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set")
	}

	if c.ChainRPCURL != "" {
		if !validation.IsValidEthAddress(c.ChainTokenContract) {
			return fmt.Errorf("CHAIN_TOKEN_CONTRACT must be a 0x address when CHAIN_RPC_URL is set")
		}
		if !validation.IsValidEthAddress(c.ChainPlatformAddress) {
			return fmt.Errorf("CHAIN_PLATFORM_ADDRESS must be a 0x address when CHAIN_RPC_URL is set")
		}
	}

	if c.NotifyURL != "" && c.IsProduction() {
		if err := security.ValidateEndpointURL(c.NotifyURL); err != nil {
			return fmt.Errorf("NOTIFY_URL: %w", err)
		}
	}

	if c.EscrowHoldPeriod <= 0 {
		return fmt.Errorf("ESCROW_HOLD_PERIOD must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
