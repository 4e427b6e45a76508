// Package config loads process configuration from the environment and the
// tier/pricing catalog from YAML.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Environment string

	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Stripe   StripeConfig
	Billing  BillingConfig
	Sandbox  SandboxConfig
	Sentry   SentryConfig
	SendGrid SendGridConfig
}

type ServerConfig struct {
	Port            string
	LogLevel        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// AdminKeyHash is the bcrypt hash of the ops key protecting admin routes.
	AdminKeyHash string
}

type DatabaseConfig struct {
	URL      string
	MaxConns int32
}

type RedisConfig struct {
	URL string
}

type JWTConfig struct {
	PrivateKey string
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	// Checkout redirect targets on the frontend.
	SuccessURL string
	CancelURL  string
}

type BillingConfig struct {
	// Markup multiplies raw token cost before deduction.
	Markup decimal.Decimal
	// MinimumBalance is the balance floor required to start a run.
	MinimumBalance decimal.Decimal
	// MinimumCharge applies when the model is unknown or the computed cost
	// rounds below it.
	MinimumCharge decimal.Decimal
	// MaxParallelRuns caps running runs per account over a 24 h window.
	MaxParallelRuns int
	TrialCredits    decimal.Decimal
	TrialDays       int
	// CatalogPath overrides the embedded tier/pricing catalog when set.
	CatalogPath string
	// ReconcileInterval is the period of the background reconciliation loop.
	ReconcileInterval time.Duration
}

type SandboxConfig struct {
	URL    string
	APIKey string
}

type SentryConfig struct {
	DSN string
}

type SendGridConfig struct {
	APIKey    string
	FromEmail string
	OpsEmail  string
}

// Load reads .env when present, then the environment. Missing required
// values outside development are errors.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:            getEnv("PORT", "8080"),
			LogLevel:        getEnv("LOG_LEVEL", "info"),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 0), // 0: SSE streams must not be cut off
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			AdminKeyHash:    os.Getenv("ADMIN_KEY_HASH"),
		},
		Database: DatabaseConfig{
			URL:      os.Getenv("DATABASE_URL"),
			MaxConns: int32(getEnvInt("DATABASE_MAX_CONNS", 20)),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", "redis://localhost:6379/0"),
		},
		JWT: JWTConfig{
			PrivateKey: os.Getenv("JWT_PRIVATE_KEY"),
		},
		Stripe: StripeConfig{
			SecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
			WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
			SuccessURL:    getEnv("CHECKOUT_SUCCESS_URL", "https://app.agentrun.dev/billing?checkout=success"),
			CancelURL:     getEnv("CHECKOUT_CANCEL_URL", "https://app.agentrun.dev/billing?checkout=cancelled"),
		},
		Billing: BillingConfig{
			Markup:            getEnvDecimal("BILLING_MARKUP", "1.5"),
			MinimumBalance:    getEnvDecimal("BILLING_MINIMUM_BALANCE", "0.01"),
			MinimumCharge:     getEnvDecimal("BILLING_MINIMUM_CHARGE", "0.01"),
			MaxParallelRuns:   getEnvInt("MAX_PARALLEL_AGENT_RUNS", 3),
			TrialCredits:      getEnvDecimal("TRIAL_CREDITS", "5"),
			TrialDays:         getEnvInt("TRIAL_DAYS", 7),
			CatalogPath:       os.Getenv("BILLING_CATALOG_PATH"),
			ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", time.Hour),
		},
		Sandbox: SandboxConfig{
			URL:    os.Getenv("SANDBOX_API_URL"),
			APIKey: os.Getenv("SANDBOX_API_KEY"),
		},
		Sentry: SentryConfig{
			DSN: os.Getenv("SENTRY_DSN"),
		},
		SendGrid: SendGridConfig{
			APIKey:    os.Getenv("SENDGRID_API_KEY"),
			FromEmail: getEnv("SENDGRID_FROM_EMAIL", "billing@agentrun.dev"),
			OpsEmail:  os.Getenv("OPS_ALERT_EMAIL"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.JWT.PrivateKey == "" {
		return fmt.Errorf("JWT_PRIVATE_KEY is required")
	}
	if c.IsProduction() {
		if c.Stripe.SecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
		}
		if c.Stripe.WebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
		}
	}
	if c.Billing.MaxParallelRuns < 1 {
		return fmt.Errorf("MAX_PARALLEL_AGENT_RUNS must be at least 1")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getEnvDecimal(key, fallback string) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		v = fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		d = decimal.RequireFromString(fallback)
	}
	return d
}
