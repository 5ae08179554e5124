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
	LogFormat string // "json" or "text"
	EnvFile   string // path watched for reloads

	// Directory database (shared). Empty means in-memory stores.
	DatabaseURL string

	// Per-tenant isolated databases
	TenantDBDriver      string // "postgres" or "sqlite"
	TenantDBHost        string
	TenantDBPort        int
	TenantDBSSLMode     string
	TenantDBDir         string // sqlite only
	TenantDBMaxIdle     int
	TenantDBIdleTimeout time.Duration

	// Security
	EncryptionKey     string
	AdminSecret       string
	TenantTokenSecret string // optional; enables bearer tenant tokens

	// Payment gateways (env fallback when no stored settings exist)
	ActiveGateway       string
	AsaasAPIKey         string
	AsaasBaseURL        string
	AsaasWebhookToken   string
	StripeSecretKey     string
	StripeWebhookSecret string
	GatewayTimeout      time.Duration
	WebhookStrict       bool

	// Infrastructure
	RedisURL     string
	OTLPEndpoint string

	// Background work
	SweepInterval     time.Duration
	ReconcileInterval time.Duration
	TrialDays         int
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultEnvFile           = ".env"
	DefaultTenantDBDriver    = "postgres"
	DefaultTenantDBPort      = 5432
	DefaultTenantDBSSLMode   = "disable"
	DefaultTenantDBDir       = "data/tenants"
	DefaultTenantDBMaxIdle   = 64
	DefaultTenantDBIdle      = 10 * time.Minute
	DefaultActiveGateway     = "asaas"
	DefaultAsaasBaseURL      = "https://sandbox.asaas.com/api/v3"
	DefaultGatewayTimeout    = 10 * time.Second
	DefaultSweepInterval     = 15 * time.Minute
	DefaultReconcileInterval = 5 * time.Minute
	DefaultTrialDays         = 14

	// devEncryptionKey is only accepted outside production.
	devEncryptionKey = "pharmahub-development-encryption-key"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	envFile := getEnv("ENV_FILE", DefaultEnvFile)
	_ = godotenv.Load(envFile)

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		EnvFile:             envFile,
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		TenantDBDriver:      strings.ToLower(getEnv("TENANT_DB_DRIVER", DefaultTenantDBDriver)),
		TenantDBHost:        getEnv("TENANT_DB_HOST", "localhost"),
		TenantDBPort:        getEnvInt("TENANT_DB_PORT", DefaultTenantDBPort),
		TenantDBSSLMode:     getEnv("TENANT_DB_SSLMODE", DefaultTenantDBSSLMode),
		TenantDBDir:         getEnv("TENANT_DB_DIR", DefaultTenantDBDir),
		TenantDBMaxIdle:     getEnvInt("TENANT_DB_MAX_IDLE", DefaultTenantDBMaxIdle),
		TenantDBIdleTimeout: getEnvDuration("TENANT_DB_IDLE_TIMEOUT", DefaultTenantDBIdle),
		EncryptionKey:       os.Getenv("ENCRYPTION_KEY"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		TenantTokenSecret:   os.Getenv("TENANT_TOKEN_SECRET"),
		ActiveGateway:       strings.ToLower(getEnv("ACTIVE_GATEWAY", DefaultActiveGateway)),
		AsaasAPIKey:         os.Getenv("ASAAS_API_KEY"),
		AsaasBaseURL:        getEnv("ASAAS_BASE_URL", DefaultAsaasBaseURL),
		AsaasWebhookToken:   os.Getenv("ASAAS_WEBHOOK_TOKEN"),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		GatewayTimeout:      getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		WebhookStrict:       getEnvBool("WEBHOOK_STRICT", false),
		RedisURL:            os.Getenv("REDIS_URL"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		SweepInterval:       getEnvDuration("SUBSCRIPTION_SWEEP_INTERVAL", DefaultSweepInterval),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		TrialDays:           getEnvInt("TRIAL_DAYS", DefaultTrialDays),
	}

	if cfg.EncryptionKey == "" && !cfg.IsProduction() {
		cfg.EncryptionKey = devEncryptionKey
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if c.IsProduction() {
		if len(c.EncryptionKey) < 32 {
			return fmt.Errorf("ENCRYPTION_KEY must be at least 32 characters in production")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
	}

	switch c.TenantDBDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("TENANT_DB_DRIVER must be postgres or sqlite, got %q", c.TenantDBDriver)
	}

	switch c.ActiveGateway {
	case "asaas", "stripe":
	default:
		return fmt.Errorf("ACTIVE_GATEWAY must be asaas or stripe, got %q", c.ActiveGateway)
	}

	if c.GatewayTimeout <= 0 || c.GatewayTimeout > time.Minute {
		return fmt.Errorf("GATEWAY_TIMEOUT must be between 0 and 1m, got %s", c.GatewayTimeout)
	}

	if c.TrialDays < 0 {
		return fmt.Errorf("TRIAL_DAYS must not be negative")
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

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
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
