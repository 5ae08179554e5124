package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "ENCRYPTION_KEY", "")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultTenantDBDriver, cfg.TenantDBDriver)
	assert.Equal(t, DefaultActiveGateway, cfg.ActiveGateway)
	assert.Equal(t, DefaultGatewayTimeout, cfg.GatewayTimeout)
	assert.Equal(t, DefaultTrialDays, cfg.TrialDays)
	assert.NotEmpty(t, cfg.EncryptionKey, "development falls back to a dev key")
	assert.False(t, cfg.WebhookStrict)
}

func TestLoad_ProductionRequiresKeys(t *testing.T) {
	setEnv(t, "ENV", "production")
	setEnv(t, "ENCRYPTION_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ENCRYPTION_KEY is required")
}

func TestLoad_ParsesDurationsAndBools(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "GATEWAY_TIMEOUT", "3s")
	setEnv(t, "WEBHOOK_STRICT", "true")
	setEnv(t, "SUBSCRIPTION_SWEEP_INTERVAL", "1m")
	setEnv(t, "TENANT_DB_DRIVER", "SQLITE")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.GatewayTimeout)
	assert.True(t, cfg.WebhookStrict)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, "sqlite", cfg.TenantDBDriver)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Env:            "development",
			EncryptionKey:  "k",
			TenantDBDriver: "postgres",
			ActiveGateway:  "asaas",
			GatewayTimeout: 5 * time.Second,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown driver", mutate: func(c *Config) { c.TenantDBDriver = "mysql" }, wantErr: "TENANT_DB_DRIVER"},
		{name: "unknown gateway", mutate: func(c *Config) { c.ActiveGateway = "paypal" }, wantErr: "ACTIVE_GATEWAY"},
		{name: "timeout too long", mutate: func(c *Config) { c.GatewayTimeout = 5 * time.Minute }, wantErr: "GATEWAY_TIMEOUT"},
		{name: "short production key", mutate: func(c *Config) { c.Env = "production"; c.AdminSecret = "x" }, wantErr: "at least 32"},
		{name: "production without admin secret", mutate: func(c *Config) {
			c.Env = "production"
			c.EncryptionKey = "0123456789abcdef0123456789abcdef"
		}, wantErr: "ADMIN_SECRET"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWatcher_ReloadPublishesNewSnapshot(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("ACTIVE_GATEWAY=stripe\nSTRIPE_SECRET_KEY=sk_test_123\n"), 0o600))

	base := &Config{
		Env:            "development",
		EnvFile:        envPath,
		EncryptionKey:  "k",
		TenantDBDriver: "postgres",
		ActiveGateway:  "asaas",
		GatewayTimeout: 5 * time.Second,
	}
	w, err := NewWatcher(base, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer w.Stop()

	var got *Config
	w.OnReload(func(c *Config) { got = c })

	require.NoError(t, w.Reload())
	require.NotNil(t, got)
	assert.Equal(t, "stripe", got.ActiveGateway)
	assert.Equal(t, "sk_test_123", got.StripeSecretKey)
	assert.Equal(t, "asaas", base.ActiveGateway, "previous snapshot must not be mutated")
	assert.Same(t, got, w.Current())
}

func TestWatcher_InvalidReloadKeepsSnapshot(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("ACTIVE_GATEWAY=paypal\n"), 0o600))

	base := &Config{
		Env:            "development",
		EnvFile:        envPath,
		EncryptionKey:  "k",
		TenantDBDriver: "postgres",
		ActiveGateway:  "asaas",
		GatewayTimeout: 5 * time.Second,
	}
	w, err := NewWatcher(base, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer w.Stop()

	assert.Error(t, w.Reload())
	assert.Same(t, base, w.Current())
}
