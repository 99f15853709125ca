package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithRequiredEnv(t *testing.T) {
	t.Setenv("RELAY_CONFIG_PATH", "")
	t.Setenv("RELAY_DATABASE_URL", "postgres://localhost/relay")
	t.Setenv("RELAY_JWT_SECRET", "secret")
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 10, cfg.CountdownSeconds)
	assert.Equal(t, 5*time.Second, cfg.CommandTimeout)
	assert.Equal(t, "fake", cfg.LinkProvider)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	yaml := "database_url: postgres://file/relay\njwt_secret: file-secret\nheartbeat_interval: 10s\nidle_threshold: 2m\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	t.Setenv("RELAY_CONFIG_PATH", path)
	t.Setenv("RELAY_HEARTBEAT_INTERVAL", "15s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://file/relay", cfg.DatabaseURL)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 2*time.Minute, cfg.IdleThreshold)
}

func TestValidate(t *testing.T) {
	base := Defaults()
	base.DatabaseURL = "postgres://x"
	base.JWTSecret = "s"

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "ok", mutate: func(*Config) {}},
		{name: "missing database", mutate: func(c *Config) { c.DatabaseURL = "" }, wantErr: "RELAY_DATABASE_URL is required"},
		{name: "missing secret", mutate: func(c *Config) { c.JWTSecret = "" }, wantErr: "RELAY_JWT_SECRET is required"},
		{name: "bad provider", mutate: func(c *Config) { c.LinkProvider = "grpc" }, wantErr: "RELAY_LINK_PROVIDER must be one of fake|ws"},
		{name: "ws without url", mutate: func(c *Config) { c.LinkProvider = "ws" }, wantErr: "RELAY_LINK_URL is required for ws link provider"},
		{name: "zero heartbeat", mutate: func(c *Config) { c.HeartbeatInterval = 0 }, wantErr: "RELAY_HEARTBEAT_INTERVAL must be positive"},
		{name: "zero rate", mutate: func(c *Config) { c.CommandRatePerSecond = 0 }, wantErr: "RELAY_COMMAND_RATE_PER_SECOND must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tt.wantErr)
		})
	}
}
