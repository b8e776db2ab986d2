package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Gateway.BaseURL = "https://gateway.example.com"
	cfg.Gateway.APIKey = "sk-test-key"
	return cfg
}

func TestIsPlaceholder(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"", true},
		{"   ", true},
		{"your-tenant-id", true},
		{"YOUR-TENANT-ID", true},
		{"Your-Site-Id", true},
		{"your-integration-id", true},
		{"your-api-key", true},
		{"changeme", true},
		{"CHANGEME", true},
		{"tenant-8842", false},
		{"your-tenant-id-2", false},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, IsPlaceholder(tt.value), "value=%q", tt.value)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing base url",
			mutate:  func(c *Config) { c.Gateway.BaseURL = "" },
			wantErr: "base_url",
		},
		{
			name:    "base url without scheme",
			mutate:  func(c *Config) { c.Gateway.BaseURL = "gateway.example.com" },
			wantErr: "base_url",
		},
		{
			name:    "placeholder api key",
			mutate:  func(c *Config) { c.Gateway.APIKey = "your-api-key" },
			wantErr: "api_key",
		},
		{
			name:    "placeholder tenant id",
			mutate:  func(c *Config) { c.Gateway.TenantID = "Your-Tenant-Id" },
			wantErr: "tenant_id",
		},
		{
			name:   "empty tenant id is allowed",
			mutate: func(c *Config) { c.Gateway.TenantID = "" },
		},
		{
			name:    "backoff ceiling below floor",
			mutate:  func(c *Config) { c.Transport.ReconnectMaxBackoffMs = 1 },
			wantErr: "reconnect_max_backoff_ms",
		},
		{
			name:    "zero reconnect attempts",
			mutate:  func(c *Config) { c.Transport.MaxReconnectAttempts = 0 },
			wantErr: "max_reconnect_attempts",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "logging level",
		},
		{
			name:    "missing sqlite path",
			mutate:  func(c *Config) { c.Storage.SQLitePath = "" },
			wantErr: "sqlite_path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				require.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidate_StripsTrailingSlash(t *testing.T) {
	cfg := validConfig()
	cfg.Gateway.BaseURL = "https://gateway.example.com/"
	require.NoError(t, cfg.Validate())
	require.Equal(t, "https://gateway.example.com", cfg.Gateway.BaseURL)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "webchat.toml")
	content := `
[gateway]
base_url = "https://gateway.example.com"
api_key = "sk-test-key"
tenant_id = "tenant-8842"

[logging]
level = "debug"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "tenant-8842", cfg.Gateway.TenantID)
	require.Equal(t, "debug", cfg.Logging.Level)

	// Unset sections keep their defaults
	require.Equal(t, 8, cfg.Transport.MaxReconnectAttempts)
	require.Equal(t, 24, cfg.Identity.SessionTTLHours)
}

func TestLoadWithFallback_MissingPreferredPath(t *testing.T) {
	_, err := LoadWithFallback(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}
