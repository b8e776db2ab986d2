package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Gateway   GatewayConfig   `toml:"gateway"`   // Remote chat gateway settings
	Transport TransportConfig `toml:"transport"` // Realtime transport settings
	Storage   StorageConfig   `toml:"storage"`   // Client-side persistence settings
	Logging   LoggingConfig   `toml:"logging"`   // Application logging settings
	Identity  IdentityConfig  `toml:"identity"`  // Session/conversation lifetime settings
}

// GatewayConfig contains settings for the remote chat gateway
type GatewayConfig struct {
	BaseURL       string `toml:"base_url"`       // Gateway HTTP base URL (no trailing slash)
	APIKey        string `toml:"api_key"`        // Static API key sent as Authorization: Bearer
	TenantID      string `toml:"tenant_id"`      // Explicit tenant id; leave empty to let the server resolve it from origin/domain
	SiteID        string `toml:"site_id"`        // Optional site id
	IntegrationID string `toml:"integration_id"` // Optional integration id
	UserID        string `toml:"user_id"`        // Optional known-user id forwarded on init/message
	UserName      string `toml:"user_name"`      // Optional known-user display name
	UserEmail     string `toml:"user_email"`     // Optional known-user email

	// Parent-page identity carried on every request for server-side tenant resolution
	Origin   string `toml:"origin"`   // Embedding page origin (e.g. https://example.com)
	Domain   string `toml:"domain"`   // Embedding page domain (e.g. example.com)
	PageURL  string `toml:"page_url"` // Full page URL
	Referrer string `toml:"referrer"` // Page referrer

	RequestTimeoutSeconds int `toml:"request_timeout_seconds"` // HTTP timeout for gateway requests
	MaxRetries            int `toml:"max_retries"`             // Retry ceiling for retryable (5xx/network) failures
	RetryInitialBackoffMs int `toml:"retry_initial_backoff_ms"`
	RetryMaxBackoffMs     int `toml:"retry_max_backoff_ms"`
}

// TransportConfig contains realtime transport connection settings
type TransportConfig struct {
	HandshakeTimeoutSeconds   int `toml:"handshake_timeout_seconds"`   // WebSocket dial handshake timeout
	HeartbeatIntervalSeconds  int `toml:"heartbeat_interval_seconds"`  // Ping interval; 0 disables heartbeat
	ReconnectInitialBackoffMs int `toml:"reconnect_initial_backoff_ms"` // First reconnect delay
	ReconnectMaxBackoffMs     int `toml:"reconnect_max_backoff_ms"`     // Backoff ceiling
	MaxReconnectAttempts      int `toml:"max_reconnect_attempts"`       // Attempt ceiling before giving up
}

// StorageConfig contains client-side persistence configuration
type StorageConfig struct {
	SQLitePath string `toml:"sqlite_path"` // Path to the client state database file
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", or "error"
	Format string `toml:"format"` // Log format: "json" (structured) or "console" (human-readable)
}

// IdentityConfig contains session and conversation lifetime settings
type IdentityConfig struct {
	SessionTTLHours      int `toml:"session_ttl_hours"`      // Session validity window (default 24)
	ConversationTTLHours int `toml:"conversation_ttl_hours"` // Conversation validity window (default 24)
}

// placeholders are template values that must never be treated as real
// identifiers. Matching is case-insensitive.
var placeholders = []string{
	"your-tenant-id",
	"your-site-id",
	"your-integration-id",
	"your-api-key",
	"changeme",
}

// IsPlaceholder reports whether v is empty or equals a recognized
// placeholder template value.
func IsPlaceholder(v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return true
	}
	for _, p := range placeholders {
		if strings.EqualFold(v, p) {
			return true
		}
	}
	return false
}

// Load loads configuration from the specified TOML file
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	return cfg, nil
}

// LoadWithFallback loads configuration using fallback logic: the preferred
// path if given, then configs/webchat.toml, then webchat.toml in the
// working directory.
func LoadWithFallback(preferredPath string) (*Config, error) {
	candidates := []string{}
	if preferredPath != "" {
		candidates = append(candidates, preferredPath)
	}
	candidates = append(candidates,
		filepath.Join("configs", "webchat.toml"),
		"webchat.toml",
	)

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	if preferredPath != "" {
		return nil, fmt.Errorf("config file not found: %s", preferredPath)
	}
	return nil, fmt.Errorf("no config file found (searched: %s)", strings.Join(candidates, ", "))
}

// Default returns a configuration populated with defaults. Gateway base
// URL and API key have no defaults and must come from the file.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			RequestTimeoutSeconds: 30,
			MaxRetries:            3,
			RetryInitialBackoffMs: 500,
			RetryMaxBackoffMs:     8000,
		},
		Transport: TransportConfig{
			HandshakeTimeoutSeconds:   45,
			HeartbeatIntervalSeconds:  30,
			ReconnectInitialBackoffMs: 1000,
			ReconnectMaxBackoffMs:     30000,
			MaxReconnectAttempts:      8,
		},
		Storage: StorageConfig{
			SQLitePath: "webchat.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Identity: IdentityConfig{
			SessionTTLHours:      24,
			ConversationTTLHours: 24,
		},
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway base_url is required")
	}
	if !strings.HasPrefix(c.Gateway.BaseURL, "http://") && !strings.HasPrefix(c.Gateway.BaseURL, "https://") {
		return fmt.Errorf("gateway base_url must start with http:// or https://")
	}
	c.Gateway.BaseURL = strings.TrimRight(c.Gateway.BaseURL, "/")

	if IsPlaceholder(c.Gateway.APIKey) {
		return fmt.Errorf("gateway api_key is missing or a placeholder value")
	}

	// Tenant id is optional (the server can resolve it from origin/domain),
	// but a placeholder template value is a configuration error.
	if c.Gateway.TenantID != "" && IsPlaceholder(c.Gateway.TenantID) {
		return fmt.Errorf("gateway tenant_id is a placeholder value: %q", c.Gateway.TenantID)
	}

	if c.Gateway.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("gateway request_timeout_seconds must be positive")
	}
	if c.Gateway.MaxRetries < 0 {
		return fmt.Errorf("gateway max_retries must not be negative")
	}

	if c.Transport.ReconnectInitialBackoffMs <= 0 {
		return fmt.Errorf("transport reconnect_initial_backoff_ms must be positive")
	}
	if c.Transport.ReconnectMaxBackoffMs < c.Transport.ReconnectInitialBackoffMs {
		return fmt.Errorf("transport reconnect_max_backoff_ms must be >= reconnect_initial_backoff_ms")
	}
	if c.Transport.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("transport max_reconnect_attempts must be positive")
	}

	if c.Storage.SQLitePath == "" {
		return fmt.Errorf("storage sqlite_path is required")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %q", c.Logging.Level)
	}

	if c.Identity.SessionTTLHours <= 0 {
		return fmt.Errorf("identity session_ttl_hours must be positive")
	}
	if c.Identity.ConversationTTLHours <= 0 {
		return fmt.Errorf("identity conversation_ttl_hours must be positive")
	}

	return nil
}
