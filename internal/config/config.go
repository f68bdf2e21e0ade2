package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Authority     AuthorityConfig     `yaml:"authority"`
	Storage       StorageConfig       `yaml:"storage"`
	Authenticator AuthenticatorConfig `yaml:"authenticator"`
	Agent         AgentConfig         `yaml:"agent"`
	Log           LogConfig           `yaml:"log"`
}

// AuthorityConfig defines how to reach the remote delegation authority
type AuthorityConfig struct {
	URL            string `yaml:"url"`             // Base URL of the authority (empty disables the channel)
	TimeoutSeconds int    `yaml:"timeout_seconds"` // Per-request timeout
}

// StorageConfig defines where the persisted session lives
type StorageConfig struct {
	StateDir string `yaml:"state_dir"` // Directory holding the session record
}

// AuthenticatorConfig defines the local browser ceremony server
type AuthenticatorConfig struct {
	Listen                 string `yaml:"listen"`                   // Listen address for the ceremony page
	CeremonyTimeoutSeconds int    `yaml:"ceremony_timeout_seconds"` // How long to wait for the passkey prompt
}

// AgentConfig defines the Unix socket the agent daemon listens on
type AgentConfig struct {
	Socket string `yaml:"socket"` // Unix socket path
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Timeout returns the authority request timeout as a duration.
func (a *AuthorityConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// CeremonyTimeout returns the ceremony timeout as a duration.
func (a *AuthenticatorConfig) CeremonyTimeout() time.Duration {
	return time.Duration(a.CeremonyTimeoutSeconds) * time.Second
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply environment variable overrides
	cfg.applyEnvOverrides()

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Authority: AuthorityConfig{
			TimeoutSeconds: 30,
		},
		Storage: StorageConfig{
			StateDir: "/var/lib/passkey-delegate",
		},
		Authenticator: AuthenticatorConfig{
			Listen:                 "127.0.0.1:9780",
			CeremonyTimeoutSeconds: 300, // 5 minutes
		},
		Agent: AgentConfig{
			Socket: "/run/passkey-delegate/agent.sock",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	// Authority overrides
	if v := os.Getenv("PASSKEY_DELEGATE_AUTHORITY_URL"); v != "" {
		c.Authority.URL = v
	}

	// Storage overrides
	if v := os.Getenv("PASSKEY_DELEGATE_STATE_DIR"); v != "" {
		c.Storage.StateDir = v
	}

	// Log overrides
	if v := os.Getenv("PASSKEY_DELEGATE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("PASSKEY_DELEGATE_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}

	// Listen overrides
	if v := os.Getenv("PASSKEY_DELEGATE_AUTHENTICATOR_LISTEN"); v != "" {
		c.Authenticator.Listen = v
	}
	if v := os.Getenv("PASSKEY_DELEGATE_AGENT_SOCKET"); v != "" {
		c.Agent.Socket = v
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Validate authority config. An empty URL is allowed: it yields a
	// disabled channel, and operations fail on first use instead.
	if c.Authority.URL != "" {
		if !strings.HasPrefix(c.Authority.URL, "http://") && !strings.HasPrefix(c.Authority.URL, "https://") {
			return fmt.Errorf("authority.url must be a valid HTTP(S) URL")
		}
	}

	if c.Authority.TimeoutSeconds <= 0 {
		return fmt.Errorf("authority.timeout_seconds must be positive")
	}
	if c.Authority.TimeoutSeconds > 300 {
		return fmt.Errorf("authority.timeout_seconds should not exceed 300 seconds")
	}

	// Validate storage config
	if c.Storage.StateDir == "" {
		return fmt.Errorf("storage.state_dir is required")
	}

	// Validate authenticator config
	if c.Authenticator.Listen == "" {
		return fmt.Errorf("authenticator.listen is required")
	}
	if c.Authenticator.CeremonyTimeoutSeconds <= 0 {
		return fmt.Errorf("authenticator.ceremony_timeout_seconds must be positive")
	}
	if c.Authenticator.CeremonyTimeoutSeconds > 3600 {
		return fmt.Errorf("authenticator.ceremony_timeout_seconds should not exceed 3600 seconds (1 hour)")
	}

	// Validate agent config
	if c.Agent.Socket == "" {
		return fmt.Errorf("agent.socket is required")
	}

	// Validate log config
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: json, text")
	}

	return nil
}

// SetupLogging configures the global slog logger based on the LogConfig.
func SetupLogging(cfg *LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}
