package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Load reads and parses the configuration file and environment variables
func Load(configPath string) (*Config, *Secrets, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, nil, err
	}

	secrets, err := LoadSecrets()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load secrets: %w", err)
	}

	return cfg, secrets, nil
}

// Parse decodes TOML, applies defaults and validates the result
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Additional input security validation
	if err := cfg.ValidateInputs(); err != nil {
		return nil, fmt.Errorf("input validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns a validated configuration for a local server
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = DefaultHost
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.TLS == "" {
		cfg.Server.TLS = DefaultTLSPolicy
	}

	if cfg.Reconnect.BaseDelayMs == 0 {
		cfg.Reconnect.BaseDelayMs = DefaultReconnectBaseDelayMs
	}
	if cfg.Reconnect.MaxDelayMs == 0 {
		cfg.Reconnect.MaxDelayMs = DefaultReconnectMaxDelayMs
	}
	if cfg.Reconnect.MaxAttempts == 0 {
		cfg.Reconnect.MaxAttempts = DefaultReconnectMaxAttempts
	}

	if cfg.Timeouts.HandshakeSeconds == 0 {
		cfg.Timeouts.HandshakeSeconds = DefaultHandshakeSeconds
	}
	if cfg.Timeouts.RequestSeconds == 0 {
		cfg.Timeouts.RequestSeconds = DefaultRequestSeconds
	}
	if cfg.Timeouts.DownloadSeconds == 0 {
		cfg.Timeouts.DownloadSeconds = DefaultDownloadSeconds
	}
	if cfg.Timeouts.PingIntervalSeconds == 0 {
		cfg.Timeouts.PingIntervalSeconds = DefaultPingIntervalSeconds
	}

	if cfg.Watchdog.IdleSeconds == 0 {
		cfg.Watchdog.IdleSeconds = DefaultWatchdogIdleSeconds
	}

	if cfg.ControlPlane.RetryBaseDelayMs == 0 {
		cfg.ControlPlane.RetryBaseDelayMs = DefaultRetryBaseDelayMs
	}

	if cfg.Artifacts.Mode == "" {
		cfg.Artifacts.Mode = DefaultArtifactMode
	}
	if cfg.Artifacts.Concurrency == 0 {
		cfg.Artifacts.Concurrency = DefaultArtifactConcurrency
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
}
