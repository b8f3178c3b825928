// Package config provides configuration management for the paseo daemon.
// It supports loading configuration from environment variables, a config file
// under PASEO_HOME, and defaults. Precedence: flags > env > file > defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the daemon.
type Config struct {
	Home    string        `mapstructure:"home"`
	Listen  string        `mapstructure:"listen"`
	Relay   RelayConfig   `mapstructure:"relay"`
	Pairing PairingConfig `mapstructure:"pairing"`
	Session SessionConfig `mapstructure:"session"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// RelayConfig holds the relay ingress configuration.
type RelayConfig struct {
	Endpoint string `mapstructure:"endpoint"` // wss URL of the relay; empty disables relay
	Enabled  bool   `mapstructure:"enabled"`
}

// PairingConfig holds pairing offer configuration.
type PairingConfig struct {
	AppBaseURL   string   `mapstructure:"appBaseUrl"`
	AllowedHosts []string `mapstructure:"allowedHosts"`
}

// SessionConfig holds client session tuning.
type SessionConfig struct {
	KeepaliveSeconds      int `mapstructure:"keepaliveSeconds"`
	RequestTimeoutSeconds int `mapstructure:"requestTimeoutSeconds"`
	OutboundHighWater     int `mapstructure:"outboundHighWater"`
}

// NATSConfig holds optional NATS event bus configuration.
// An empty URL selects the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// Keepalive returns the keepalive interval as a time.Duration.
func (s *SessionConfig) Keepalive() time.Duration {
	return time.Duration(s.KeepaliveSeconds) * time.Second
}

// RequestTimeout returns the per-request deadline as a time.Duration.
func (s *SessionConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSeconds) * time.Second
}

func defaultHome() string {
	if home := os.Getenv("PASEO_HOME"); home != "" {
		return home
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return ".paseo"
	}
	return filepath.Join(userHome, ".paseo")
}

func detectDefaultLogFormat() string {
	if env := os.Getenv("PASEO_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("home", defaultHome())
	v.SetDefault("listen", "127.0.0.1:6767")

	v.SetDefault("relay.endpoint", "")
	v.SetDefault("relay.enabled", false)

	v.SetDefault("pairing.appBaseUrl", "https://app.paseo.dev")
	v.SetDefault("pairing.allowedHosts", []string{})

	v.SetDefault("session.keepaliveSeconds", 15)
	v.SetDefault("session.requestTimeoutSeconds", 30)
	v.SetDefault("session.outboundHighWater", 256)

	// Empty URL means use the in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "paseo-daemon")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix PASEO_ with underscore-separated naming.
// The config file is config.yaml under PASEO_HOME.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified directory or PASEO_HOME.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("PASEO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where the env var name differs from the config key.
	_ = v.BindEnv("home", "PASEO_HOME")
	_ = v.BindEnv("listen", "PASEO_LISTEN")
	_ = v.BindEnv("relay.endpoint", "PASEO_RELAY_ENDPOINT")
	_ = v.BindEnv("pairing.appBaseUrl", "PASEO_APP_BASE_URL")
	_ = v.BindEnv("pairing.allowedHosts", "PASEO_ALLOWED_HOSTS")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	} else {
		v.AddConfigPath(defaultHome())
	}

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are sane.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Home == "" {
		errs = append(errs, "home must not be empty")
	}

	// listen is host:port or a unix socket path (unix:/path)
	if cfg.Listen == "" {
		errs = append(errs, "listen must not be empty")
	}

	if cfg.Relay.Enabled && cfg.Relay.Endpoint == "" {
		errs = append(errs, "relay.endpoint is required when relay.enabled is true")
	}

	if cfg.Session.KeepaliveSeconds <= 0 {
		errs = append(errs, "session.keepaliveSeconds must be positive")
	}
	if cfg.Session.RequestTimeoutSeconds <= 0 {
		errs = append(errs, "session.requestTimeoutSeconds must be positive")
	}
	if cfg.Session.OutboundHighWater <= 0 {
		errs = append(errs, "session.outboundHighWater must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// IsUnixSocket reports whether the listen address is a unix socket path.
func (c *Config) IsUnixSocket() bool {
	return strings.HasPrefix(c.Listen, "unix:") || strings.HasPrefix(c.Listen, "/")
}

// UnixSocketPath returns the socket path when IsUnixSocket is true.
func (c *Config) UnixSocketPath() string {
	return strings.TrimPrefix(c.Listen, "unix:")
}
