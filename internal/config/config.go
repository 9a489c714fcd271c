// Package config loads and validates chatcore configuration from a YAML
// file, with environment variable overrides for deployment settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all chatcore configuration.
type Config struct {
	// Core settings
	Name   string `yaml:"name"`
	Listen string `yaml:"listen"` // HTTP facade bind address

	// DataDir is the working directory for logs and the SQLite database.
	DataDir string `yaml:"data_dir"`

	// Backend collaborators
	Directory DirectoryConfig `yaml:"directory"`
	Auth      AuthConfig      `yaml:"auth"`

	// Session lifecycle tuning
	Session SessionConfig `yaml:"session"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// DirectoryConfig configures the session directory client.
type DirectoryConfig struct {
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
}

// AuthConfig configures the authentication client.
type AuthConfig struct {
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
}

// SessionConfig tunes the lifecycle manager and sync controller.
type SessionConfig struct {
	// DefaultRoleID is the fallback role when none is persisted.
	DefaultRoleID int64 `yaml:"default_role_id"`

	// HydrationTimeout bounds the wait for persisted selections to load
	// before initialization proceeds anyway.
	HydrationTimeout string `yaml:"hydration_timeout"`

	// WaitReadyTimeout is the default bound for WaitForReady callers.
	WaitReadyTimeout string `yaml:"wait_ready_timeout"`

	// ProjectCacheTTL controls how long a fetched project list stays fresh.
	ProjectCacheTTL string `yaml:"project_cache_ttl"`
}

// LoggingConfig controls the category debug logger.
type LoggingConfig struct {
	Debug      bool            `yaml:"debug"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
	// Development switches the zap logger to its development preset.
	Development bool `yaml:"development"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "chatcore",
		Listen:  "127.0.0.1:8340",
		DataDir: ".chatcore",
		Directory: DirectoryConfig{
			BaseURL: "http://127.0.0.1:8600",
			Timeout: "15s",
		},
		Auth: AuthConfig{
			BaseURL: "http://127.0.0.1:8610",
			Timeout: "10s",
		},
		Session: SessionConfig{
			DefaultRoleID:    1,
			HydrationTimeout: "3s",
			WaitReadyTimeout: "10s",
			ProjectCacheTTL:  "5m",
		},
		Logging: LoggingConfig{
			Debug: false,
			Level: "info",
		},
	}
}

// Load reads the config file at path, falling back to defaults when the
// file does not exist, and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CHATCORE_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("CHATCORE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("CHATCORE_DIRECTORY_URL"); v != "" {
		c.Directory.BaseURL = v
	}
	if v := os.Getenv("CHATCORE_AUTH_URL"); v != "" {
		c.Auth.BaseURL = v
	}
	if v := os.Getenv("CHATCORE_DEFAULT_ROLE"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil && id > 0 {
			c.Session.DefaultRoleID = id
		}
	}
	if v := os.Getenv("CHATCORE_DEBUG"); v != "" {
		c.Logging.Debug = v == "1" || v == "true"
	}
}

// Validate checks the configuration for obvious misconfiguration.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address required")
	}
	if c.Directory.BaseURL == "" {
		return fmt.Errorf("directory base_url required")
	}
	if c.Auth.BaseURL == "" {
		return fmt.Errorf("auth base_url required")
	}
	if c.Session.DefaultRoleID <= 0 {
		return fmt.Errorf("session default_role_id must be positive")
	}
	for _, d := range []struct {
		name  string
		value string
	}{
		{"directory timeout", c.Directory.Timeout},
		{"auth timeout", c.Auth.Timeout},
		{"hydration_timeout", c.Session.HydrationTimeout},
		{"wait_ready_timeout", c.Session.WaitReadyTimeout},
		{"project_cache_ttl", c.Session.ProjectCacheTTL},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.value, err)
		}
	}
	return nil
}

// DirectoryTimeout returns the directory client timeout.
func (c *Config) DirectoryTimeout() time.Duration {
	return parseDurationOr(c.Directory.Timeout, 15*time.Second)
}

// AuthTimeout returns the auth client timeout.
func (c *Config) AuthTimeout() time.Duration {
	return parseDurationOr(c.Auth.Timeout, 10*time.Second)
}

// HydrationTimeout returns the bounded hydration wait.
func (c *Config) HydrationTimeout() time.Duration {
	return parseDurationOr(c.Session.HydrationTimeout, 3*time.Second)
}

// WaitReadyTimeout returns the default WaitForReady bound.
func (c *Config) WaitReadyTimeout() time.Duration {
	return parseDurationOr(c.Session.WaitReadyTimeout, 10*time.Second)
}

// ProjectCacheTTL returns the project list cache freshness window.
func (c *Config) ProjectCacheTTL() time.Duration {
	return parseDurationOr(c.Session.ProjectCacheTTL, 5*time.Minute)
}

// DatabasePath returns the SQLite database location under the data dir.
func (c *Config) DatabasePath() string {
	return c.DataDir + "/chatcore.db"
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
