// Package config provides configuration management for the IV chart service.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes from YAML strings like
// "150ms" or "10s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	API         APIConfig         `yaml:"api"`
	Analysis    AnalysisConfig    `yaml:"analysis"`
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// APIConfig defines upstream market-data API settings.
type APIConfig struct {
	BaseURL       string   `yaml:"base_url"`
	APIKey        string   `yaml:"api_key"`
	Spacing       Duration `yaml:"spacing"`
	MaxConcurrent int      `yaml:"max_concurrent"`
	// MaxRetries left unset uses the client default; an explicit 0
	// disables rate-limit retries.
	MaxRetries *int `yaml:"max_retries"`
	BaseBackoff   Duration `yaml:"base_backoff"`
	MaxBackoff    Duration `yaml:"max_backoff"`
	Timeout       Duration `yaml:"timeout"`
	// UseBreaker wraps the client in a circuit breaker
	UseBreaker bool `yaml:"use_breaker"`
}

// AnalysisConfig defines earnings-analysis grid parameters.
type AnalysisConfig struct {
	NumEvents        int   `yaml:"num_events"`
	WindowDays       int   `yaml:"window_days"`
	DTEBuckets       []int `yaml:"dte_buckets"`
	DiscoveryAgeDays int   `yaml:"discovery_age_days"`
}

// ServerConfig defines HTTP server settings.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// StorageConfig defines storage settings for chart request history.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	switch c.Environment.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be one of debug, info, warn, error")
	}

	if c.API.APIKey == "" {
		return fmt.Errorf("api.api_key is required")
	}
	if c.API.Spacing < 0 {
		return fmt.Errorf("api.spacing must be >= 0")
	}
	if c.API.MaxConcurrent < 0 {
		return fmt.Errorf("api.max_concurrent must be >= 0")
	}
	if c.API.MaxRetries != nil && *c.API.MaxRetries < 0 {
		return fmt.Errorf("api.max_retries must be >= 0")
	}
	if c.API.BaseBackoff < 0 || c.API.MaxBackoff < 0 {
		return fmt.Errorf("api backoff durations must be >= 0")
	}
	if c.API.BaseBackoff > 0 && c.API.MaxBackoff > 0 && c.API.BaseBackoff > c.API.MaxBackoff {
		return fmt.Errorf("api.base_backoff (%s) must be <= api.max_backoff (%s)",
			c.API.BaseBackoff, c.API.MaxBackoff)
	}

	if c.Analysis.NumEvents < 0 {
		return fmt.Errorf("analysis.num_events must be >= 0")
	}
	if c.Analysis.WindowDays < 0 {
		return fmt.Errorf("analysis.window_days must be >= 0")
	}
	for _, dte := range c.Analysis.DTEBuckets {
		if dte <= 0 {
			return fmt.Errorf("analysis.dte_buckets entries must be > 0")
		}
	}

	if c.Server.Enabled && c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required when server.enabled is true")
	}

	return nil
}

// IsDebug reports whether debug logging is enabled.
func (c *Config) IsDebug() bool {
	return c.Environment.LogLevel == "debug"
}
