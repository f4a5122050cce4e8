package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/nulang/nuls/internal/backend"
)

// Config represents the nuls configuration
type Config struct {
	Backend     BackendConfig     `mapstructure:"backend"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
}

// BackendConfig configures how the nu binary is invoked
type BackendConfig struct {
	Path        string   `mapstructure:"path"`
	IncludeDirs []string `mapstructure:"include_dirs"`
	MaxProblems int      `mapstructure:"max_problems"`
	TimeoutMS   int      `mapstructure:"timeout_ms"`
}

// DiagnosticsConfig configures change-triggered validation
type DiagnosticsConfig struct {
	// OnChange is either "interval" or "eager"
	OnChange   string `mapstructure:"on_change"`
	IntervalMS int    `mapstructure:"interval_ms"`
}

// Load loads the configuration from nuls.yml or nuls.yaml
func Load() (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("backend.path", backend.DefaultNuPath)
	v.SetDefault("backend.max_problems", backend.DefaultMaxProblems)
	v.SetDefault("backend.timeout_ms", int(backend.DefaultCommandTimeout/time.Millisecond))
	v.SetDefault("diagnostics.on_change", "interval")
	v.SetDefault("diagnostics.interval_ms", 500)

	// Set config name and paths
	v.SetConfigName("nuls")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Enable environment variable support
	v.AutomaticEnv()

	// Read config file if it exists
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - use defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := validateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// Settings converts the backend section to invocation settings.
func (c *Config) Settings() backend.Settings {
	settings := backend.DefaultSettings()
	if c.Backend.Path != "" {
		settings.NuPath = c.Backend.Path
	}
	if len(c.Backend.IncludeDirs) > 0 {
		settings.IncludeDirs = c.Backend.IncludeDirs
	}
	if c.Backend.MaxProblems > 0 {
		settings.MaxNumberOfProblems = c.Backend.MaxProblems
	}
	if c.Backend.TimeoutMS > 0 {
		settings.MaxCommandTimeout = time.Duration(c.Backend.TimeoutMS) * time.Millisecond
	}
	return settings
}

// RevalidateInterval returns the throttle for change-triggered validation.
// Zero means validate eagerly on every change.
func (c *Config) RevalidateInterval() time.Duration {
	if c.Diagnostics.OnChange == "eager" {
		return 0
	}
	return time.Duration(c.Diagnostics.IntervalMS) * time.Millisecond
}

// GetNuPath returns the nu binary path from config or environment
func GetNuPath() string {
	// First check environment variable
	if path := os.Getenv("NULS_NU_PATH"); path != "" {
		return path
	}

	// Then check config file
	cfg, err := Load()
	if err != nil {
		return backend.DefaultNuPath
	}

	return cfg.Backend.Path
}

// GetProjectRoot tries to find the workspace root by looking for nuls.yml
func GetProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		// Check for nuls.yml or nuls.yaml
		if _, err := os.Stat(filepath.Join(dir, "nuls.yml")); err == nil {
			return dir, nil
		}
		if _, err := os.Stat(filepath.Join(dir, "nuls.yaml")); err == nil {
			return dir, nil
		}

		// Move up one directory
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return "", fmt.Errorf("no nuls.yml found")
		}
		dir = parent
	}
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	switch cfg.Diagnostics.OnChange {
	case "", "interval", "eager":
	default:
		return fmt.Errorf("diagnostics.on_change must be \"interval\" or \"eager\", got: %s", cfg.Diagnostics.OnChange)
	}
	if cfg.Backend.TimeoutMS < 0 {
		return fmt.Errorf("backend.timeout_ms must not be negative, got: %d", cfg.Backend.TimeoutMS)
	}
	if cfg.Diagnostics.IntervalMS < 0 {
		return fmt.Errorf("diagnostics.interval_ms must not be negative, got: %d", cfg.Diagnostics.IntervalMS)
	}
	return nil
}
