// Package config provides configuration management using Viper.
// It supports loading from config files, environment variables, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/undervolt-agent/agent/internal/gpu"
)

// Config holds all configuration values for the agent.
type Config struct {
	// DevMode enables console-friendly development logging
	DevMode bool `mapstructure:"dev_mode"`

	// PollInterval is the telemetry stream sampling interval passed to
	// nvidia-smi's --loop-ms flag
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// TickInterval is the daemon decision loop cadence. It is independent of
	// PollInterval; each tick acts on the most recent sample, which may be
	// stale by up to one poll interval.
	TickInterval time.Duration `mapstructure:"tick_interval"`

	// NvidiaSMIPath is the nvidia-smi executable
	NvidiaSMIPath string `mapstructure:"nvidia_smi_path"`

	// NvidiaSettingsPath is the nvidia-settings executable
	NvidiaSettingsPath string `mapstructure:"nvidia_settings_path"`

	// Profiles are operator-supplied clock profiles merged over the built-in
	// registry, keyed by the nvidia-smi product name
	Profiles map[string]gpu.ClockProfile `mapstructure:"profiles"`
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		DevMode:            false,
		PollInterval:       500 * time.Millisecond,
		TickInterval:       time.Second,
		NvidiaSMIPath:      "nvidia-smi",
		NvidiaSettingsPath: "nvidia-settings",
	}
}

// Load reads configuration from environment variables and config files.
// Environment variables take precedence over config file values and are
// prefixed with "UNDERVOLT_" (e.g. UNDERVOLT_TICK_INTERVAL=2s).
func Load() (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("dev_mode", defaults.DevMode)
	v.SetDefault("poll_interval", defaults.PollInterval)
	v.SetDefault("tick_interval", defaults.TickInterval)
	v.SetDefault("nvidia_smi_path", defaults.NvidiaSMIPath)
	v.SetDefault("nvidia_settings_path", defaults.NvidiaSettingsPath)

	v.SetEnvPrefix("UNDERVOLT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Optional config file, mainly used to add clock profiles for GPU models
	// missing from the built-in registry.
	v.SetConfigName("undervolt")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/undervolt/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is acceptable - defaults + env vars apply.
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks that all configuration values are valid.
func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %v", c.PollInterval)
	}

	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive, got %v", c.TickInterval)
	}

	if c.NvidiaSMIPath == "" {
		return fmt.Errorf("nvidia_smi_path must not be empty")
	}

	if c.NvidiaSettingsPath == "" {
		return fmt.Errorf("nvidia_settings_path must not be empty")
	}

	for model, profile := range c.Profiles {
		if profile.CoreClockMHz <= 0 || profile.BoostClockMHz < profile.CoreClockMHz {
			return fmt.Errorf("profile %q: invalid clock range %d..%d",
				model, profile.CoreClockMHz, profile.BoostClockMHz)
		}
		if profile.OffsetMHz < 0 || profile.OffsetMHz >= profile.CoreClockMHz {
			return fmt.Errorf("profile %q: invalid offset %d", model, profile.OffsetMHz)
		}
		if profile.IdleThresholdWatts <= 0 {
			return fmt.Errorf("profile %q: invalid idle threshold %v",
				model, profile.IdleThresholdWatts)
		}
	}

	return nil
}

// String returns a string representation of the config (useful for logging).
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{DevMode: %v, PollInterval: %v, TickInterval: %v, NvidiaSMI: %s, NvidiaSettings: %s, ExtraProfiles: %d}",
		c.DevMode, c.PollInterval, c.TickInterval, c.NvidiaSMIPath, c.NvidiaSettingsPath, len(c.Profiles),
	)
}
