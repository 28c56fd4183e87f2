// Package config loads and validates the daemon's JSON configuration file,
// mirroring the flat-struct-plus-validate pattern used across the rest of
// this codebase's ambient stack.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	configSubdir   = "config"
	configFileName = "ocnwatch_config.json"

	// DefaultOutboundTTL is applied to a subscription that does not set one.
	DefaultOutboundTTL = 6 * time.Hour
)

// Config holds every environment option recognized by ocnwatchd.
type Config struct {
	LogLevel   int    `json:"logLevel"`
	LogFormat  string `json:"logFormat"`
	LogSampler bool   `json:"logSampler"`

	DataDir string `json:"dataDir"`

	SubscriptionMaxEphemeral  uint32 `json:"subscriptionMaxEphemeral"`
	SubscriptionMaxPersistent uint32 `json:"subscriptionMaxPersistent"`
	SchedulerFrequencyMs      uint32 `json:"schedulerFrequencyMs"`
	SweepExpiryMs             uint32 `json:"sweepExpiryMs"`
	SubErrorRetryMs           uint32 `json:"subErrorRetryMs"`

	HTTPPort int `json:"httpPort"`

	// Networks declares the chains this daemon knows about: which are relay
	// chains and which relay each parachain is bound to.
	Networks []NetworkConfig `json:"networks"`
}

// NetworkConfig declares one chain in the consensus topology.
type NetworkConfig struct {
	ID    string `json:"id"`
	Relay bool   `json:"relay"`
	// RelayOf names the relay a parachain is bound to. Ignored when Relay is
	// true.
	RelayOf string `json:"relayOf,omitempty"`
}

// validate fills in defaults and rejects inconsistent values.
func validate(cfg *Config) error {
	if cfg.LogLevel < 0 || cfg.LogLevel > 5 {
		return fmt.Errorf("log level must be between 0 and 5")
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "console"
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return fmt.Errorf("log format must be 'json' or 'console'")
	}

	if cfg.DataDir == "" {
		usr, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to resolve default data dir: %w", err)
		}
		cfg.DataDir = filepath.Join(usr, ".ocnwatch")
	}

	if cfg.SubscriptionMaxEphemeral == 0 {
		cfg.SubscriptionMaxEphemeral = 10000
	}
	if cfg.SubscriptionMaxPersistent == 0 {
		cfg.SubscriptionMaxPersistent = 10000
	}
	if cfg.SchedulerFrequencyMs == 0 {
		cfg.SchedulerFrequencyMs = 30000
	}
	if cfg.SchedulerFrequencyMs < 1000 {
		return fmt.Errorf("schedulerFrequencyMs must be >= 1000")
	}
	if cfg.SweepExpiryMs == 0 {
		cfg.SweepExpiryMs = 20000
	}
	if cfg.SweepExpiryMs < 20000 {
		return fmt.Errorf("sweepExpiryMs must be >= 20000")
	}
	if cfg.SubErrorRetryMs == 0 {
		cfg.SubErrorRetryMs = 5000
	}
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = 8080
	}

	return nil
}

// Default returns a fully-populated default Config.
func Default() Config {
	cfg := Config{}
	_ = validate(&cfg)
	return cfg
}

// Save writes cfg to <basePath>/config/ocnwatch_config.json.
func Save(cfg *Config, basePath string) error {
	if err := validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	dir := filepath.Join(basePath, configSubdir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(filepath.Join(dir, configFileName), data, 0o640)
}

// Load reads <basePath>/config/ocnwatch_config.json, validating and
// defaulting the result.
func Load(basePath string) (Config, error) {
	path := filepath.Join(basePath, configSubdir, configFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func (c Config) SweepExpiry() time.Duration {
	return time.Duration(c.SweepExpiryMs) * time.Millisecond
}

func (c Config) SchedulerFrequency() time.Duration {
	return time.Duration(c.SchedulerFrequencyMs) * time.Millisecond
}

func (c Config) SubErrorRetry() time.Duration {
	return time.Duration(c.SubErrorRetryMs) * time.Millisecond
}
