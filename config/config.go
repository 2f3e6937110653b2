// Package config loads the streamd configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config captures the runtime configuration for streamd.
type Config struct {
	Listen      string            `yaml:"listen" toml:"listen"`
	Environment string            `yaml:"environment" toml:"environment"`
	ActionWait  Duration          `yaml:"action_wait" toml:"action_wait"`
	Ledger      LedgerConfig      `yaml:"ledger" toml:"ledger"`
	Signer      SignerConfig      `yaml:"signer" toml:"signer"`
	Fees        FeesConfig        `yaml:"fees" toml:"fees"`
	Reverts     map[string]string `yaml:"reverts" toml:"reverts"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	RateLimits  RateLimitConfig   `yaml:"rate_limits" toml:"rate_limits"`
	Refresh     RefreshConfig     `yaml:"refresh" toml:"refresh"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" toml:"telemetry"`
}

// Load reads the configuration at path. Files ending in .toml are decoded as
// TOML, everything else as YAML.
func Load(path string) (Config, error) {
	cfg := Config{}
	if strings.TrimSpace(path) == "" {
		return cfg, fmt.Errorf("config path required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.Decode(string(raw), &cfg)
		if err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return cfg, fmt.Errorf("decode config: unknown key %s", undecoded[0])
		}
	default:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := cfg.normalise(); err != nil {
		return cfg, err
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = ":8090"
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.ActionWait.Duration <= 0 {
		cfg.ActionWait.Duration = 30 * time.Second
	}
	if cfg.Ledger.Confirmations == 0 {
		cfg.Ledger.Confirmations = 1
	}
	if cfg.Ledger.PollInterval.Duration <= 0 {
		cfg.Ledger.PollInterval.Duration = 2 * time.Second
	}
	if cfg.Ledger.GasMargin == 0 {
		cfg.Ledger.GasMargin = 20
	}
	if cfg.Fees.DefaultBps == 0 {
		cfg.Fees.DefaultBps = 100
	}
	if cfg.Signer.PassphraseEnv == "" {
		cfg.Signer.PassphraseEnv = "STREAMD_KEYSTORE_PASSPHRASE"
	}
	if cfg.Auth.SecretEnv == "" {
		cfg.Auth.SecretEnv = "STREAMD_JWT_SECRET"
	}
	if cfg.Auth.ClockSkew.Duration <= 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.RateLimits.RatePerSecond == 0 {
		cfg.RateLimits.RatePerSecond = 10
	}
	if cfg.RateLimits.Burst == 0 {
		cfg.RateLimits.Burst = 20
	}
	if cfg.Refresh.Interval.Duration <= 0 {
		cfg.Refresh.Interval.Duration = 30 * time.Second
	}
	if cfg.Telemetry.Interval.Duration <= 0 {
		cfg.Telemetry.Interval.Duration = 15 * time.Second
	}
	if cfg.Telemetry.SampleRatio == 0 {
		cfg.Telemetry.SampleRatio = 1
	}
}
