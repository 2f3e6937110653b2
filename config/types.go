package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so it can be written as "15s" in YAML and TOML.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText is used by the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := string(text)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// LedgerConfig points streamd at the flow contract.
type LedgerConfig struct {
	RPCURL        string   `yaml:"rpc_url" toml:"rpc_url"`
	ChainID       uint64   `yaml:"chain_id" toml:"chain_id"`
	Contract      string   `yaml:"contract" toml:"contract"`
	Confirmations uint64   `yaml:"confirmations" toml:"confirmations"`
	PollInterval  Duration `yaml:"poll_interval" toml:"poll_interval"`
	ReadRPS       float64  `yaml:"read_rps" toml:"read_rps"`
	ReadBurst     int      `yaml:"read_burst" toml:"read_burst"`
	FromBlock     uint64   `yaml:"from_block" toml:"from_block"`
	GasMargin     uint64   `yaml:"gas_margin_percent" toml:"gas_margin_percent"`
}

// SignerConfig locates the keystore used for writes. An empty keystore runs
// streamd read-only.
type SignerConfig struct {
	Keystore      string `yaml:"keystore" toml:"keystore"`
	PassphraseEnv string `yaml:"passphrase_env" toml:"passphrase_env"`
}

// FeesConfig sets the protocol fee in basis points, optionally per token.
type FeesConfig struct {
	DefaultBps uint64            `yaml:"default_bps" toml:"default_bps"`
	Tokens     map[string]uint64 `yaml:"tokens" toml:"tokens"`
}

// AuthConfig protects the mutating endpoints with HMAC-signed JWTs.
type AuthConfig struct {
	Enabled   bool     `yaml:"enabled" toml:"enabled"`
	SecretEnv string   `yaml:"secret_env" toml:"secret_env"`
	Issuer    string   `yaml:"issuer" toml:"issuer"`
	Audience  string   `yaml:"audience" toml:"audience"`
	ClockSkew Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// RateLimitConfig throttles API requests per client address.
type RateLimitConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second" toml:"rate_per_second"`
	Burst         int     `yaml:"burst" toml:"burst"`
}

// RefreshConfig drives the background refresher for tracked streams.
type RefreshConfig struct {
	Interval Duration `yaml:"interval" toml:"interval"`
	Streams  []string `yaml:"streams" toml:"streams"`
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string   `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool     `yaml:"insecure" toml:"insecure"`
	Headers     string   `yaml:"headers" toml:"headers"`
	Metrics     bool     `yaml:"metrics" toml:"metrics"`
	Traces      bool     `yaml:"traces" toml:"traces"`
	SampleRatio float64  `yaml:"sample_ratio" toml:"sample_ratio"`
	Interval    Duration `yaml:"interval" toml:"interval"`
}
