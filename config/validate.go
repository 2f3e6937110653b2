package config

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// MaxFeeBps is the largest fee the config accepts: the whole amount.
const MaxFeeBps = 10_000

// normalise trims strings and rewrites addresses in checksummed form.
func (cfg *Config) normalise() error {
	cfg.Listen = strings.TrimSpace(cfg.Listen)
	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))
	cfg.Ledger.RPCURL = strings.TrimSpace(cfg.Ledger.RPCURL)
	cfg.Signer.Keystore = strings.TrimSpace(cfg.Signer.Keystore)

	contract, err := normaliseAddress("ledger.contract", cfg.Ledger.Contract)
	if err != nil {
		return err
	}
	cfg.Ledger.Contract = contract

	if len(cfg.Fees.Tokens) > 0 {
		tokens := make(map[string]uint64, len(cfg.Fees.Tokens))
		for raw, bps := range cfg.Fees.Tokens {
			addr, err := normaliseAddress("fees.tokens", raw)
			if err != nil {
				return err
			}
			tokens[addr] = bps
		}
		cfg.Fees.Tokens = tokens
	}

	streams := cfg.Refresh.Streams[:0]
	for _, raw := range cfg.Refresh.Streams {
		trimmed := strings.TrimSpace(raw)
		if trimmed != "" {
			streams = append(streams, trimmed)
		}
	}
	cfg.Refresh.Streams = streams
	return nil
}

func normaliseAddress(field, raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return "", fmt.Errorf("%s: invalid address %q", field, raw)
	}
	return common.HexToAddress(trimmed).Hex(), nil
}

func validateConfig(cfg Config) error {
	if cfg.Ledger.RPCURL == "" {
		return fmt.Errorf("ledger.rpc_url required")
	}
	if cfg.Ledger.ChainID == 0 {
		return fmt.Errorf("ledger.chain_id required")
	}
	if cfg.Ledger.ReadRPS < 0 {
		return fmt.Errorf("ledger.read_rps must not be negative")
	}
	if cfg.Fees.DefaultBps > MaxFeeBps {
		return fmt.Errorf("fees.default_bps %d exceeds %d", cfg.Fees.DefaultBps, MaxFeeBps)
	}
	for token, bps := range cfg.Fees.Tokens {
		if bps > MaxFeeBps {
			return fmt.Errorf("fees.tokens[%s] %d exceeds %d", token, bps, MaxFeeBps)
		}
	}
	for i, raw := range cfg.Refresh.Streams {
		id, ok := new(big.Int).SetString(raw, 10)
		if !ok || id.Sign() <= 0 {
			return fmt.Errorf("refresh.streams[%d]: invalid stream id %q", i, raw)
		}
	}
	if cfg.RateLimits.RatePerSecond < 0 || cfg.RateLimits.Burst < 0 {
		return fmt.Errorf("rate_limits must not be negative")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.SecretEnv) == "" {
		return fmt.Errorf("auth.secret_env required when auth is enabled")
	}
	return nil
}

// ContractAddress returns the configured flow contract.
func (cfg Config) ContractAddress() common.Address {
	return common.HexToAddress(cfg.Ledger.Contract)
}

// ChainID returns the configured chain id as a big integer.
func (cfg Config) ChainID() *big.Int {
	return new(big.Int).SetUint64(cfg.Ledger.ChainID)
}

// FeeOverrides returns the per-token fee table keyed by address.
func (cfg Config) FeeOverrides() map[common.Address]uint64 {
	out := make(map[common.Address]uint64, len(cfg.Fees.Tokens))
	for token, bps := range cfg.Fees.Tokens {
		out[common.HexToAddress(token)] = bps
	}
	return out
}

// TrackedStreams returns the stream ids the refresher polls.
func (cfg Config) TrackedStreams() []*big.Int {
	ids := make([]*big.Int, 0, len(cfg.Refresh.Streams))
	for _, raw := range cfg.Refresh.Streams {
		if id, ok := new(big.Int).SetString(raw, 10); ok {
			ids = append(ids, id)
		}
	}
	return ids
}
