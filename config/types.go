package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Registry backends.
const (
	RegistryFile = "file"
	RegistryBolt = "bolt"
)

// RegistryConfig selects where deployed addresses are persisted.
type RegistryConfig struct {
	// Backend is "file" (one JSON document per network under Path) or
	// "bolt" (a single BoltDB file at Path).
	Backend string `toml:"Backend"`
	Path    string `toml:"Path"`
}

// SignerConfig locates the deployer key. A keystore takes precedence over
// the raw key variable.
type SignerConfig struct {
	PrivateKeyEnv string `toml:"PrivateKeyEnv"`
	KeystorePath  string `toml:"KeystorePath"`
	PassphraseEnv string `toml:"PassphraseEnv"`
}

// TxConfig controls submission and confirmation.
type TxConfig struct {
	Confirmations  uint64   `toml:"Confirmations"`
	ConfirmTimeout Duration `toml:"ConfirmTimeout"`
	PollInterval   Duration `toml:"PollInterval"`
	// GasFeeCapWei and GasTipCapWei are decimal wei amounts overriding the
	// node's fee suggestion.
	GasFeeCapWei   string  `toml:"GasFeeCapWei,omitempty"`
	GasTipCapWei   string  `toml:"GasTipCapWei,omitempty"`
	ReadsPerSecond float64 `toml:"ReadsPerSecond"`
}

// LogConfig controls the structured logger. Env tags every record and
// defaults to the plan's network name.
type LogConfig struct {
	Env        string `toml:"Env"`
	Debug      bool   `toml:"Debug"`
	File       string `toml:"File,omitempty"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
}

// TelemetryConfig enables metrics and trace export.
type TelemetryConfig struct {
	OTLPEndpoint  string `toml:"OTLPEndpoint,omitempty"`
	OTLPHeaders   string `toml:"OTLPHeaders,omitempty"`
	Insecure      bool   `toml:"Insecure"`
	MetricsListen string `toml:"MetricsListen,omitempty"`
}

// Duration wraps time.Duration to support TOML strings such as "90s".
type Duration struct {
	time.Duration
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
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

// MarshalText renders the duration in time.Duration notation.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// FeeCaps parses the configured fee overrides. Unset values are nil.
func (t TxConfig) FeeCaps() (feeCap, tipCap *big.Int, err error) {
	if feeCap, err = parseUintAmount(t.GasFeeCapWei); err != nil {
		return nil, nil, fmt.Errorf("invalid tx.GasFeeCapWei: %w", err)
	}
	if tipCap, err = parseUintAmount(t.GasTipCapWei); err != nil {
		return nil, nil, fmt.Errorf("invalid tx.GasTipCapWei: %w", err)
	}
	return feeCap, tipCap, nil
}

func parseUintAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(strings.ReplaceAll(raw, "_", ""))
	if trimmed == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%q is not a non-negative integer", raw)
	}
	return v, nil
}
