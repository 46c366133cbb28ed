// Package config loads the lendctl runtime configuration: where the chain,
// plan, artifacts and registry live, how to sign, and how transactions are
// confirmed. Deployment intent lives in the plan, not here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// DefaultPrivateKeyEnv names the variable holding a hex private key.
	DefaultPrivateKeyEnv = "LENDCTL_PRIVATE_KEY"
	// DefaultPassphraseEnv names the variable holding the keystore passphrase.
	DefaultPassphraseEnv = "LENDCTL_KEYSTORE_PASSPHRASE"
)

type Config struct {
	RPCURL       string          `toml:"RPCURL"`
	PlanFile     string          `toml:"PlanFile"`
	ArtifactsDir string          `toml:"ArtifactsDir"`
	Registry     RegistryConfig  `toml:"registry"`
	Signer       SignerConfig    `toml:"signer"`
	Tx           TxConfig        `toml:"tx"`
	Log          LogConfig       `toml:"log"`
	Telemetry    TelemetryConfig `toml:"telemetry"`
}

// Load loads the configuration from the given path. A missing file is
// created with defaults.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	cfg.normalise(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		RPCURL:       "http://127.0.0.1:8545",
		PlanFile:     "plan.yaml",
		ArtifactsDir: "artifacts",
		Registry: RegistryConfig{
			Backend: RegistryFile,
			Path:    "deployments",
		},
		Signer: SignerConfig{
			PrivateKeyEnv: DefaultPrivateKeyEnv,
			PassphraseEnv: DefaultPassphraseEnv,
		},
		Tx: TxConfig{
			Confirmations:  1,
			ConfirmTimeout: Duration{5 * time.Minute},
			PollInterval:   Duration{2 * time.Second},
		},
		Log: LogConfig{
			MaxSizeMB:  50,
			MaxBackups: 5,
		},
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	cfg.normalise(filepath.Dir(path))
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// normalise trims values and resolves relative paths against the directory
// holding the config file.
func (c *Config) normalise(base string) {
	c.RPCURL = strings.TrimSpace(c.RPCURL)
	c.PlanFile = resolvePath(base, c.PlanFile)
	c.ArtifactsDir = resolvePath(base, c.ArtifactsDir)
	c.Registry.Backend = strings.ToLower(strings.TrimSpace(c.Registry.Backend))
	c.Registry.Path = resolvePath(base, c.Registry.Path)
	c.Signer.KeystorePath = resolvePath(base, c.Signer.KeystorePath)
	c.Signer.PrivateKeyEnv = strings.TrimSpace(c.Signer.PrivateKeyEnv)
	c.Signer.PassphraseEnv = strings.TrimSpace(c.Signer.PassphraseEnv)
	if c.Signer.PrivateKeyEnv == "" && c.Signer.KeystorePath == "" {
		c.Signer.PrivateKeyEnv = DefaultPrivateKeyEnv
	}
	if c.Signer.PassphraseEnv == "" {
		c.Signer.PassphraseEnv = DefaultPassphraseEnv
	}
	c.Log.File = resolvePath(base, c.Log.File)
}

func resolvePath(base, path string) string {
	path = strings.TrimSpace(path)
	if path == "" || filepath.IsAbs(path) || base == "" || base == "." {
		return path
	}
	return filepath.Join(base, path)
}
