package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lendctl/errs"
)

func TestLoadParsesSettings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lendctl.toml")
	contents := `RPCURL = "https://rpc.example.org"
PlanFile = "plans/kovan.yaml"
ArtifactsDir = "/opt/artifacts"

[registry]
Backend = "BOLT"
Path = "state/registry.db"

[signer]
KeystorePath = "keys/deployer.json"
PassphraseEnv = "KOVAN_PASSPHRASE"

[tx]
Confirmations = 3
ConfirmTimeout = "90s"
PollInterval = "500ms"
GasFeeCapWei = "30_000_000_000"
GasTipCapWei = "1000000000"
ReadsPerSecond = 20.5

[log]
Env = "staging"
File = "logs/lendctl.log"
MaxSizeMB = 10
MaxBackups = 2

[telemetry]
OTLPEndpoint = "otel:4318"
Insecure = true
MetricsListen = ":9102"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "https://rpc.example.org", cfg.RPCURL)
	require.Equal(t, filepath.Join(dir, "plans/kovan.yaml"), cfg.PlanFile)
	require.Equal(t, "/opt/artifacts", cfg.ArtifactsDir)
	require.Equal(t, RegistryBolt, cfg.Registry.Backend)
	require.Equal(t, filepath.Join(dir, "state/registry.db"), cfg.Registry.Path)
	require.Equal(t, filepath.Join(dir, "keys/deployer.json"), cfg.Signer.KeystorePath)
	require.Equal(t, "KOVAN_PASSPHRASE", cfg.Signer.PassphraseEnv)
	require.Equal(t, DefaultPrivateKeyEnv, cfg.Signer.PrivateKeyEnv)
	require.Equal(t, uint64(3), cfg.Tx.Confirmations)
	require.Equal(t, 90*time.Second, cfg.Tx.ConfirmTimeout.Duration)
	require.Equal(t, 500*time.Millisecond, cfg.Tx.PollInterval.Duration)
	require.Equal(t, 20.5, cfg.Tx.ReadsPerSecond)
	require.Equal(t, "staging", cfg.Log.Env)
	require.Equal(t, filepath.Join(dir, "logs/lendctl.log"), cfg.Log.File)
	require.True(t, cfg.Telemetry.Insecure)

	feeCap, tipCap, err := cfg.Tx.FeeCaps()
	require.NoError(t, err)
	require.Equal(t, "30000000000", feeCap.String())
	require.Equal(t, "1000000000", tipCap.String())
}

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "lendctl.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, RegistryFile, cfg.Registry.Backend)
	require.FileExists(t, path)

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.Tx.ConfirmTimeout, reloaded.Tx.ConfirmTimeout)
	require.Equal(t, cfg.Registry.Path, reloaded.Registry.Path)
	require.Equal(t, filepath.Join(dir, "nested", "deployments"), reloaded.Registry.Path)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lendctl.toml")
	require.NoError(t, os.WriteFile(path, []byte("RPCURL = \"http://x\"\nPrivateKey = \"0xdead\"\n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "PrivateKey")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"backend", func(c *Config) { c.Registry.Backend = "redis" }},
		{"confirmations", func(c *Config) { c.Tx.Confirmations = 0 }},
		{"poll interval", func(c *Config) { c.Tx.PollInterval.Duration = time.Millisecond }},
		{"poll vs timeout", func(c *Config) { c.Tx.ConfirmTimeout.Duration = time.Second }},
		{"fee cap", func(c *Config) { c.Tx.GasFeeCapWei = "1"; c.Tx.GasTipCapWei = "2" }},
		{"bad fee", func(c *Config) { c.Tx.GasFeeCapWei = "1.5" }},
		{"rotation", func(c *Config) { c.Log.File = "x.log"; c.Log.MaxSizeMB = 0 }},
	}
	require.NoError(t, Default().Validate())
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			require.ErrorIs(t, cfg.Validate(), errs.ErrConfiguration)
		})
	}
}
