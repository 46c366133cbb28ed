package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"lendctl/config"
	"lendctl/errs"
	"lendctl/registry"
)

func TestRateCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"rate", "-apy", "1.05", "-blocks", "2102400"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	require.Equal(t, "23208440471\n", stdout.String())

	stdout.Reset()
	code = run(context.Background(), []string{"rate", "-apy", "0.9"}, &stdout, &stderr)
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "error: ")
	require.Empty(t, stdout.String())
}

func TestUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.Equal(t, 1, run(context.Background(), []string{"frobnicate"}, &stdout, &stderr))
	require.Contains(t, stderr.String(), "usage: lendctl")
	require.Equal(t, 1, run(context.Background(), nil, &stdout, &stderr))
}

func TestRegistryShow(t *testing.T) {
	dir := t.TempDir()
	store, err := registry.NewFileStore(filepath.Join(dir, "deployments"))
	require.NoError(t, err)
	reg, err := registry.Open(store, "kovan")
	require.NoError(t, err)
	oracle := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	require.NoError(t, reg.Set("oracle", oracle))

	// a missing config is created with defaults next to the deployments dir
	configPath := filepath.Join(dir, "lendctl.toml")
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"registry", "show", "-config", configPath, "-network", "kovan"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	var slots map[string]string
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &slots))
	require.Equal(t, map[string]string{"oracle": oracle.Hex()}, slots)
	_, err = os.Stat(configPath)
	require.NoError(t, err)

	code = run(context.Background(), []string{"registry", "show", "-config", configPath}, &stdout, &stderr)
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "network name required")
}

func TestLoadSignerFromEnvironment(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	t.Setenv("LENDCTL_TEST_KEY", "0x"+hex.EncodeToString(crypto.FromECDSA(key)))

	got, err := loadSigner(config.SignerConfig{PrivateKeyEnv: "LENDCTL_TEST_KEY"})
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), crypto.PubkeyToAddress(got.PublicKey))
}

func TestLoadSignerRejectsBadKey(t *testing.T) {
	t.Setenv("LENDCTL_TEST_KEY", "deadbeef")
	_, err := loadSigner(config.SignerConfig{PrivateKeyEnv: "LENDCTL_TEST_KEY"})
	require.ErrorIs(t, err, errs.ErrConfiguration)
	require.NotContains(t, err.Error(), "deadbeef")

	_, err = loadSigner(config.SignerConfig{PrivateKeyEnv: "LENDCTL_TEST_KEY_UNSET"})
	require.ErrorIs(t, err, errs.ErrConfiguration)
}

func TestLogEnvPrefersConfig(t *testing.T) {
	require.Equal(t, "staging", logEnv(config.LogConfig{Env: " staging "}, "kovan"))
	require.Equal(t, "kovan", logEnv(config.LogConfig{}, "kovan"))
}
