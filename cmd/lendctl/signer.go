package main

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"

	"lendctl/cmd/internal/passphrase"
	"lendctl/config"
	"lendctl/errs"
)

// loadSigner returns the deployer key. A configured keystore wins over the
// raw hex key variable.
func loadSigner(cfg config.SignerConfig) (*ecdsa.PrivateKey, error) {
	if path := strings.TrimSpace(cfg.KeystorePath); path != "" {
		return loadKeystore(path, passphrase.NewSource(cfg.PassphraseEnv))
	}
	raw, ok := os.LookupEnv(cfg.PrivateKeyEnv)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, errs.Configuration("signer", cfg.PrivateKeyEnv, "no keystore configured and %s is not set", cfg.PrivateKeyEnv)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		// the key itself must never reach the error text
		return nil, errs.Configuration("signer", cfg.PrivateKeyEnv, "%s does not hold a valid hex private key", cfg.PrivateKeyEnv)
	}
	return key, nil
}

func loadKeystore(path string, source *passphrase.Source) (*ecdsa.PrivateKey, error) {
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.ErrConfiguration, "signer", "keystore", err)
	}
	pass, err := source.Get()
	if err != nil {
		return nil, errs.Wrap(errs.ErrConfiguration, "signer", "keystore", err)
	}
	decrypted, err := keystore.DecryptKey(keyJSON, pass)
	if err != nil {
		return nil, errs.Wrap(errs.ErrConfiguration, "signer", "keystore", fmt.Errorf("decrypt %s: %w", path, err))
	}
	return decrypted.PrivateKey, nil
}
