package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// FileStore keeps one JSON document per network under a directory:
// <dir>/<network>.json mapping slot names to hex addresses.
type FileStore struct {
	dir string
}

// NewFileStore constructs a filesystem-backed store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, fmt.Errorf("registry directory required")
	}
	if err := os.MkdirAll(trimmed, 0o755); err != nil {
		return nil, fmt.Errorf("create registry directory: %w", err)
	}
	return &FileStore{dir: trimmed}, nil
}

// Path returns the file backing network. Names that would leave the
// directory are rejected.
func (s *FileStore) Path(network string) (string, error) {
	if network == "" || network == "." || network == ".." || strings.ContainsAny(network, `/\`+"\x00") {
		return "", fmt.Errorf("registry: invalid network name %q", network)
	}
	return filepath.Join(s.dir, network+".json"), nil
}

// Load reads the network's slots. A missing file is an empty registry.
func (s *FileStore) Load(network string) (map[string]common.Address, error) {
	if s == nil {
		return nil, fmt.Errorf("registry store not initialised")
	}
	path, err := s.Path(network)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]common.Address{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return map[string]common.Address{}, nil
	}
	raw := map[string]string{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode registry: %w", err)
	}
	out := make(map[string]common.Address, len(raw))
	for name, hex := range raw {
		if !common.IsHexAddress(hex) {
			return nil, fmt.Errorf("registry slot %s: invalid address %q", name, hex)
		}
		out[name] = common.HexToAddress(hex)
	}
	return out, nil
}

// Save writes the network's slots to disk atomically.
func (s *FileStore) Save(network string, slots map[string]common.Address) error {
	if s == nil {
		return fmt.Errorf("registry store not initialised")
	}
	path, err := s.Path(network)
	if err != nil {
		return err
	}
	// encoding/json writes map keys in sorted order.
	raw := make(map[string]string, len(slots))
	for name, addr := range slots {
		raw[name] = addr.Hex()
	}
	payload, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	payload = append(payload, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), network+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp registry file: %w", err)
	}
	cleanup := func() {
		_ = os.Remove(tmp.Name())
	}
	if _, err := tmp.Write(payload); err != nil {
		cleanup()
		tmp.Close()
		return fmt.Errorf("write registry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		tmp.Close()
		return fmt.Errorf("sync registry file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close registry file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		cleanup()
		return fmt.Errorf("replace registry file: %w", err)
	}
	return nil
}
