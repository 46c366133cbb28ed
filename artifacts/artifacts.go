// Package artifacts resolves compiled contract artifacts (ABI plus creation
// bytecode) by contract name.
package artifacts

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

var (
	// ErrNotFound is returned when no artifact exists for a name.
	ErrNotFound = errors.New("artifacts: not found")
	// ErrUnlinked is returned for bytecode with unresolved library placeholders.
	ErrUnlinked = errors.New("artifacts: bytecode has unlinked libraries")
)

// Artifact is one compiled contract.
type Artifact struct {
	Name     string
	ABI      abi.ABI
	Bytecode []byte
}

// DeployData returns the creation bytecode followed by the ABI-encoded
// constructor arguments.
func (a *Artifact) DeployData(args ...any) ([]byte, error) {
	packed, err := a.ABI.Pack("", args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s constructor: %w", a.Name, err)
	}
	out := make([]byte, 0, len(a.Bytecode)+len(packed))
	out = append(out, a.Bytecode...)
	return append(out, packed...), nil
}

// Constructor returns the constructor inputs, empty when none are declared.
func (a *Artifact) Constructor() abi.Arguments {
	return a.ABI.Constructor.Inputs
}

// Resolver maps contract names to artifacts.
type Resolver interface {
	Resolve(name string) (*Artifact, error)
}

// Dir resolves artifacts from a directory tree in either the flat layout
// (<name>.json) or the Hardhat/Foundry layout (<name>.sol/<name>.json).
type Dir struct {
	fsys    fs.FS
	aliases map[string]string

	mu    sync.Mutex
	cache map[string]*Artifact
}

// NewDir resolves from fsys. aliases maps a logical name to the artifact
// name to load in its place.
func NewDir(fsys fs.FS, aliases map[string]string) *Dir {
	return &Dir{fsys: fsys, aliases: aliases, cache: make(map[string]*Artifact)}
}

// Open resolves from the directory at root.
func Open(root string, aliases map[string]string) (*Dir, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, fmt.Errorf("artifacts directory required")
	}
	info, err := os.Stat(trimmed)
	if err != nil {
		return nil, fmt.Errorf("artifacts directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("artifacts directory: %s is not a directory", trimmed)
	}
	return NewDir(os.DirFS(trimmed), aliases), nil
}

// Resolve loads and caches the artifact for name.
func (d *Dir) Resolve(name string) (*Artifact, error) {
	target := name
	if alias, ok := d.aliases[name]; ok && strings.TrimSpace(alias) != "" {
		target = alias
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if cached, ok := d.cache[target]; ok {
		return cached, nil
	}
	var lastErr error
	for _, candidate := range []string{target + ".json", path.Join(target+".sol", target+".json")} {
		data, err := fs.ReadFile(d.fsys, candidate)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			lastErr = err
			continue
		}
		artifact, err := Parse(target, data)
		if err != nil {
			return nil, err
		}
		d.cache[target] = artifact
		return artifact, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("read artifact %s: %w", target, lastErr)
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, target)
}

type document struct {
	ABI      json.RawMessage `json:"abi"`
	Bytecode json.RawMessage `json:"bytecode"`
}

// Parse decodes an artifact document. bytecode may be a hex string or an
// object with an "object" field.
func Parse(name string, data []byte) (*Artifact, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode artifact %s: %w", name, err)
	}
	if len(doc.ABI) == 0 {
		return nil, fmt.Errorf("artifact %s: missing abi", name)
	}
	parsed, err := abi.JSON(bytes.NewReader(doc.ABI))
	if err != nil {
		return nil, fmt.Errorf("artifact %s: parse abi: %w", name, err)
	}
	raw, err := bytecodeString(doc.Bytecode)
	if err != nil {
		return nil, fmt.Errorf("artifact %s: %w", name, err)
	}
	if strings.Contains(raw, "__") {
		return nil, fmt.Errorf("%w: %s", ErrUnlinked, name)
	}
	code, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X"))
	if err != nil {
		return nil, fmt.Errorf("artifact %s: decode bytecode: %w", name, err)
	}
	if len(code) == 0 {
		return nil, fmt.Errorf("artifact %s: empty bytecode (abstract contract or interface)", name)
	}
	return &Artifact{Name: name, ABI: parsed, Bytecode: code}, nil
}

func bytecodeString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", errors.New("missing bytecode")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), nil
	}
	var obj struct {
		Object string `json:"object"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", fmt.Errorf("bytecode must be a string or {object}: %w", err)
	}
	return strings.TrimSpace(obj.Object), nil
}
