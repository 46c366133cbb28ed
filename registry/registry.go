// Package registry maps logical contract names to deployed addresses for a
// single network.
//
// A slot is either absent or holds a non-zero address. Once filled it is
// never overwritten with a different address during a run, and every change
// is persisted before it becomes visible so a crash never loses a
// confirmed deployment.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"lendctl/errs"
)

var (
	// ErrSlotFilled is returned when Set would replace an existing address.
	ErrSlotFilled = errors.New("registry: slot already holds a different address")
	// ErrZeroAddress is returned when Set is called with the zero address.
	ErrZeroAddress = errors.New("registry: zero address")
)

// Store persists the slot map of one network.
type Store interface {
	Load(network string) (map[string]common.Address, error)
	Save(network string, slots map[string]common.Address) error
}

// Registry is the in-memory view of one network's slots.
type Registry struct {
	mu      sync.RWMutex
	network string
	slots   map[string]common.Address
	store   Store
}

// New returns an empty registry that is not persisted.
func New(network string) *Registry {
	return &Registry{network: network, slots: make(map[string]common.Address)}
}

// Open loads the network's slots from store. Writes go through to store.
func Open(store Store, network string) (*Registry, error) {
	network = strings.TrimSpace(network)
	if network == "" {
		return nil, errs.Configuration("registry", "network", "network name required")
	}
	r := New(network)
	r.store = store
	if store == nil {
		return r, nil
	}
	slots, err := store.Load(network)
	if err != nil {
		return nil, fmt.Errorf("load registry %s: %w", network, err)
	}
	for name, addr := range slots {
		if addr == (common.Address{}) {
			continue
		}
		r.slots[name] = addr
	}
	return r, nil
}

// Network returns the network the registry belongs to.
func (r *Registry) Network() string { return r.network }

// Get returns the address held by slot.
func (r *Registry) Get(slot string) (common.Address, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.slots[slot]
	return addr, ok
}

// Lookup returns the address held by slot or a configuration error naming
// the step that needed it.
func (r *Registry) Lookup(step, slot string) (common.Address, error) {
	addr, ok := r.Get(slot)
	if !ok {
		return common.Address{}, errs.Configuration(step, slot, "registry slot %q is empty", slot)
	}
	return addr, nil
}

// Set records addr in slot and persists the registry. Setting the address a
// slot already holds is a no-op.
func (r *Registry) Set(slot string, addr common.Address) error {
	if addr == (common.Address{}) {
		return fmt.Errorf("%w: slot %s", ErrZeroAddress, slot)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.slots[slot]; ok {
		if existing == addr {
			return nil
		}
		return fmt.Errorf("%w: %s holds %s, refusing %s", ErrSlotFilled, slot, existing.Hex(), addr.Hex())
	}
	r.slots[slot] = addr
	if r.store == nil {
		return nil
	}
	if err := r.store.Save(r.network, r.copyLocked()); err != nil {
		delete(r.slots, slot)
		return fmt.Errorf("persist registry %s: %w", r.network, err)
	}
	return nil
}

// Contains reports whether addr is held by any slot.
func (r *Registry) Contains(addr common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, held := range r.slots {
		if held == addr {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of all slots.
func (r *Registry) Snapshot() map[string]common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.copyLocked()
}

// Slots returns the filled slot names in sorted order.
func (r *Registry) Slots() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.slots))
	for name := range r.slots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) copyLocked() map[string]common.Address {
	out := make(map[string]common.Address, len(r.slots))
	for k, v := range r.slots {
		out[k] = v
	}
	return out
}
