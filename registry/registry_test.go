package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"lendctl/errs"
)

var (
	addrA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	addrB = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

type failingStore struct{ err error }

func (f failingStore) Load(string) (map[string]common.Address, error) {
	return map[string]common.Address{}, nil
}

func (f failingStore) Save(string, map[string]common.Address) error { return f.err }

func TestSetIsWriteOnce(t *testing.T) {
	r := New("local")
	require.NoError(t, r.Set("controllerProxy", addrA))
	require.NoError(t, r.Set("controllerProxy", addrA))
	require.ErrorIs(t, r.Set("controllerProxy", addrB), ErrSlotFilled)
	require.ErrorIs(t, r.Set("oracle", common.Address{}), ErrZeroAddress)

	got, ok := r.Get("controllerProxy")
	require.True(t, ok)
	require.Equal(t, addrA, got)
	require.True(t, r.Contains(addrA))
	require.False(t, r.Contains(addrB))
}

func TestLookupMissingIsConfigurationError(t *testing.T) {
	r := New("local")
	_, err := r.Lookup("markets", "priceOracle")
	require.ErrorIs(t, err, errs.ErrConfiguration)
	require.Contains(t, err.Error(), "priceOracle")
}

func TestSetRevertsWhenPersistFails(t *testing.T) {
	r, err := Open(failingStore{err: errors.New("disk full")}, "local")
	require.NoError(t, err)
	require.Error(t, r.Set("oracle", addrA))
	_, ok := r.Get("oracle")
	require.False(t, ok)
}

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	r, err := Open(store, "kovan")
	require.NoError(t, err)
	require.NoError(t, r.Set("iUSDC", addrA))
	require.NoError(t, r.Set("controllerProxy", addrB))

	reopened, err := Open(store, "kovan")
	require.NoError(t, err)
	require.Equal(t, []string{"controllerProxy", "iUSDC"}, reopened.Slots())
	got, ok := reopened.Get("iUSDC")
	require.True(t, ok)
	require.Equal(t, addrA, got)

	other, err := Open(store, "mainnet")
	require.NoError(t, err)
	require.Empty(t, other.Slots())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFileStoreRejectsCorruptAddress(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "local.json"), []byte(`{"oracle":"0x1234"}`), 0o600))
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	_, err = Open(store, "local")
	require.Error(t, err)
}

func TestFileStoreRejectsEscapingNetwork(t *testing.T) {
	parent := t.TempDir()
	dir := filepath.Join(parent, "deployments")
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	for _, network := range []string{"../escaped", "a/b", `a\b`, ".."} {
		_, err := Open(store, network)
		require.Error(t, err, network)
		require.Error(t, store.Save(network, map[string]common.Address{"oracle": addrA}), network)
	}
	_, err = os.Stat(filepath.Join(parent, "escaped.json"))
	require.ErrorIs(t, err, os.ErrNotExist)

	path, err := store.Path("kovan")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "kovan.json"), path)
}

func TestBoltStoreRoundTripAndLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")
	store, err := NewBoltStore(path, nil)
	require.NoError(t, err)

	r, err := Open(store, "local")
	require.NoError(t, err)
	require.NoError(t, r.Set("proxyAdmin", addrA))

	_, err = NewBoltStore(path, &bolt.Options{Timeout: 50 * time.Millisecond})
	require.Error(t, err)

	require.NoError(t, store.Close())
	store, err = NewBoltStore(path, nil)
	require.NoError(t, err)
	defer store.Close()

	reopened, err := Open(store, "local")
	require.NoError(t, err)
	got, ok := reopened.Get("proxyAdmin")
	require.True(t, ok)
	require.Equal(t, addrA, got)
}
