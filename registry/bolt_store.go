package registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	bolt "go.etcd.io/bbolt"
)

var bucketNetworks = []byte("networks")

// BoltStore keeps every network in one BoltDB file, one nested bucket per
// network. The database file lock also serialises concurrent runs: a second
// process blocks on Open until Timeout and then fails.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (and migrates) the BoltDB-backed store.
func NewBoltStore(path string, options *bolt.Options) (*BoltStore, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, fmt.Errorf("registry %s is locked by another run: %w", path, err)
		}
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketNetworks)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// Close releases the database and its file lock.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load returns the network's slots.
func (s *BoltStore) Load(network string) (map[string]common.Address, error) {
	out := map[string]common.Address{}
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketNetworks).Bucket([]byte(network))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			if len(v) != common.AddressLength {
				return fmt.Errorf("registry slot %s: corrupt value", k)
			}
			out[string(k)] = common.BytesToAddress(v)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Save replaces the network's slots in one transaction.
func (s *BoltStore) Save(network string, slots map[string]common.Address) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketNetworks)
		if root.Bucket([]byte(network)) != nil {
			if err := root.DeleteBucket([]byte(network)); err != nil {
				return err
			}
		}
		bucket, err := root.CreateBucket([]byte(network))
		if err != nil {
			return err
		}
		for name, addr := range slots {
			if err := bucket.Put([]byte(name), addr.Bytes()); err != nil {
				return err
			}
		}
		return nil
	})
}
