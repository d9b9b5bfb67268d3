// Package bolt provides a bbolt-backed identity store, the durable
// client-side storage for the device identity.
package bolt

import (
	"fmt"
	"time"

	bbolt "go.etcd.io/bbolt"
)

var (
	bucketDevice = []byte("device")
	keyID        = []byte("id")
)

// Store keeps the device identity in a single-file bbolt database.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open identity db: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Load returns the stored identity, or "" when absent.
func (s *Store) Load() (string, error) {
	var id string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDevice)
		if b == nil {
			return nil
		}
		id = string(b.Get(keyID))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("load identity: %w", err)
	}
	return id, nil
}

// Save writes the identity. An existing value is never overwritten; the
// first stored identity wins.
func (s *Store) Save(id string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketDevice)
		if err != nil {
			return err
		}
		if len(b.Get(keyID)) > 0 {
			return nil
		}
		return b.Put(keyID, []byte(id))
	})
	if err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}
