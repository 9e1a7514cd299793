// Package bbolt keeps client private keys in a local bbolt file readable only
// by its owner.
package bbolt

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"vpsmesh/internal/mesh"
	"vpsmesh/pkg/sdk/defaults"

	bolt "go.etcd.io/bbolt"
)

var bucketPrivateKeys = []byte("private_keys")

var _ mesh.SecretStore = (*SecretStore)(nil)

type SecretStore struct {
	db *bolt.DB
}

// Open opens or creates the secret file at path with mode 0600.
func Open(path string) (*SecretStore, error) {
	if err := defaults.EnsureDataRoot(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("create secret store directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open secret store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPrivateKeys)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize secret store: %w", err)
	}
	return &SecretStore{db: db}, nil
}

func (s *SecretStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SecretStore) Store(identity, secret string) error {
	if strings.TrimSpace(identity) == "" {
		return fmt.Errorf("store secret: identity is required")
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPrivateKeys).Put([]byte(identity), []byte(secret))
	})
	if err != nil {
		return fmt.Errorf("store secret %q: %w", identity, err)
	}
	return nil
}

func (s *SecretStore) Load(identity string) (string, error) {
	var out string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketPrivateKeys).Get([]byte(identity))
		if v == nil {
			return mesh.ErrSecretNotFound
		}
		// v is only valid inside the transaction.
		out = string(v)
		return nil
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

// Delete removes identity. Deleting an unknown identity is not an error.
func (s *SecretStore) Delete(identity string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPrivateKeys).Delete([]byte(identity))
	})
	if err != nil {
		return fmt.Errorf("delete secret %q: %w", identity, err)
	}
	return nil
}

// Identities lists stored identities in key order.
func (s *SecretStore) Identities() ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPrivateKeys).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	return out, nil
}
