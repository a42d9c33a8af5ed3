// Package store persists small keyed records: the active login record and
// the derived per-identity state that logout must wipe.
package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get for absent keys.
var ErrNotFound = errors.New("store: key not found")

// Store is a namespaced key-value store. Writes overwrite; there is a
// single writer (the session supervisor) and any number of readers.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key starting with prefix.
	DeletePrefix(ctx context.Context, prefix string) error
	Close() error
}

// MaxKeyLength matches the VARCHAR(255) key column of the SQL backends.
const MaxKeyLength = 255

// ValidateKey rejects keys the SQL backends cannot hold.
func ValidateKey(key string) error {
	if key == "" {
		return errors.New("store: empty key")
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("store: key too long: %d chars (max %d)", len(key), MaxKeyLength)
	}
	return nil
}
