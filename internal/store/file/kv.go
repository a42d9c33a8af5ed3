// Package file stores records in a single JSON file. It suits single-user
// CLI installs where no database is configured.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/nostrlink/internal/store"
)

// Store is a store.Store backed by one JSON file rewritten on every change.
type Store struct {
	path string
	mu   sync.Mutex
	data map[string][]byte
}

var _ store.Store = (*Store)(nil)

// Open loads path, creating an empty store if it does not exist.
func Open(path string) (*Store, error) {
	s := &Store{path: path, data: make(map[string][]byte)}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &s.data); err != nil {
			return nil, fmt.Errorf("parse store %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read store: %w", err)
	}
	slog.Debug("file store opened", "path", path, "keys", len(s.data))
	return s, nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *Store) Put(_ context.Context, key string, value []byte) error {
	if err := store.ValidateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.snapshot()
	next[key] = append([]byte(nil), value...)
	return s.commit(next)
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return nil
	}
	next := s.snapshot()
	delete(next, key)
	return s.commit(next)
}

func (s *Store) DeletePrefix(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.snapshot()
	for k := range next {
		if strings.HasPrefix(k, prefix) {
			delete(next, k)
		}
	}
	if len(next) == len(s.data) {
		return nil
	}
	return s.commit(next)
}

func (s *Store) Close() error { return nil }

// snapshot copies the key set; values are never mutated in place.
func (s *Store) snapshot() map[string][]byte {
	next := make(map[string][]byte, len(s.data)+1)
	for k, v := range s.data {
		next[k] = v
	}
	return next
}

// commit writes next to disk and only then makes it the live data, so a
// failed write leaves memory matching the file. Must be called with s.mu held.
func (s *Store) commit(next map[string][]byte) error {
	if err := s.save(next); err != nil {
		return err
	}
	s.data = next
	return nil
}

// save writes data to the file atomically.
func (s *Store) save(data map[string][]byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".store-*.tmp")
	if err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write store: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
