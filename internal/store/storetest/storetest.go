// Package storetest checks that a store.Store backend behaves the same as
// every other backend.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/nextlevelbuilder/nostrlink/internal/store"
)

// Run exercises s. The store must start empty for namespace ns.
func Run(t *testing.T, s store.Store, ns string) {
	t.Helper()
	ctx := context.Background()

	t.Run("get_missing", func(t *testing.T) {
		if _, err := s.Get(ctx, store.LoginKey(ns)); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("put_get_overwrite", func(t *testing.T) {
		key := store.LoginKey(ns)
		if err := s.Put(ctx, key, []byte(`{"version":1}`)); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := s.Put(ctx, key, []byte(`{"version":2}`)); err != nil {
			t.Fatalf("Put overwrite: %v", err)
		}
		got, err := s.Get(ctx, key)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if string(got) != `{"version":2}` {
			t.Errorf("Get = %s", got)
		}
	})

	t.Run("binary_value", func(t *testing.T) {
		key := store.SnapshotsKey(ns)
		val := []byte{0, 1, 2, 0xff, '\n'}
		if err := s.Put(ctx, key, val); err != nil {
			t.Fatalf("Put: %v", err)
		}
		got, err := s.Get(ctx, key)
		if err != nil || string(got) != string(val) {
			t.Errorf("Get = %v, %v", got, err)
		}
	})

	t.Run("delete", func(t *testing.T) {
		key := store.LoginKey(ns)
		if err := s.Delete(ctx, key); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := s.Get(ctx, key); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("Get after Delete error = %v", err)
		}
		if err := s.Delete(ctx, key); err != nil {
			t.Errorf("Delete(missing) = %v", err)
		}
	})

	t.Run("delete_prefix", func(t *testing.T) {
		keep := store.UserKey(ns)
		p1 := store.ProfileKey(ns, "aaa")
		p2 := store.ProfileKey(ns, "b%_*[x]")
		// Looks like a profile key but is outside the prefix.
		other := ns + ":profilex"
		for _, k := range []string{keep, p1, p2, other} {
			if err := s.Put(ctx, k, []byte("v")); err != nil {
				t.Fatalf("Put(%s): %v", k, err)
			}
		}

		if err := s.DeletePrefix(ctx, store.ProfilePrefix(ns)); err != nil {
			t.Fatalf("DeletePrefix: %v", err)
		}
		for _, k := range []string{p1, p2} {
			if _, err := s.Get(ctx, k); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("%s survived DeletePrefix: %v", k, err)
			}
		}
		for _, k := range []string{keep, other} {
			if _, err := s.Get(ctx, k); err != nil {
				t.Errorf("%s removed by DeletePrefix: %v", k, err)
			}
		}
		if err := s.DeletePrefix(ctx, store.ProfilePrefix(ns)); err != nil {
			t.Errorf("DeletePrefix on empty prefix = %v", err)
		}
	})

	t.Run("invalid_key", func(t *testing.T) {
		if err := s.Put(ctx, "", []byte("x")); err == nil {
			t.Error("Put with empty key should fail")
		}
	})
}
