package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/nostrlink/internal/store"
	"github.com/nextlevelbuilder/nostrlink/internal/store/storetest"
)

func TestStore_Conformance(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "nostrlink.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	storetest.Run(t, s, "nostrlink")
}

func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nostrlink.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Put(ctx, store.UserKey("ns"), []byte("alice")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.Get(ctx, store.UserKey("ns"))
	if err != nil || string(got) != "alice" {
		t.Errorf("Get after reopen = %q, %v", got, err)
	}
}
