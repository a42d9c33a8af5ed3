package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/nostrlink/internal/store"
	"github.com/nextlevelbuilder/nostrlink/internal/store/storetest"
)

func TestStore_Conformance(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "data", "store.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	storetest.Run(t, s, "nostrlink")
}

func TestStore_PersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Put(ctx, store.LoginKey("ns"), []byte(`{"version":1}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("file mode = %v, want 0600", info.Mode().Perm())
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.Get(ctx, store.LoginKey("ns"))
	if err != nil || string(got) != `{"version":1}` {
		t.Errorf("Get after reopen = %s, %v", got, err)
	}
}

func TestOpen_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	os.WriteFile(path, []byte("{not json"), 0600)
	if _, err := Open(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestStore_FailedWriteLeavesDataUnchanged(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	ctx := context.Background()

	s, err := Open(filepath.Join(dir, "store.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Put(ctx, "ns:kept", []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Replace the directory with a plain file so every save fails.
	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dir, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	if err := s.Put(ctx, "ns:new", []byte("v2")); err == nil {
		t.Fatal("Put succeeded without a writable directory")
	}
	if _, err := s.Get(ctx, "ns:new"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get after failed Put error = %v, want ErrNotFound", err)
	}
	if err := s.Put(ctx, "ns:kept", []byte("changed")); err == nil {
		t.Fatal("overwrite succeeded without a writable directory")
	}
	if err := s.Delete(ctx, "ns:kept"); err == nil {
		t.Fatal("Delete succeeded without a writable directory")
	}
	if err := s.DeletePrefix(ctx, "ns:"); err == nil {
		t.Fatal("DeletePrefix succeeded without a writable directory")
	}
	if got, err := s.Get(ctx, "ns:kept"); err != nil || string(got) != "v1" {
		t.Errorf("Get after failed writes = %q, %v; want v1", got, err)
	}
}
