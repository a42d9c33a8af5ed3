package backends

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/nostrlink/internal/config"
	"github.com/nextlevelbuilder/nostrlink/internal/store"
)

func TestOpen_LocalBackends(t *testing.T) {
	tests := []struct {
		backend string
		file    string
	}{
		{config.BackendFile, fileStoreName},
		{config.BackendSQLite, sqliteStoreName},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			dir := t.TempDir()
			ctx := context.Background()
			s, err := Open(ctx, config.StorageConfig{Backend: tt.backend, Path: dir, Namespace: "ns"})
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer s.Close()

			if err := s.Put(ctx, store.LoginKey("ns"), []byte("x")); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if _, err := os.Stat(filepath.Join(dir, tt.file)); err != nil {
				t.Errorf("expected %s on disk: %v", tt.file, err)
			}
		})
	}
}

func TestOpen_Unknown(t *testing.T) {
	if _, err := Open(context.Background(), config.StorageConfig{Backend: "etcd"}); err == nil {
		t.Error("expected error for unknown backend")
	}
}
