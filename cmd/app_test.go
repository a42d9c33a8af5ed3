package cmd

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/nostrlink/internal/config"
)

func TestApp_CloseOnce(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Backend = config.BackendFile
	cfg.Storage.Path = t.TempDir()

	a, err := newApp(context.Background(), cfg)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	flushes := 0
	a.shutdown = func(context.Context) { flushes++ }

	a.Close()
	a.Close()
	if flushes != 1 {
		t.Errorf("trace flushes = %d, want 1", flushes)
	}
}
