// Package backends opens the store.Store selected by configuration.
package backends

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/nextlevelbuilder/nostrlink/internal/config"
	"github.com/nextlevelbuilder/nostrlink/internal/store"
	"github.com/nextlevelbuilder/nostrlink/internal/store/file"
	"github.com/nextlevelbuilder/nostrlink/internal/store/pg"
	"github.com/nextlevelbuilder/nostrlink/internal/store/redis"
	"github.com/nextlevelbuilder/nostrlink/internal/store/s3"
	"github.com/nextlevelbuilder/nostrlink/internal/store/sqlite"
)

// File names used under StorageConfig.Path.
const (
	fileStoreName   = "store.json"
	sqliteStoreName = "nostrlink.db"
)

// Open returns the backend named by cfg.Backend. cfg must already be
// normalized.
func Open(ctx context.Context, cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendFile, "":
		return file.Open(filepath.Join(config.ExpandHome(cfg.Path), fileStoreName))
	case config.BackendSQLite:
		return sqlite.Open(filepath.Join(config.ExpandHome(cfg.Path), sqliteStoreName))
	case config.BackendPostgres:
		return pg.Open(ctx, cfg.PostgresDSN)
	case config.BackendRedis:
		return redis.Open(ctx, cfg.RedisURL)
	case config.BackendS3:
		return s3.Open(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
