// Package pluginstore provides database-backed snapshot stores for the
// plugin registry and a constructor selecting one by name.
package pluginstore

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/hunmer/mira-launcher-sub001/pkg/plugin"
	"github.com/rs/zerolog"
)

// Store kinds accepted by Open
const (
	KindMemory = "memory"
	KindFile   = "file"
	KindSQLite = "sqlite"
	KindRedis  = "redis"
)

// Kinds lists the accepted store kinds
var Kinds = []string{KindMemory, KindFile, KindSQLite, KindRedis}

// Config selects and configures a snapshot store
type Config struct {
	Kind string

	// Path is the state directory for the file store and the database
	// file for SQLite. A directory given for SQLite gets registry.db.
	Path string

	Redis RedisConfig
}

// Open creates the snapshot store described by config
func Open(ctx context.Context, logger zerolog.Logger, config Config) (plugin.SnapshotStore, error) {
	switch config.Kind {
	case KindMemory:
		return plugin.NewMemoryStore(), nil
	case KindFile, "":
		store, err := plugin.NewFileStore(config.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case KindSQLite:
		path := config.Path
		if filepath.Ext(path) == "" {
			path = filepath.Join(path, "registry.db")
		}
		store, err := NewSQLiteStore(logger, path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case KindRedis:
		store, err := NewRedisStore(ctx, logger, config.Redis)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown snapshot store %q", config.Kind)
	}
}
