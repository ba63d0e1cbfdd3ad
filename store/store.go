/*
Package store implements the durable backends of dag.Store and selects one
from the configuration. The in-memory backend lives in package dag.
*/
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gitzhang10/friends/config"
	"github.com/gitzhang10/friends/dag"
)

// Open creates the store named by conf.StoreBackend.
func Open(ctx context.Context, conf *config.Config) (dag.Store, error) {
	switch conf.StoreBackend {
	case "", "memory":
		return dag.NewMemStore(), nil
	case "bolt":
		if err := ensureDir(conf.StorePath); err != nil {
			return nil, err
		}
		return OpenBolt(conf.StorePath)
	case "sqlite":
		if err := ensureDir(conf.StorePath); err != nil {
			return nil, err
		}
		return OpenSQLite(conf.StorePath)
	case "postgres":
		return OpenPostgres(ctx, conf.PostgresDSN, conf.DialTimeout)
	default:
		return nil, fmt.Errorf("the store backend %q is unknown", conf.StoreBackend)
	}
}

func ensureDir(path string) error {
	if path == "" {
		return fmt.Errorf("store_path must be set")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}
	return nil
}
