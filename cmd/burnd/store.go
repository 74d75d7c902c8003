package main

import (
	"context"
	"fmt"

	"github.com/patchburner/patchburner/internal/config"
	"github.com/patchburner/patchburner/internal/storage"
	"github.com/patchburner/patchburner/internal/storage/memory"
	"github.com/patchburner/patchburner/internal/storage/sqlite"
)

// openStore opens the configured storage backend.
func openStore(ctx context.Context) (storage.Storage, error) {
	backend := config.GetString("db-backend")
	switch backend {
	case "", "sqlite":
		path := config.GetString("db")
		if path == "" {
			return nil, fmt.Errorf("no database path configured (set --db or BURND_DB)")
		}
		store, err := sqlite.New(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to open database %s: %w", path, err)
		}
		return store, nil
	case "memory":
		return memory.New(""), nil
	default:
		return nil, fmt.Errorf("unknown db-backend %q", backend)
	}
}
