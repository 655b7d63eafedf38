package db

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/rawblock/btn-analyzer/internal/config"
	"github.com/rawblock/btn-analyzer/internal/snapshot"
)

// SnapshotStore is a snapshot.Store that owns resources to release.
type SnapshotStore interface {
	snapshot.Store
	io.Closer
}

// Open builds the snapshot backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.Storage) (SnapshotStore, error) {
	switch cfg.Driver {
	case config.DriverFile:
		log.Printf("[Storage] Using file snapshot store at %s", cfg.Path)
		return NewFileStore(cfg.Path)
	case config.DriverBolt:
		log.Printf("[Storage] Using BoltDB snapshot store at %s", cfg.Path)
		return OpenBolt(cfg.Path)
	case config.DriverPostgres:
		store, err := Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := store.InitSchema(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
