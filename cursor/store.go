package cursor

import (
	"context"
	"fmt"
	"time"

	"github.com/eddielth/relay-sync/model"
	"github.com/eddielth/relay-sync/storage"
)

// Store persists the single sync cursor record
type Store interface {
	// Load returns the stored cursor, creating it with defaults if absent
	Load(ctx context.Context) (model.SyncCursor, error)
	// Save replaces the stored cursor
	Save(ctx context.Context, c model.SyncCursor) error
	Close() error
}

// Defaults is the cursor a fresh installation starts from
func Defaults() model.SyncCursor {
	epoch := time.Unix(0, 0).UTC()
	return model.SyncCursor{
		LastLocalSync:     epoch,
		LastRemoteHistory: epoch,
		LastDeviceChange:  epoch,
	}
}

// NewStore opens the store for a backend type: "file", "mysql" or "postgresql"
func NewStore(backend, location string) (Store, error) {
	switch backend {
	case "", "file":
		return NewFileStore(location)
	case string(storage.MySQL), string(storage.PostgreSQL):
		return NewSQLStore(storage.DatabaseType(backend), location)
	default:
		return nil, fmt.Errorf("unsupported cursor backend: %s", backend)
	}
}
