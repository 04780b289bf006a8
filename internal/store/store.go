// Package store persists transfer snapshots so interrupted jobs can be
// resumed after a restart.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/yarkm13/skiff/internal/transfer"
)

// ErrNotFound is returned by Load for an unknown id.
var ErrNotFound = errors.New("snapshot not found")

// Store keeps snapshots keyed by transfer id.
type Store interface {
	Save(ctx context.Context, snap transfer.Snapshot) error
	Load(ctx context.Context, id string) (transfer.Snapshot, error)
	List(ctx context.Context) ([]transfer.Snapshot, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// Open parses a store location, either file:<dir> or sqlite:<path>.
func Open(location string) (Store, error) {
	kind, target, ok := strings.Cut(location, ":")
	if !ok || target == "" {
		return nil, fmt.Errorf("store %q: expected file:<dir> or sqlite:<path>", location)
	}
	switch kind {
	case "file":
		return NewFileStore(target)
	case "sqlite":
		return NewSQLiteStore(target)
	}
	return nil, fmt.Errorf("store %q: unknown kind %q", location, kind)
}
