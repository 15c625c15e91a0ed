// Package backend opens the configured client storage backend.
package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/iudanet/tasksync/internal/client/storage"
	"github.com/iudanet/tasksync/internal/client/storage/boltdb"
	"github.com/iudanet/tasksync/internal/client/storage/sqlite"
)

// Kind is the name of a storage backend.
type Kind string

const (
	KindBolt   Kind = "bolt"
	KindSQLite Kind = "sqlite"
)

// ParseKind converts a configuration value into a Kind. Empty means bolt.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "bolt", "boltdb", "bbolt":
		return KindBolt, nil
	case "sqlite", "sqlite3":
		return KindSQLite, nil
	}
	return "", fmt.Errorf("unknown storage backend: %q", s)
}

// Open opens a backend of the given kind at path.
func Open(ctx context.Context, kind Kind, path string) (storage.Backend, error) {
	switch kind {
	case KindBolt, "":
		s, err := boltdb.New(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to open bolt storage: %w", err)
		}
		return s, nil
	case KindSQLite:
		s, err := sqlite.New(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite storage: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown storage backend: %q", kind)
}
