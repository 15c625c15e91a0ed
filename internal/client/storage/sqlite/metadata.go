package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/iudanet/tasksync/internal/client/storage"
)

func saveMeta(ctx context.Context, e execer, key string, value []byte) error {
	query := `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`
	if value == nil {
		value = []byte{}
	}
	if _, err := e.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to save metadata: %w", err)
	}
	return nil
}

// SaveMeta saves a metadata value under key
func (s *Storage) SaveMeta(ctx context.Context, key string, value []byte) error {
	db, err := s.conn()
	if err != nil {
		return storage.Wrap("save", storage.FamilyMetadata, key, err)
	}
	return storage.Wrap("save", storage.FamilyMetadata, key, saveMeta(ctx, db, key, value))
}

// GetMeta retrieves a metadata value
// Returns ErrMetaNotFound if key has never been saved
func (s *Storage) GetMeta(ctx context.Context, key string) ([]byte, error) {
	db, err := s.conn()
	if err != nil {
		return nil, storage.Wrap("get", storage.FamilyMetadata, key, err)
	}

	var value []byte
	err = db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrMetaNotFound
	}
	if err != nil {
		return nil, storage.Wrap("get", storage.FamilyMetadata, key, fmt.Errorf("failed to get metadata: %w", err))
	}
	return value, nil
}
