package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/iudanet/tasksync/internal/client/storage"
	"github.com/iudanet/tasksync/internal/models"
)

const upsertEntityQuery = `
	INSERT INTO entities (type, id, data) VALUES (?, ?, ?)
	ON CONFLICT (type, id) DO UPDATE SET data = excluded.data
`

func saveEntity(ctx context.Context, e execer, rec *storage.EntityRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal entity: %w", err)
	}
	if _, err := e.ExecContext(ctx, upsertEntityQuery, string(rec.Type), rec.ID, data); err != nil {
		return fmt.Errorf("failed to upsert entity: %w", err)
	}
	return nil
}

// SaveEntity stores or replaces an entity record
func (s *Storage) SaveEntity(ctx context.Context, rec *storage.EntityRecord) error {
	key := models.EntityKey(rec.Type, rec.ID)
	db, err := s.conn()
	if err != nil {
		return storage.Wrap("save", storage.FamilyEntities, key, err)
	}
	return storage.Wrap("save", storage.FamilyEntities, key, saveEntity(ctx, db, rec))
}

// GetEntity retrieves an entity record by type and ID
func (s *Storage) GetEntity(ctx context.Context, entityType models.EntityType, id string) (*storage.EntityRecord, error) {
	key := models.EntityKey(entityType, id)
	db, err := s.conn()
	if err != nil {
		return nil, storage.Wrap("get", storage.FamilyEntities, key, err)
	}

	rec := &storage.EntityRecord{}
	err = getJSON(ctx, db, rec, storage.ErrEntityNotFound,
		`SELECT data FROM entities WHERE type = ? AND id = ?`, string(entityType), id)
	if err != nil {
		return nil, storage.Wrap("get", storage.FamilyEntities, key, err)
	}
	return rec, nil
}

// ListEntities returns all records of a type (including soft-deleted ones)
func (s *Storage) ListEntities(ctx context.Context, entityType models.EntityType) ([]*storage.EntityRecord, error) {
	db, err := s.conn()
	if err != nil {
		return nil, storage.Wrap("list", storage.FamilyEntities, string(entityType), err)
	}

	list, err := listJSON[storage.EntityRecord](ctx, db,
		`SELECT data FROM entities WHERE type = ? ORDER BY id`, string(entityType))
	if err != nil {
		return nil, storage.Wrap("list", storage.FamilyEntities, string(entityType), err)
	}
	return list, nil
}

// PurgeEntity physically removes an entity record
func (s *Storage) PurgeEntity(ctx context.Context, entityType models.EntityType, id string) error {
	key := models.EntityKey(entityType, id)
	db, err := s.conn()
	if err != nil {
		return storage.Wrap("purge", storage.FamilyEntities, key, err)
	}
	err = deleteRow(ctx, db, `DELETE FROM entities WHERE type = ? AND id = ?`,
		storage.ErrEntityNotFound, string(entityType), id)
	return storage.Wrap("purge", storage.FamilyEntities, key, err)
}

// RekeyEntity stores rec and removes the record under oldID in one transaction
func (s *Storage) RekeyEntity(ctx context.Context, oldID string, rec *storage.EntityRecord) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if oldID != rec.ID {
			if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE type = ? AND id = ?`, string(rec.Type), oldID); err != nil {
				return fmt.Errorf("failed to delete old key: %w", err)
			}
		}
		return saveEntity(ctx, tx, rec)
	})
	return storage.Wrap("rekey", storage.FamilyEntities, models.EntityKey(rec.Type, oldID), err)
}
