package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/iudanet/tasksync/internal/client/storage"
	"github.com/iudanet/tasksync/internal/models"
)

func saveConflict(ctx context.Context, e execer, c *models.Conflict) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal conflict: %w", err)
	}
	query := `
		INSERT INTO conflicts (id, entity_key, data) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET entity_key = excluded.entity_key, data = excluded.data
	`
	if _, err := e.ExecContext(ctx, query, c.ID, models.EntityKey(c.EntityType, c.EntityID), data); err != nil {
		return fmt.Errorf("failed to upsert conflict: %w", err)
	}
	return nil
}

// SaveConflict stores or replaces a conflict record
func (s *Storage) SaveConflict(ctx context.Context, c *models.Conflict) error {
	db, err := s.conn()
	if err != nil {
		return storage.Wrap("save", storage.FamilyConflicts, c.ID, err)
	}
	return storage.Wrap("save", storage.FamilyConflicts, c.ID, saveConflict(ctx, db, c))
}

// GetConflict retrieves a conflict by ID
func (s *Storage) GetConflict(ctx context.Context, id string) (*models.Conflict, error) {
	db, err := s.conn()
	if err != nil {
		return nil, storage.Wrap("get", storage.FamilyConflicts, id, err)
	}

	c := &models.Conflict{}
	err = getJSON(ctx, db, c, storage.ErrConflictNotFound, `SELECT data FROM conflicts WHERE id = ?`, id)
	if err != nil {
		return nil, storage.Wrap("get", storage.FamilyConflicts, id, err)
	}
	return c, nil
}

// ListConflicts returns all conflicts, resolved and unresolved
func (s *Storage) ListConflicts(ctx context.Context) ([]*models.Conflict, error) {
	db, err := s.conn()
	if err != nil {
		return nil, storage.Wrap("list", storage.FamilyConflicts, "", err)
	}

	list, err := listJSON[models.Conflict](ctx, db, `SELECT data FROM conflicts ORDER BY id`)
	if err != nil {
		return nil, storage.Wrap("list", storage.FamilyConflicts, "", err)
	}
	return list, nil
}

// DeleteConflict removes a conflict record
func (s *Storage) DeleteConflict(ctx context.Context, id string) error {
	db, err := s.conn()
	if err != nil {
		return storage.Wrap("delete", storage.FamilyConflicts, id, err)
	}
	err = deleteRow(ctx, db, `DELETE FROM conflicts WHERE id = ?`, storage.ErrConflictNotFound, id)
	return storage.Wrap("delete", storage.FamilyConflicts, id, err)
}
