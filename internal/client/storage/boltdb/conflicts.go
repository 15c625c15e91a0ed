package boltdb

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/iudanet/tasksync/internal/client/storage"
	"github.com/iudanet/tasksync/internal/models"
)

// SaveConflict stores or replaces a conflict record
func (s *Storage) SaveConflict(ctx context.Context, c *models.Conflict) error {
	return s.update("save", storage.FamilyConflicts, c.ID, func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketConflicts)
		if err != nil {
			return err
		}
		return putJSON(b, c.ID, c)
	})
}

// GetConflict retrieves a conflict by ID
func (s *Storage) GetConflict(ctx context.Context, id string) (*models.Conflict, error) {
	var c *models.Conflict

	err := s.view("get", storage.FamilyConflicts, id, func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketConflicts)
		if err != nil {
			return err
		}

		data := b.Get([]byte(id))
		if data == nil {
			return storage.ErrConflictNotFound
		}

		c = &models.Conflict{}
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to unmarshal conflict: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return c, nil
}

// ListConflicts returns all conflicts, resolved and unresolved
func (s *Storage) ListConflicts(ctx context.Context) ([]*models.Conflict, error) {
	var conflicts []*models.Conflict

	err := s.view("list", storage.FamilyConflicts, "", func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketConflicts)
		if err != nil {
			return err
		}

		return b.ForEach(func(k, v []byte) error {
			c := &models.Conflict{}
			if err := json.Unmarshal(v, c); err != nil {
				return fmt.Errorf("failed to unmarshal conflict %s: %w", k, err)
			}
			conflicts = append(conflicts, c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return conflicts, nil
}

// DeleteConflict removes a conflict record
func (s *Storage) DeleteConflict(ctx context.Context, id string) error {
	return s.update("delete", storage.FamilyConflicts, id, func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketConflicts)
		if err != nil {
			return err
		}
		if b.Get([]byte(id)) == nil {
			return storage.ErrConflictNotFound
		}
		return b.Delete([]byte(id))
	})
}
