package boltdb

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/iudanet/tasksync/internal/client/storage"
	"github.com/iudanet/tasksync/internal/models"
)

// SaveEntity stores or replaces an entity record in BoltDB
func (s *Storage) SaveEntity(ctx context.Context, rec *storage.EntityRecord) error {
	return s.update("save", storage.FamilyEntities, models.EntityKey(rec.Type, rec.ID), func(tx *bbolt.Tx) error {
		b, err := entityBucket(tx, rec.Type)
		if err != nil {
			return err
		}
		return putJSON(b, rec.ID, rec)
	})
}

// GetEntity retrieves an entity record by type and ID
func (s *Storage) GetEntity(ctx context.Context, entityType models.EntityType, id string) (*storage.EntityRecord, error) {
	var rec *storage.EntityRecord

	err := s.view("get", storage.FamilyEntities, models.EntityKey(entityType, id), func(tx *bbolt.Tx) error {
		b, err := entityBucket(tx, entityType)
		if err != nil {
			return err
		}

		data := b.Get([]byte(id))
		if data == nil {
			return storage.ErrEntityNotFound
		}

		rec = &storage.EntityRecord{}
		if err := json.Unmarshal(data, rec); err != nil {
			return fmt.Errorf("failed to unmarshal entity: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// ListEntities returns all records of a type (including soft-deleted ones)
func (s *Storage) ListEntities(ctx context.Context, entityType models.EntityType) ([]*storage.EntityRecord, error) {
	var records []*storage.EntityRecord

	err := s.view("list", storage.FamilyEntities, string(entityType), func(tx *bbolt.Tx) error {
		b, err := entityBucket(tx, entityType)
		if err != nil {
			return err
		}

		return b.ForEach(func(k, v []byte) error {
			rec := &storage.EntityRecord{}
			if err := json.Unmarshal(v, rec); err != nil {
				return fmt.Errorf("failed to unmarshal entity %s: %w", k, err)
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}

// PurgeEntity physically removes an entity record
func (s *Storage) PurgeEntity(ctx context.Context, entityType models.EntityType, id string) error {
	return s.update("purge", storage.FamilyEntities, models.EntityKey(entityType, id), func(tx *bbolt.Tx) error {
		b, err := entityBucket(tx, entityType)
		if err != nil {
			return err
		}
		if b.Get([]byte(id)) == nil {
			return storage.ErrEntityNotFound
		}
		return b.Delete([]byte(id))
	})
}

// RekeyEntity stores rec and removes the record under oldID in one transaction
func (s *Storage) RekeyEntity(ctx context.Context, oldID string, rec *storage.EntityRecord) error {
	return s.update("rekey", storage.FamilyEntities, models.EntityKey(rec.Type, oldID), func(tx *bbolt.Tx) error {
		b, err := entityBucket(tx, rec.Type)
		if err != nil {
			return err
		}
		if oldID != rec.ID {
			if err := b.Delete([]byte(oldID)); err != nil {
				return fmt.Errorf("failed to delete old key: %w", err)
			}
		}
		return putJSON(b, rec.ID, rec)
	})
}
