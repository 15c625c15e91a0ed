package boltdb

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/iudanet/tasksync/internal/client/storage"
	"github.com/iudanet/tasksync/internal/models"
)

// SaveQueueItem stores or replaces a sync queue item
func (s *Storage) SaveQueueItem(ctx context.Context, item *models.SyncQueueItem) error {
	return s.update("save", storage.FamilyQueue, item.ID, func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketQueue)
		if err != nil {
			return err
		}
		return putJSON(b, item.ID, item)
	})
}

// GetQueueItem retrieves a sync queue item by ID
func (s *Storage) GetQueueItem(ctx context.Context, id string) (*models.SyncQueueItem, error) {
	var item *models.SyncQueueItem

	err := s.view("get", storage.FamilyQueue, id, func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketQueue)
		if err != nil {
			return err
		}

		data := b.Get([]byte(id))
		if data == nil {
			return storage.ErrQueueItemNotFound
		}

		item = &models.SyncQueueItem{}
		if err := json.Unmarshal(data, item); err != nil {
			return fmt.Errorf("failed to unmarshal queue item: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return item, nil
}

// ListQueueItems returns all sync queue items ordered by key (ULID, т.е. по времени постановки)
func (s *Storage) ListQueueItems(ctx context.Context) ([]*models.SyncQueueItem, error) {
	var items []*models.SyncQueueItem

	err := s.view("list", storage.FamilyQueue, "", func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketQueue)
		if err != nil {
			return err
		}

		return b.ForEach(func(k, v []byte) error {
			item := &models.SyncQueueItem{}
			if err := json.Unmarshal(v, item); err != nil {
				return fmt.Errorf("failed to unmarshal queue item %s: %w", k, err)
			}
			items = append(items, item)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return items, nil
}

// DeleteQueueItem removes a sync queue item
func (s *Storage) DeleteQueueItem(ctx context.Context, id string) error {
	return s.update("delete", storage.FamilyQueue, id, func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketQueue)
		if err != nil {
			return err
		}
		if b.Get([]byte(id)) == nil {
			return storage.ErrQueueItemNotFound
		}
		return b.Delete([]byte(id))
	})
}
