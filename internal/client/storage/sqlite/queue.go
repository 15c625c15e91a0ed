package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/iudanet/tasksync/internal/client/storage"
	"github.com/iudanet/tasksync/internal/models"
)

func saveQueueItem(ctx context.Context, e execer, item *models.SyncQueueItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal queue item: %w", err)
	}
	query := `
		INSERT INTO sync_queue (id, entity_key, data) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET entity_key = excluded.entity_key, data = excluded.data
	`
	if _, err := e.ExecContext(ctx, query, item.ID, item.EntityKey(), data); err != nil {
		return fmt.Errorf("failed to upsert queue item: %w", err)
	}
	return nil
}

// SaveQueueItem stores or replaces a sync queue item
func (s *Storage) SaveQueueItem(ctx context.Context, item *models.SyncQueueItem) error {
	db, err := s.conn()
	if err != nil {
		return storage.Wrap("save", storage.FamilyQueue, item.ID, err)
	}
	return storage.Wrap("save", storage.FamilyQueue, item.ID, saveQueueItem(ctx, db, item))
}

// GetQueueItem retrieves a sync queue item by ID
func (s *Storage) GetQueueItem(ctx context.Context, id string) (*models.SyncQueueItem, error) {
	db, err := s.conn()
	if err != nil {
		return nil, storage.Wrap("get", storage.FamilyQueue, id, err)
	}

	item := &models.SyncQueueItem{}
	err = getJSON(ctx, db, item, storage.ErrQueueItemNotFound, `SELECT data FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return nil, storage.Wrap("get", storage.FamilyQueue, id, err)
	}
	return item, nil
}

// ListQueueItems returns all sync queue items ordered by ID
func (s *Storage) ListQueueItems(ctx context.Context) ([]*models.SyncQueueItem, error) {
	db, err := s.conn()
	if err != nil {
		return nil, storage.Wrap("list", storage.FamilyQueue, "", err)
	}

	list, err := listJSON[models.SyncQueueItem](ctx, db, `SELECT data FROM sync_queue ORDER BY id`)
	if err != nil {
		return nil, storage.Wrap("list", storage.FamilyQueue, "", err)
	}
	return list, nil
}

// DeleteQueueItem removes a sync queue item
func (s *Storage) DeleteQueueItem(ctx context.Context, id string) error {
	db, err := s.conn()
	if err != nil {
		return storage.Wrap("delete", storage.FamilyQueue, id, err)
	}
	err = deleteRow(ctx, db, `DELETE FROM sync_queue WHERE id = ?`, storage.ErrQueueItemNotFound, id)
	return storage.Wrap("delete", storage.FamilyQueue, id, err)
}
