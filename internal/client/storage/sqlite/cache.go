package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/iudanet/tasksync/internal/client/storage"
	"github.com/iudanet/tasksync/internal/models"
)

func saveCachedResponse(ctx context.Context, e execer, resp *models.CachedResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal cached response: %w", err)
	}
	query := `
		INSERT INTO cached_responses (id, expires_at, data) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET expires_at = excluded.expires_at, data = excluded.data
	`
	if _, err := e.ExecContext(ctx, query, resp.ID, resp.ExpiresAt.Unix(), data); err != nil {
		return fmt.Errorf("failed to upsert cached response: %w", err)
	}
	return nil
}

// SaveCachedResponse stores a cached GET response under its ID
func (s *Storage) SaveCachedResponse(ctx context.Context, resp *models.CachedResponse) error {
	db, err := s.conn()
	if err != nil {
		return storage.Wrap("save", storage.FamilyCache, resp.ID, err)
	}
	return storage.Wrap("save", storage.FamilyCache, resp.ID, saveCachedResponse(ctx, db, resp))
}

// GetCachedResponse retrieves a cached response. Expiration is checked by the caller.
func (s *Storage) GetCachedResponse(ctx context.Context, id string) (*models.CachedResponse, error) {
	db, err := s.conn()
	if err != nil {
		return nil, storage.Wrap("get", storage.FamilyCache, id, err)
	}

	resp := &models.CachedResponse{}
	err = getJSON(ctx, db, resp, storage.ErrCacheMiss, `SELECT data FROM cached_responses WHERE id = ?`, id)
	if err != nil {
		return nil, storage.Wrap("get", storage.FamilyCache, id, err)
	}
	return resp, nil
}

// ListCachedResponses returns all cached responses, oldest expiration first
func (s *Storage) ListCachedResponses(ctx context.Context) ([]*models.CachedResponse, error) {
	db, err := s.conn()
	if err != nil {
		return nil, storage.Wrap("list", storage.FamilyCache, "", err)
	}

	list, err := listJSON[models.CachedResponse](ctx, db, `SELECT data FROM cached_responses ORDER BY expires_at, id`)
	if err != nil {
		return nil, storage.Wrap("list", storage.FamilyCache, "", err)
	}
	return list, nil
}

// DeleteCachedResponse removes a cached response
func (s *Storage) DeleteCachedResponse(ctx context.Context, id string) error {
	db, err := s.conn()
	if err != nil {
		return storage.Wrap("delete", storage.FamilyCache, id, err)
	}
	err = deleteRow(ctx, db, `DELETE FROM cached_responses WHERE id = ?`, storage.ErrCacheMiss, id)
	return storage.Wrap("delete", storage.FamilyCache, id, err)
}
