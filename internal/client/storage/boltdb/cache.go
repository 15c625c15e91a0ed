package boltdb

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/iudanet/tasksync/internal/client/storage"
	"github.com/iudanet/tasksync/internal/models"
)

// SaveCachedResponse stores a cached GET response under its ID
func (s *Storage) SaveCachedResponse(ctx context.Context, resp *models.CachedResponse) error {
	return s.update("save", storage.FamilyCache, resp.ID, func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketCache)
		if err != nil {
			return err
		}
		return putJSON(b, resp.ID, resp)
	})
}

// GetCachedResponse retrieves a cached response. Expiration is checked by the caller.
func (s *Storage) GetCachedResponse(ctx context.Context, id string) (*models.CachedResponse, error) {
	var resp *models.CachedResponse

	err := s.view("get", storage.FamilyCache, id, func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketCache)
		if err != nil {
			return err
		}

		data := b.Get([]byte(id))
		if data == nil {
			return storage.ErrCacheMiss
		}

		resp = &models.CachedResponse{}
		if err := json.Unmarshal(data, resp); err != nil {
			return fmt.Errorf("failed to unmarshal cached response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return resp, nil
}

// ListCachedResponses returns all cached responses including expired ones
func (s *Storage) ListCachedResponses(ctx context.Context) ([]*models.CachedResponse, error) {
	var list []*models.CachedResponse

	err := s.view("list", storage.FamilyCache, "", func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketCache)
		if err != nil {
			return err
		}

		return b.ForEach(func(k, v []byte) error {
			resp := &models.CachedResponse{}
			if err := json.Unmarshal(v, resp); err != nil {
				return fmt.Errorf("failed to unmarshal cached response %s: %w", k, err)
			}
			list = append(list, resp)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return list, nil
}

// DeleteCachedResponse removes a cached response
func (s *Storage) DeleteCachedResponse(ctx context.Context, id string) error {
	return s.update("delete", storage.FamilyCache, id, func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketCache)
		if err != nil {
			return err
		}
		if b.Get([]byte(id)) == nil {
			return storage.ErrCacheMiss
		}
		return b.Delete([]byte(id))
	})
}
