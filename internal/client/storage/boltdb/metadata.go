package boltdb

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/iudanet/tasksync/internal/client/storage"
)

// SaveMeta saves a metadata value under key
func (s *Storage) SaveMeta(ctx context.Context, key string, value []byte) error {
	return s.update("save", storage.FamilyMetadata, key, func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketMetadata)
		if err != nil {
			return err
		}

		if err := b.Put([]byte(key), value); err != nil {
			return fmt.Errorf("failed to save metadata: %w", err)
		}
		return nil
	})
}

// GetMeta retrieves a metadata value
// Returns ErrMetaNotFound if key has never been saved
func (s *Storage) GetMeta(ctx context.Context, key string) ([]byte, error) {
	var value []byte

	err := s.view("get", storage.FamilyMetadata, key, func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketMetadata)
		if err != nil {
			return err
		}

		data := b.Get([]byte(key))
		if data == nil {
			return storage.ErrMetaNotFound
		}

		// Значение валидно только внутри транзакции, копируем
		value = make([]byte, len(data))
		copy(value, data)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return value, nil
}
