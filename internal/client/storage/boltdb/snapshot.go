package boltdb

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/iudanet/tasksync/internal/client/storage"
	"github.com/iudanet/tasksync/internal/models"
)

// Usage подсчитывает размер ключей и значений по семействам и типам записей
func (s *Storage) Usage(ctx context.Context) (*storage.Usage, error) {
	usage := &storage.Usage{
		ByFamily: make(map[storage.Family]int64),
		ByType:   make(map[models.EntityType]int64),
	}

	err := s.view("usage", "", "", func(tx *bbolt.Tx) error {
		for _, t := range models.EntityTypes() {
			b, err := entityBucket(tx, t)
			if err != nil {
				return err
			}
			n := bucketSize(b)
			usage.ByType[t] = n
			usage.ByFamily[storage.FamilyEntities] += n
		}

		flat := map[storage.Family][]byte{
			storage.FamilyQueue:     bucketQueue,
			storage.FamilyConflicts: bucketConflicts,
			storage.FamilyCache:     bucketCache,
			storage.FamilyMetadata:  bucketMetadata,
		}
		for family, name := range flat {
			b, err := bucket(tx, name)
			if err != nil {
				return err
			}
			usage.ByFamily[family] = bucketSize(b)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return usage, nil
}

func bucketSize(b *bbolt.Bucket) int64 {
	var n int64
	_ = b.ForEach(func(k, v []byte) error {
		n += int64(len(k) + len(v))
		return nil
	})
	return n
}

// Snapshot читает все семейства в одной read-транзакции
func (s *Storage) Snapshot(ctx context.Context) (*storage.Snapshot, error) {
	snap := &storage.Snapshot{Metadata: make(map[string][]byte)}

	err := s.view("snapshot", "", "", func(tx *bbolt.Tx) error {
		for _, t := range models.EntityTypes() {
			b, err := entityBucket(tx, t)
			if err != nil {
				return err
			}
			err = b.ForEach(func(k, v []byte) error {
				rec := &storage.EntityRecord{}
				if err := json.Unmarshal(v, rec); err != nil {
					return fmt.Errorf("failed to unmarshal entity %s: %w", k, err)
				}
				snap.Entities = append(snap.Entities, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}

		if err := readAll(tx, bucketQueue, func(v []byte) error {
			item := &models.SyncQueueItem{}
			if err := json.Unmarshal(v, item); err != nil {
				return err
			}
			snap.Queue = append(snap.Queue, item)
			return nil
		}); err != nil {
			return fmt.Errorf("failed to read queue: %w", err)
		}

		if err := readAll(tx, bucketConflicts, func(v []byte) error {
			c := &models.Conflict{}
			if err := json.Unmarshal(v, c); err != nil {
				return err
			}
			snap.Conflicts = append(snap.Conflicts, c)
			return nil
		}); err != nil {
			return fmt.Errorf("failed to read conflicts: %w", err)
		}

		if err := readAll(tx, bucketCache, func(v []byte) error {
			resp := &models.CachedResponse{}
			if err := json.Unmarshal(v, resp); err != nil {
				return err
			}
			snap.Cache = append(snap.Cache, resp)
			return nil
		}); err != nil {
			return fmt.Errorf("failed to read cache: %w", err)
		}

		b, err := bucket(tx, bucketMetadata)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			value := make([]byte, len(v))
			copy(value, v)
			snap.Metadata[string(k)] = value
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return snap, nil
}

func readAll(tx *bbolt.Tx, name []byte, fn func(v []byte) error) error {
	b, err := bucket(tx, name)
	if err != nil {
		return err
	}
	return b.ForEach(func(_, v []byte) error {
		return fn(v)
	})
}

// Restore заменяет содержимое всех семейств снимком в одной транзакции
func (s *Storage) Restore(ctx context.Context, snap *storage.Snapshot) error {
	return s.update("restore", "", "", func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntities, bucketQueue, bucketConflicts, bucketCache, bucketMetadata} {
			if tx.Bucket(name) != nil {
				if err := tx.DeleteBucket(name); err != nil {
					return fmt.Errorf("failed to drop %s bucket: %w", name, err)
				}
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}

		entities := tx.Bucket(bucketEntities)
		for _, t := range models.EntityTypes() {
			if _, err := entities.CreateBucket([]byte(t)); err != nil {
				return fmt.Errorf("failed to create %s entity bucket: %w", t, err)
			}
		}

		for _, rec := range snap.Entities {
			b, err := entityBucket(tx, rec.Type)
			if err != nil {
				return err
			}
			if err := putJSON(b, rec.ID, rec); err != nil {
				return err
			}
		}
		for _, item := range snap.Queue {
			if err := putJSON(tx.Bucket(bucketQueue), item.ID, item); err != nil {
				return err
			}
		}
		for _, c := range snap.Conflicts {
			if err := putJSON(tx.Bucket(bucketConflicts), c.ID, c); err != nil {
				return err
			}
		}
		for _, resp := range snap.Cache {
			if err := putJSON(tx.Bucket(bucketCache), resp.ID, resp); err != nil {
				return err
			}
		}
		meta := tx.Bucket(bucketMetadata)
		for k, v := range snap.Metadata {
			if err := meta.Put([]byte(k), v); err != nil {
				return fmt.Errorf("failed to restore metadata %s: %w", k, err)
			}
		}
		return nil
	})
}
