package boltdb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/iudanet/tasksync/internal/client/storage"
	"github.com/iudanet/tasksync/internal/models"
)

var (
	// BoltDB bucket names, по одному на семейство записей
	bucketEntities  = []byte("entities")
	bucketQueue     = []byte("queue")
	bucketConflicts = []byte("conflicts")
	bucketCache     = []byte("cache")
	bucketMetadata  = []byte("metadata")
)

var _ storage.Backend = (*Storage)(nil)

// Storage represents BoltDB storage implementation for client
type Storage struct {
	db *bbolt.DB
}

// New creates a new BoltDB storage instance
// dbPath is the path to the BoltDB database file
func New(ctx context.Context, dbPath string) (*Storage, error) {
	// Открываем BoltDB; таймаут не дает зависнуть, если файл занят другим процессом
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	s := &Storage{db: db}

	if err := s.initBuckets(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return s, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// initBuckets создает необходимые buckets если они не существуют
func (s *Storage) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntities, bucketQueue, bucketConflicts, bucketCache, bucketMetadata} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}

		// Вложенный bucket на каждый тип записей
		entities := tx.Bucket(bucketEntities)
		for _, t := range models.EntityTypes() {
			if _, err := entities.CreateBucketIfNotExists([]byte(t)); err != nil {
				return fmt.Errorf("failed to create %s entity bucket: %w", t, err)
			}
		}
		return nil
	})
}

// update выполняет запись в одной транзакции и оборачивает ошибки в storage.Error.
// Если fn вернула ошибку, транзакция откатывается и состояние не меняется.
func (s *Storage) update(op string, family storage.Family, key string, fn func(tx *bbolt.Tx) error) error {
	if s.db == nil {
		return storage.Wrap(op, family, key, storage.ErrStorageClosed)
	}
	return storage.Wrap(op, family, key, s.db.Update(fn))
}

// view выполняет чтение и оборачивает ошибки в storage.Error
func (s *Storage) view(op string, family storage.Family, key string, fn func(tx *bbolt.Tx) error) error {
	if s.db == nil {
		return storage.Wrap(op, family, key, storage.ErrStorageClosed)
	}
	return storage.Wrap(op, family, key, s.db.View(fn))
}

// bucket returns a top-level bucket or an error if it is missing.
func bucket(tx *bbolt.Tx, name []byte) (*bbolt.Bucket, error) {
	b := tx.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("%s bucket not found", name)
	}
	return b, nil
}

// entityBucket returns the nested bucket of an entity type.
func entityBucket(tx *bbolt.Tx, entityType models.EntityType) (*bbolt.Bucket, error) {
	root, err := bucket(tx, bucketEntities)
	if err != nil {
		return nil, err
	}
	b := root.Bucket([]byte(entityType))
	if b == nil {
		return nil, fmt.Errorf("entity bucket %q not found", entityType)
	}
	return b, nil
}

// putJSON сериализует значение в JSON и сохраняет по ключу
func putJSON(b *bbolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	if err := b.Put([]byte(key), data); err != nil {
		return fmt.Errorf("failed to put value: %w", err)
	}
	return nil
}
