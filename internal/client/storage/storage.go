package storage

import (
	"context"
	"time"

	"github.com/iudanet/tasksync/internal/models"
)

// Family логическое семейство записей. Семейства независимы:
// каждое можно читать и вытеснять отдельно.
type Family string

const (
	FamilyEntities  Family = "entities"
	FamilyQueue     Family = "queue"
	FamilyConflicts Family = "conflicts"
	FamilyCache     Family = "cache"
	FamilyMetadata  Family = "metadata"
)

// Families returns all record families in a stable order.
func Families() []Family {
	return []Family{FamilyEntities, FamilyQueue, FamilyConflicts, FamilyCache, FamilyMetadata}
}

// EntityRecord представление записи в хранилище.
// Системные поля хранятся открыто, доменные поля - в Payload (JSON,
// чувствительные значения зашифрованы, весь payload может быть сжат snappy).
type EntityRecord struct {
	CreatedAt       time.Time         `json:"created_at"`
	LastModified    time.Time         `json:"last_modified"`
	ID              string            `json:"id"`
	Type            models.EntityType `json:"type"`
	SyncStatus      models.SyncStatus `json:"sync_status"`
	LastError       string            `json:"last_error,omitempty"`
	Payload         []byte            `json:"payload"`
	EncryptedFields []string          `json:"encrypted_fields,omitempty"`
	Version         int64             `json:"version"`
	ServerVersion   int64             `json:"server_version"`
	Compressed      bool              `json:"compressed"`
	IsDeleted       bool              `json:"is_deleted"`
}

//go:generate moq -out entitystorage_mock.go . EntityStorage

// EntityStorage defines interface for storing entity records on client
type EntityStorage interface {
	// SaveEntity stores or replaces an entity record atomically
	SaveEntity(ctx context.Context, rec *EntityRecord) error

	// GetEntity retrieves an entity record (including soft-deleted ones)
	// Returns ErrEntityNotFound if record doesn't exist
	GetEntity(ctx context.Context, entityType models.EntityType, id string) (*EntityRecord, error)

	// ListEntities returns all records of a type, including soft-deleted ones
	ListEntities(ctx context.Context, entityType models.EntityType) ([]*EntityRecord, error)

	// PurgeEntity physically removes a record
	PurgeEntity(ctx context.Context, entityType models.EntityType, id string) error

	// RekeyEntity atomically stores rec and removes the record stored under oldID
	// Used when the server assigns the canonical id of an optimistically created entity
	RekeyEntity(ctx context.Context, oldID string, rec *EntityRecord) error
}

// QueueStorage defines interface for storing sync queue items
type QueueStorage interface {
	SaveQueueItem(ctx context.Context, item *models.SyncQueueItem) error
	GetQueueItem(ctx context.Context, id string) (*models.SyncQueueItem, error)
	ListQueueItems(ctx context.Context) ([]*models.SyncQueueItem, error)
	DeleteQueueItem(ctx context.Context, id string) error
}

// ConflictStorage defines interface for storing conflicts
type ConflictStorage interface {
	SaveConflict(ctx context.Context, c *models.Conflict) error
	GetConflict(ctx context.Context, id string) (*models.Conflict, error)
	ListConflicts(ctx context.Context) ([]*models.Conflict, error)
	DeleteConflict(ctx context.Context, id string) error
}

// CacheStorage defines interface for storing cached GET responses
type CacheStorage interface {
	SaveCachedResponse(ctx context.Context, resp *models.CachedResponse) error
	// GetCachedResponse returns ErrCacheMiss if nothing is cached under id
	GetCachedResponse(ctx context.Context, id string) (*models.CachedResponse, error)
	ListCachedResponses(ctx context.Context) ([]*models.CachedResponse, error)
	DeleteCachedResponse(ctx context.Context, id string) error
}

// MetadataStorage defines interface for storing client metadata (salt, key check, last drain)
type MetadataStorage interface {
	SaveMeta(ctx context.Context, key string, value []byte) error
	// GetMeta returns ErrMetaNotFound if key is not set
	GetMeta(ctx context.Context, key string) ([]byte, error)
}

// Usage размер данных по семействам и типам записей (в байтах)
type Usage struct {
	ByFamily map[Family]int64
	ByType   map[models.EntityType]int64
}

// Total returns the sum over all families.
func (u *Usage) Total() int64 {
	var total int64
	for _, n := range u.ByFamily {
		total += n
	}
	return total
}

// Snapshot полный снимок всех семейств записей
type Snapshot struct {
	Entities  []*EntityRecord          `json:"entities"`
	Queue     []*models.SyncQueueItem  `json:"queue"`
	Conflicts []*models.Conflict       `json:"conflicts"`
	Cache     []*models.CachedResponse `json:"cache"`
	Metadata  map[string][]byte        `json:"metadata"`
}

// Backend объединяет все семейства записей одного физического хранилища.
// Реализации: boltdb (по умолчанию) и sqlite.
type Backend interface {
	EntityStorage
	QueueStorage
	ConflictStorage
	CacheStorage
	MetadataStorage

	// Usage reports the stored bytes per family and per entity type
	Usage(ctx context.Context) (*Usage, error)

	// Snapshot reads every family in one consistent view
	Snapshot(ctx context.Context) (*Snapshot, error)

	// Restore replaces every family with the snapshot contents atomically
	Restore(ctx context.Context, snap *Snapshot) error

	Close() error
}
