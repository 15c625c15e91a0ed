package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang/snappy"

	"github.com/iudanet/tasksync/internal/client/encryption"
	"github.com/iudanet/tasksync/internal/client/storage"
	"github.com/iudanet/tasksync/internal/models"
)

// DefaultCompressThreshold размер payload, начиная с которого он сжимается всегда
const DefaultCompressThreshold = 4 * 1024

//go:generate moq -out service_mock.go . Service

// Service определяет интерфейс локального хранилища записей
type Service interface {
	// Store validates and atomically writes the entity (insert or replace)
	Store(ctx context.Context, t models.EntityType, e *models.Entity, opts Options) error

	// Get returns the entity including a soft-deleted one
	// Returns storage.ErrEntityNotFound if it was never stored or has been purged
	Get(ctx context.Context, t models.EntityType, id string) (*models.Entity, error)

	// GetAll returns entities of a type. Soft-deleted ones are skipped unless requested.
	GetAll(ctx context.Context, t models.EntityType, f Filter) ([]*models.Entity, error)

	// Delete marks the entity as deleted (soft delete) with the given sync status
	Delete(ctx context.Context, t models.EntityType, id string, status models.SyncStatus) (*models.Entity, error)

	// Purge physically removes the entity
	Purge(ctx context.Context, t models.EntityType, id string) error

	// Rekey moves the entity from oldID to e.ID in one write
	Rekey(ctx context.Context, t models.EntityType, oldID string, e *models.Entity, opts Options) error

	// Export returns every record family as stored (sensitive fields stay encrypted)
	Export(ctx context.Context) (*storage.Snapshot, error)

	// Import replaces every record family with the snapshot
	Import(ctx context.Context, snap *storage.Snapshot) error
}

// Options параметры записи
type Options struct {
	Encrypt  bool // Encrypt шифровать чувствительные поля (если слой шифрования включен)
	Compress bool // Compress сжимать payload независимо от размера
}

// Filter условия выборки GetAll
type Filter struct {
	Match          func(e *models.Entity) bool // Match дополнительное условие
	Status         models.SyncStatus           // Status только записи с этим статусом
	IncludeDeleted bool                        // IncludeDeleted включать soft-deleted записи
}

// Config настройки хранилища
type Config struct {
	CompressThreshold int
}

type service struct {
	backend   storage.Backend
	enc       encryption.Service
	logger    *slog.Logger
	threshold int
}

// NewService creates a new local entity store
func NewService(backend storage.Backend, enc encryption.Service, cfg Config, logger *slog.Logger) Service {
	threshold := cfg.CompressThreshold
	if threshold <= 0 {
		threshold = DefaultCompressThreshold
	}
	return &service{
		backend:   backend,
		enc:       enc,
		logger:    logger,
		threshold: threshold,
	}
}

// Store validates the entity and writes it in one backend operation
func (s *service) Store(ctx context.Context, t models.EntityType, e *models.Entity, opts Options) error {
	rec, err := s.encode(t, e, opts)
	if err != nil {
		return err
	}

	if err := s.backend.SaveEntity(ctx, rec); err != nil {
		return fmt.Errorf("failed to store entity: %w", err)
	}

	s.logger.Debug("Entity stored",
		"entity_type", t,
		"entity_id", e.ID,
		"version", e.Version,
		"compressed", rec.Compressed,
		"encrypted_fields", len(rec.EncryptedFields))
	return nil
}

func (s *service) Get(ctx context.Context, t models.EntityType, id string) (*models.Entity, error) {
	if !t.Valid() {
		return nil, &models.ValidationError{Type: t, Reason: "unknown entity type"}
	}

	rec, err := s.backend.GetEntity(ctx, t, id)
	if err != nil {
		if errors.Is(err, storage.ErrEntityNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}

	return s.decode(rec)
}

func (s *service) GetAll(ctx context.Context, t models.EntityType, f Filter) ([]*models.Entity, error) {
	if !t.Valid() {
		return nil, &models.ValidationError{Type: t, Reason: "unknown entity type"}
	}

	records, err := s.backend.ListEntities(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}

	entities := make([]*models.Entity, 0, len(records))
	for _, rec := range records {
		if rec.IsDeleted && !f.IncludeDeleted {
			continue
		}
		if f.Status != "" && rec.SyncStatus != f.Status {
			continue
		}

		e, err := s.decode(rec)
		if err != nil {
			return nil, err
		}
		if f.Match != nil && !f.Match(e) {
			continue
		}
		entities = append(entities, e)
	}

	return entities, nil
}

// Delete выполняет soft delete: запись остается до подтверждения сервером.
// Статус передает вызывающий: переходами sync status управляет фасад.
func (s *service) Delete(ctx context.Context, t models.EntityType, id string, status models.SyncStatus) (*models.Entity, error) {
	current, err := s.Get(ctx, t, id)
	if err != nil {
		return nil, err
	}

	deleted := current.Clone()
	deleted.IsDeleted = true
	deleted.SyncStatus = status
	deleted.Version++
	deleted.LastModified = time.Now().UTC()

	if err := s.Store(ctx, t, deleted, Options{Encrypt: true}); err != nil {
		return nil, err
	}
	return deleted, nil
}

func (s *service) Purge(ctx context.Context, t models.EntityType, id string) error {
	if err := s.backend.PurgeEntity(ctx, t, id); err != nil {
		if errors.Is(err, storage.ErrEntityNotFound) {
			return err
		}
		return fmt.Errorf("failed to purge entity: %w", err)
	}
	return nil
}

// Rekey перешифровывает запись под новым id: шифротекст привязан к id записи
func (s *service) Rekey(ctx context.Context, t models.EntityType, oldID string, e *models.Entity, opts Options) error {
	rec, err := s.encode(t, e, opts)
	if err != nil {
		return err
	}

	if err := s.backend.RekeyEntity(ctx, oldID, rec); err != nil {
		return fmt.Errorf("failed to rekey entity: %w", err)
	}

	s.logger.Info("Entity re-keyed", "entity_type", t, "old_id", oldID, "entity_id", e.ID)
	return nil
}

func (s *service) Export(ctx context.Context) (*storage.Snapshot, error) {
	snap, err := s.backend.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to export data: %w", err)
	}
	return snap, nil
}

func (s *service) Import(ctx context.Context, snap *storage.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("snapshot cannot be nil")
	}
	for _, rec := range snap.Entities {
		if !rec.Type.Valid() {
			return &models.ValidationError{Type: rec.Type, Reason: "unknown entity type in snapshot"}
		}
	}
	if err := s.backend.Restore(ctx, snap); err != nil {
		return fmt.Errorf("failed to import data: %w", err)
	}
	s.logger.Info("Data imported",
		"entities", len(snap.Entities),
		"queue", len(snap.Queue),
		"conflicts", len(snap.Conflicts))
	return nil
}

// encode валидирует запись и строит EntityRecord:
// JSON доменных полей -> шифрование чувствительных полей -> snappy
func (s *service) encode(t models.EntityType, e *models.Entity, opts Options) (*storage.EntityRecord, error) {
	if e == nil {
		return nil, fmt.Errorf("entity cannot be nil")
	}
	if e.ID == "" {
		return nil, &models.ValidationError{Type: t, Field: models.FieldID, Reason: "id is required"}
	}
	if e.Type != "" && e.Type != t {
		return nil, &models.ValidationError{Type: t, Reason: fmt.Sprintf("entity has type %q", e.Type)}
	}

	schema, err := models.SchemaFor(t)
	if err != nil {
		return nil, &models.ValidationError{Type: t, Reason: "unknown entity type"}
	}

	fields, err := models.NormalizeFields(e.Fields)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(fields, false); err != nil {
		return nil, err
	}

	toStore := e.Clone()
	toStore.Type = t
	toStore.Fields = fields
	var encrypted []string
	if opts.Encrypt && s.enc != nil {
		toStore, encrypted, err = s.enc.EncryptEntity(t, toStore)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt entity: %w", err)
		}
	}

	payload, err := json.Marshal(toStore.Fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fields: %w", err)
	}

	compressed := false
	if opts.Compress || len(payload) >= s.threshold {
		payload = snappy.Encode(nil, payload)
		compressed = true
	}

	return &storage.EntityRecord{
		ID:              e.ID,
		Type:            t,
		CreatedAt:       e.CreatedAt,
		LastModified:    e.LastModified,
		SyncStatus:      e.SyncStatus,
		LastError:       e.LastError,
		Payload:         payload,
		EncryptedFields: encrypted,
		Version:         e.Version,
		ServerVersion:   e.ServerVersion,
		Compressed:      compressed,
		IsDeleted:       e.IsDeleted,
	}, nil
}

// decode обратная операция к encode
func (s *service) decode(rec *storage.EntityRecord) (*models.Entity, error) {
	payload := rec.Payload
	if rec.Compressed {
		var err error
		payload, err = snappy.Decode(nil, rec.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress entity %s: %w", models.EntityKey(rec.Type, rec.ID), err)
		}
	}

	fields := make(map[string]any)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal entity %s: %w", models.EntityKey(rec.Type, rec.ID), err)
		}
	}

	e := &models.Entity{
		ID:            rec.ID,
		Type:          rec.Type,
		Fields:        fields,
		CreatedAt:     rec.CreatedAt,
		LastModified:  rec.LastModified,
		SyncStatus:    rec.SyncStatus,
		LastError:     rec.LastError,
		Version:       rec.Version,
		ServerVersion: rec.ServerVersion,
		IsDeleted:     rec.IsDeleted,
	}

	// Расшифровываются только поля, записанные в EncryptedFields при encode
	if len(rec.EncryptedFields) == 0 {
		return e, nil
	}
	if s.enc == nil {
		return nil, fmt.Errorf("entity %s: %w", models.EntityKey(rec.Type, rec.ID), encryption.ErrKeyRequired)
	}

	plain, err := s.enc.DecryptEntity(rec.Type, e, rec.EncryptedFields)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt entity %s: %w", models.EntityKey(rec.Type, rec.ID), err)
	}
	return plain, nil
}
