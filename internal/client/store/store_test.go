package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/tasksync/internal/client/encryption"
	"github.com/iudanet/tasksync/internal/client/storage"
	"github.com/iudanet/tasksync/internal/client/storage/boltdb"
	"github.com/iudanet/tasksync/internal/crypto"
	"github.com/iudanet/tasksync/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setupStore создает хранилище поверх временной BoltDB
func setupStore(t *testing.T, secret string) (Service, *boltdb.Storage) {
	t.Helper()
	ctx := context.Background()

	backend, err := boltdb.New(ctx, filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, backend.Close())
	})

	enc, err := encryption.NewService(ctx, backend, encryption.Options{
		Secret: secret,
		KDF:    crypto.KDFParams{Time: 1, Memory: 8 * 1024, Threads: 1},
		Sensitive: map[models.EntityType][]string{
			models.EntityTypeTask: {"notes"},
		},
	}, testLogger())
	require.NoError(t, err)

	return NewService(backend, enc, Config{CompressThreshold: 256}, testLogger()), backend
}

func newTask(id, title string) *models.Entity {
	now := time.Now().UTC()
	return &models.Entity{
		ID:           id,
		Type:         models.EntityTypeTask,
		CreatedAt:    now,
		LastModified: now,
		SyncStatus:   models.SyncStatusPendingCreate,
		Version:      1,
		Fields: map[string]any{
			"title":    title,
			"priority": "low",
			"estimate": 3,
			"notes":    "secret note",
		},
	}
}

func TestStore_GetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, backend := setupStore(t, "secret")

	task := newTask("t1", "Buy milk")
	require.NoError(t, s.Store(ctx, models.EntityTypeTask, task, Options{Encrypt: true}))

	got, err := s.Get(ctx, models.EntityTypeTask, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusPendingCreate, got.SyncStatus)
	assert.Equal(t, "Buy milk", got.Fields["title"])
	assert.Equal(t, "secret note", got.Fields["notes"])
	// Числа возвращаются в JSON-представлении
	assert.Equal(t, 3.0, got.Fields["estimate"])

	// На диске чувствительное поле зашифровано
	rec, err := backend.GetEntity(ctx, models.EntityTypeTask, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"notes"}, rec.EncryptedFields)
	assert.NotContains(t, string(rec.Payload), "secret note")
	assert.Contains(t, string(rec.Payload), "Buy milk")
}

func TestStore_PrefixLikeValuesStayReadable(t *testing.T) {
	ctx := context.Background()

	for _, secret := range []string{"", "secret"} {
		t.Run("secret="+secret, func(t *testing.T) {
			s, _ := setupStore(t, secret)

			task := newTask("t1", encryption.Prefix+"x")
			task.Fields["notes"] = encryption.Prefix + "hello"
			require.NoError(t, s.Store(ctx, models.EntityTypeTask, task, Options{Encrypt: true}))

			got, err := s.Get(ctx, models.EntityTypeTask, "t1")
			require.NoError(t, err)
			assert.Equal(t, encryption.Prefix+"x", got.Fields["title"])
			assert.Equal(t, encryption.Prefix+"hello", got.Fields["notes"])

			all, err := s.GetAll(ctx, models.EntityTypeTask, Filter{})
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.Equal(t, encryption.Prefix+"x", all[0].Fields["title"])
		})
	}
}

func TestStore_Validation(t *testing.T) {
	ctx := context.Background()
	s, _ := setupStore(t, "")

	tests := []struct {
		entity *models.Entity
		name   string
		typ    models.EntityType
	}{
		{
			name:   "missing id",
			typ:    models.EntityTypeTask,
			entity: &models.Entity{Fields: map[string]any{"title": "x"}},
		},
		{
			name:   "missing required title",
			typ:    models.EntityTypeTask,
			entity: &models.Entity{ID: "t1", Fields: map[string]any{"priority": "low"}},
		},
		{
			name:   "bad enum",
			typ:    models.EntityTypeTask,
			entity: &models.Entity{ID: "t1", Fields: map[string]any{"title": "x", "priority": "asap"}},
		},
		{
			name:   "unknown type",
			typ:    models.EntityType("note"),
			entity: &models.Entity{ID: "n1", Fields: map[string]any{"title": "x"}},
		},
		{
			name:   "type mismatch",
			typ:    models.EntityTypeWorkspace,
			entity: &models.Entity{ID: "w1", Type: models.EntityTypeTask, Fields: map[string]any{"name": "x"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Store(ctx, tt.typ, tt.entity, Options{})
			var verr *models.ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}
}

func TestStore_Compression(t *testing.T) {
	ctx := context.Background()
	s, backend := setupStore(t, "")

	small := newTask("small", "short")
	require.NoError(t, s.Store(ctx, models.EntityTypeTask, small, Options{}))

	forced := newTask("forced", "short")
	require.NoError(t, s.Store(ctx, models.EntityTypeTask, forced, Options{Compress: true}))

	big := newTask("big", "big")
	big.Fields["description"] = strings.Repeat("lorem ipsum ", 100)
	require.NoError(t, s.Store(ctx, models.EntityTypeTask, big, Options{}))

	tests := []struct {
		id         string
		compressed bool
	}{
		{id: "small", compressed: false},
		{id: "forced", compressed: true},
		{id: "big", compressed: true},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			rec, err := backend.GetEntity(ctx, models.EntityTypeTask, tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.compressed, rec.Compressed)

			got, err := s.Get(ctx, models.EntityTypeTask, tt.id)
			require.NoError(t, err)
			assert.NotEmpty(t, got.Fields["title"])
		})
	}

	got, err := s.Get(ctx, models.EntityTypeTask, "big")
	require.NoError(t, err)
	assert.Equal(t, big.Fields["description"], got.Fields["description"])
}

func TestStore_SoftDeleteAndGetAll(t *testing.T) {
	ctx := context.Background()
	s, _ := setupStore(t, "secret")

	require.NoError(t, s.Store(ctx, models.EntityTypeTask, newTask("t1", "one"), Options{Encrypt: true}))
	require.NoError(t, s.Store(ctx, models.EntityTypeTask, newTask("t2", "two"), Options{Encrypt: true}))

	deleted, err := s.Delete(ctx, models.EntityTypeTask, "t1", models.SyncStatusPendingDelete)
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)
	assert.Equal(t, int64(2), deleted.Version)
	assert.Equal(t, models.SyncStatusPendingDelete, deleted.SyncStatus)

	all, err := s.GetAll(ctx, models.EntityTypeTask, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "t2", all[0].ID)

	all, err = s.GetAll(ctx, models.EntityTypeTask, Filter{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	pending, err := s.GetAll(ctx, models.EntityTypeTask, Filter{
		IncludeDeleted: true,
		Status:         models.SyncStatusPendingDelete,
	})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "t1", pending[0].ID)

	matched, err := s.GetAll(ctx, models.EntityTypeTask, Filter{
		Match: func(e *models.Entity) bool { return e.Fields["title"] == "two" },
	})
	require.NoError(t, err)
	assert.Len(t, matched, 1)

	// Soft-deleted запись по-прежнему доступна через Get
	got, err := s.Get(ctx, models.EntityTypeTask, "t1")
	require.NoError(t, err)
	assert.True(t, got.IsDeleted)

	require.NoError(t, s.Purge(ctx, models.EntityTypeTask, "t1"))
	_, err = s.Get(ctx, models.EntityTypeTask, "t1")
	require.ErrorIs(t, err, storage.ErrEntityNotFound)
}

func TestStore_FailedWriteKeepsPriorState(t *testing.T) {
	ctx := context.Background()
	s, backend := setupStore(t, "")

	require.NoError(t, s.Store(ctx, models.EntityTypeTask, newTask("t1", "original"), Options{}))

	// Невалидная запись не доходит до хранилища
	broken := newTask("t1", "")
	require.Error(t, s.Store(ctx, models.EntityTypeTask, broken, Options{}))

	got, err := s.Get(ctx, models.EntityTypeTask, "t1")
	require.NoError(t, err)
	assert.Equal(t, "original", got.Fields["title"])

	// Отказ хранилища возвращается как типизированная StorageError
	require.NoError(t, backend.Close())
	err = s.Store(ctx, models.EntityTypeTask, newTask("t1", "changed"), Options{})
	require.Error(t, err)
	assert.True(t, storage.IsStorageError(err))
	require.ErrorIs(t, err, storage.ErrStorageClosed)
}

func TestStore_Rekey(t *testing.T) {
	ctx := context.Background()
	s, _ := setupStore(t, "secret")

	require.NoError(t, s.Store(ctx, models.EntityTypeTask, newTask("local-uuid", "Buy milk"), Options{Encrypt: true}))

	e, err := s.Get(ctx, models.EntityTypeTask, "local-uuid")
	require.NoError(t, err)
	e.ID = "42"
	e.SyncStatus = models.SyncStatusSynced
	require.NoError(t, s.Rekey(ctx, models.EntityTypeTask, "local-uuid", e, Options{Encrypt: true}))

	_, err = s.Get(ctx, models.EntityTypeTask, "local-uuid")
	require.ErrorIs(t, err, storage.ErrEntityNotFound)

	got, err := s.Get(ctx, models.EntityTypeTask, "42")
	require.NoError(t, err)
	assert.Equal(t, "secret note", got.Fields["notes"])
	assert.Equal(t, models.SyncStatusSynced, got.SyncStatus)
}

func TestStore_ExportImport(t *testing.T) {
	ctx := context.Background()
	s, _ := setupStore(t, "secret")

	require.NoError(t, s.Store(ctx, models.EntityTypeTask, newTask("t1", "one"), Options{Encrypt: true}))
	snap, err := s.Export(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Entities, 1)

	require.NoError(t, s.Purge(ctx, models.EntityTypeTask, "t1"))
	require.NoError(t, s.Import(ctx, snap))

	got, err := s.Get(ctx, models.EntityTypeTask, "t1")
	require.NoError(t, err)
	assert.Equal(t, "secret note", got.Fields["notes"])

	assert.Error(t, s.Import(ctx, nil))
}
