// Package storagetest содержит общий набор тестов, который проходит каждая
// реализация storage.Backend.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/tasksync/internal/client/storage"
	"github.com/iudanet/tasksync/internal/models"
)

// Opener opens a fresh, empty backend. The backend is closed by the suite.
type Opener func(t *testing.T) storage.Backend

// Run runs the backend conformance suite.
func Run(t *testing.T, open Opener) {
	t.Helper()

	tests := []struct {
		fn   func(t *testing.T, b storage.Backend)
		name string
	}{
		{name: "Entities", fn: testEntities},
		{name: "EntityRekey", fn: testRekey},
		{name: "Queue", fn: testQueue},
		{name: "Conflicts", fn: testConflicts},
		{name: "Cache", fn: testCache},
		{name: "Metadata", fn: testMetadata},
		{name: "UsageAndSnapshot", fn: testUsageAndSnapshot},
		{name: "Closed", fn: testClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := open(t)
			defer func() {
				require.NoError(t, b.Close())
			}()
			tt.fn(t, b)
		})
	}
}

func testRecord(t models.EntityType, id string) *storage.EntityRecord {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &storage.EntityRecord{
		ID:           id,
		Type:         t,
		CreatedAt:    now,
		LastModified: now,
		SyncStatus:   models.SyncStatusPendingCreate,
		Payload:      []byte(`{"title":"Buy milk"}`),
		Version:      1,
	}
}

func testEntities(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	_, err := b.GetEntity(ctx, models.EntityTypeTask, "missing")
	require.ErrorIs(t, err, storage.ErrEntityNotFound)

	rec := testRecord(models.EntityTypeTask, "t1")
	require.NoError(t, b.SaveEntity(ctx, rec))
	require.NoError(t, b.SaveEntity(ctx, testRecord(models.EntityTypeWorkspace, "w1")))

	got, err := b.GetEntity(ctx, models.EntityTypeTask, "t1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.Payload, got.Payload)
	assert.Equal(t, rec.SyncStatus, got.SyncStatus)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))

	// Одинаковые id разных типов не пересекаются
	_, err = b.GetEntity(ctx, models.EntityTypeWorkspace, "t1")
	require.ErrorIs(t, err, storage.ErrEntityNotFound)

	rec.IsDeleted = true
	rec.Version = 2
	require.NoError(t, b.SaveEntity(ctx, rec))

	list, err := b.ListEntities(ctx, models.EntityTypeTask)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].IsDeleted)
	assert.Equal(t, int64(2), list[0].Version)

	require.NoError(t, b.PurgeEntity(ctx, models.EntityTypeTask, "t1"))
	err = b.PurgeEntity(ctx, models.EntityTypeTask, "t1")
	require.ErrorIs(t, err, storage.ErrEntityNotFound)

	list, err = b.ListEntities(ctx, models.EntityTypeTask)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func testRekey(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	rec := testRecord(models.EntityTypeTask, "local-id")
	require.NoError(t, b.SaveEntity(ctx, rec))

	rekeyed := testRecord(models.EntityTypeTask, "server-id")
	rekeyed.SyncStatus = models.SyncStatusSynced
	require.NoError(t, b.RekeyEntity(ctx, "local-id", rekeyed))

	_, err := b.GetEntity(ctx, models.EntityTypeTask, "local-id")
	require.ErrorIs(t, err, storage.ErrEntityNotFound)

	got, err := b.GetEntity(ctx, models.EntityTypeTask, "server-id")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSynced, got.SyncStatus)
}

func testQueue(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	_, err := b.GetQueueItem(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrQueueItemNotFound)

	item := &models.SyncQueueItem{
		ID:          "01HZZZZZZZZZZZZZZZZZZZZZZ1",
		CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
		EntityType:  models.EntityTypeTask,
		EntityID:    "t1",
		Action:      models.ActionUpdate,
		Payload:     map[string]any{"priority": "high"},
		MaxRetries:  5,
		BaseVersion: 3,
		Seq:         7,
	}
	require.NoError(t, b.SaveQueueItem(ctx, item))

	item.RetryCount = 1
	item.LastError = "timeout"
	require.NoError(t, b.SaveQueueItem(ctx, item))

	got, err := b.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "timeout", got.LastError)
	assert.Equal(t, map[string]any{"priority": "high"}, got.Payload)
	assert.Equal(t, uint64(7), got.Seq)

	list, err := b.ListQueueItems(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, b.DeleteQueueItem(ctx, item.ID))
	require.ErrorIs(t, b.DeleteQueueItem(ctx, item.ID), storage.ErrQueueItemNotFound)
}

func testConflicts(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	_, err := b.GetConflict(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrConflictNotFound)

	c := &models.Conflict{
		ID:             "c1",
		Timestamp:      time.Now().UTC(),
		EntityType:     models.EntityTypeTask,
		EntityID:       "t1",
		SyncAction:     models.ActionUpdate,
		LocalData:      map[string]any{"title": "Milk 2%"},
		ServerData:     map[string]any{"title": "Milk", "priority": "high"},
		ConflictFields: []string{"priority", "title"},
		ServerVersion:  4,
	}
	require.NoError(t, b.SaveConflict(ctx, c))

	c.Resolved = true
	c.Resolution = models.ResolutionMerge
	require.NoError(t, b.SaveConflict(ctx, c))

	got, err := b.GetConflict(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, got.Resolved)
	assert.Equal(t, models.ResolutionMerge, got.Resolution)
	assert.Equal(t, []string{"priority", "title"}, got.ConflictFields)

	list, err := b.ListConflicts(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, b.DeleteConflict(ctx, "c1"))
	require.ErrorIs(t, b.DeleteConflict(ctx, "c1"), storage.ErrConflictNotFound)
}

func testCache(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	_, err := b.GetCachedResponse(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrCacheMiss)

	now := time.Now().UTC()
	resp := &models.CachedResponse{
		ID:        models.CacheID("/api/tasks"),
		URL:       "/api/tasks",
		Snapshot:  []byte(`[{"id":"t1"}]`),
		Timestamp: now,
		TTL:       time.Minute,
		ExpiresAt: now.Add(time.Minute),
	}
	require.NoError(t, b.SaveCachedResponse(ctx, resp))

	got, err := b.GetCachedResponse(ctx, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, resp.Snapshot, got.Snapshot)
	assert.False(t, got.Expired(now))

	list, err := b.ListCachedResponses(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, b.DeleteCachedResponse(ctx, resp.ID))
	require.ErrorIs(t, b.DeleteCachedResponse(ctx, resp.ID), storage.ErrCacheMiss)
}

func testMetadata(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	_, err := b.GetMeta(ctx, "salt")
	require.ErrorIs(t, err, storage.ErrMetaNotFound)

	require.NoError(t, b.SaveMeta(ctx, "salt", []byte("abc")))
	require.NoError(t, b.SaveMeta(ctx, "salt", []byte("xyz")))

	got, err := b.GetMeta(ctx, "salt")
	require.NoError(t, err)
	assert.Equal(t, []byte("xyz"), got)
}

func testUsageAndSnapshot(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	require.NoError(t, b.SaveEntity(ctx, testRecord(models.EntityTypeTask, "t1")))
	require.NoError(t, b.SaveEntity(ctx, testRecord(models.EntityTypeFile, "f1")))
	require.NoError(t, b.SaveQueueItem(ctx, &models.SyncQueueItem{
		ID: "q1", EntityType: models.EntityTypeTask, EntityID: "t1", Action: models.ActionCreate,
	}))
	require.NoError(t, b.SaveMeta(ctx, "k", []byte("v")))

	usage, err := b.Usage(ctx)
	require.NoError(t, err)
	assert.Positive(t, usage.ByType[models.EntityTypeTask])
	assert.Positive(t, usage.ByType[models.EntityTypeFile])
	assert.Zero(t, usage.ByType[models.EntityTypeWorkspace])
	assert.Positive(t, usage.ByFamily[storage.FamilyQueue])
	assert.Zero(t, usage.ByFamily[storage.FamilyConflicts])
	assert.Equal(t, usage.ByType[models.EntityTypeTask]+usage.ByType[models.EntityTypeFile],
		usage.ByFamily[storage.FamilyEntities])
	assert.Positive(t, usage.Total())

	snap, err := b.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Entities, 2)
	assert.Len(t, snap.Queue, 1)
	assert.Equal(t, []byte("v"), snap.Metadata["k"])

	// Меняем состояние и восстанавливаем снимок
	require.NoError(t, b.PurgeEntity(ctx, models.EntityTypeTask, "t1"))
	require.NoError(t, b.SaveConflict(ctx, &models.Conflict{ID: "c1", EntityType: models.EntityTypeTask, EntityID: "t1"}))

	require.NoError(t, b.Restore(ctx, snap))

	_, err = b.GetEntity(ctx, models.EntityTypeTask, "t1")
	require.NoError(t, err)
	conflicts, err := b.ListConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
	_, err = b.GetQueueItem(ctx, "q1")
	require.NoError(t, err)
}

func testClosed(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	require.NoError(t, b.Close())

	err := b.SaveEntity(ctx, testRecord(models.EntityTypeTask, "t1"))
	require.ErrorIs(t, err, storage.ErrStorageClosed)
	assert.True(t, storage.IsStorageError(err))

	_, err = b.GetMeta(ctx, "k")
	require.ErrorIs(t, err, storage.ErrStorageClosed)

	_, err = b.Usage(ctx)
	require.ErrorIs(t, err, storage.ErrStorageClosed)
}
