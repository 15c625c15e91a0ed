package offline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clientapi "github.com/iudanet/tasksync/internal/client/api"
	"github.com/iudanet/tasksync/internal/client/encryption"
	"github.com/iudanet/tasksync/internal/client/events"
	"github.com/iudanet/tasksync/internal/client/search"
	"github.com/iudanet/tasksync/internal/client/storage"
	"github.com/iudanet/tasksync/internal/client/storage/boltdb"
	"github.com/iudanet/tasksync/internal/client/store"
	clientsync "github.com/iudanet/tasksync/internal/client/sync"
	"github.com/iudanet/tasksync/internal/config"
	"github.com/iudanet/tasksync/internal/models"
	"github.com/iudanet/tasksync/internal/server"
	"github.com/iudanet/tasksync/internal/server/handlers"
	serversqlite "github.com/iudanet/tasksync/internal/server/storage/sqlite"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startServer поднимает эталонный сервер; канонические id выдаются с "42"
func startServer(t *testing.T) (*serversqlite.Storage, *clientapi.Client) {
	t.Helper()
	st, err := serversqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	var next atomic.Int64
	next.Store(41)
	router := server.NewRouter(server.Config{Version: "test"}, st, st, testLogger(),
		handlers.WithIDGenerator(func() string { return strconv.FormatInt(next.Add(1), 10) }))

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return st, clientapi.NewClient(srv.URL, 5*time.Second, testLogger())
}

func newOptions(t *testing.T, remote clientapi.Remote) Options {
	t.Helper()
	backend, err := boltdb.New(context.Background(), filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)

	return Options{
		Backend:   backend,
		Remote:    remote,
		TextPaths: config.Defaults().TextPaths(),
		Sync: clientsync.Config{
			BaseBackoff: 10 * time.Millisecond,
			MaxBackoff:  time.Second,
		},
		CacheTTL:   time.Minute,
		MaxRetries: 3,
	}
}

func setupManager(t *testing.T, remote clientapi.Remote) *Manager {
	t.Helper()
	m := New(newOptions(t, remote), testLogger())
	require.NoError(t, m.Initialize(context.Background()))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManager_Lifecycle(t *testing.T) {
	ctx := context.Background()
	m := New(newOptions(t, nil), testLogger())
	assert.Equal(t, StateUninitialized, m.State())

	_, err := m.CreateEntity(ctx, models.EntityTypeTask, map[string]any{"title": "x"})
	assert.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, m.Initialize(ctx))
	assert.Equal(t, StateReady, m.State())
	assert.Error(t, m.Initialize(ctx))

	_, err = m.CreateEntity(ctx, models.EntityTypeTask, map[string]any{"title": "x"})
	require.NoError(t, err)

	_, err = m.Sync(ctx)
	assert.ErrorIs(t, err, ErrNoRemote)

	require.NoError(t, m.Close())
	assert.Equal(t, StateClosed, m.State())
	require.NoError(t, m.Close())

	_, err = m.GetEntities(ctx, models.EntityTypeTask, store.Filter{})
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestManager_CreateValidation(t *testing.T) {
	m := setupManager(t, nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		t      models.EntityType
		fields map[string]any
	}{
		{name: "missing required", t: models.EntityTypeTask, fields: map[string]any{"description": "x"}},
		{name: "unknown field", t: models.EntityTypeTask, fields: map[string]any{"title": "x", "color": "red"}},
		{name: "bad enum", t: models.EntityTypeTask, fields: map[string]any{"title": "x", "priority": "someday"}},
		{name: "system field", t: models.EntityTypeWorkspace, fields: map[string]any{"name": "x", "version": 3}},
		{name: "unknown type", t: models.EntityType("note"), fields: map[string]any{"title": "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.CreateEntity(ctx, tt.t, tt.fields)
			var verr *models.ValidationError
			assert.True(t, errors.As(err, &verr), "expected validation error, got %v", err)
		})
	}

	items, err := m.Queue(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestManager_CreateAndSync(t *testing.T) {
	_, remote := startServer(t)
	m := setupManager(t, remote)
	ctx := context.Background()

	created, err := m.CreateEntity(ctx, models.EntityTypeTask, map[string]any{"title": "Buy milk"})
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusPendingCreate, created.SyncStatus)
	assert.Equal(t, int64(1), created.Version)
	assert.Zero(t, created.ServerVersion)

	items, err := m.Queue(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, models.ActionCreate, items[0].Action)

	res, err := m.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	synced, err := m.GetEntity(ctx, models.EntityTypeTask, "42")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSynced, synced.SyncStatus)
	assert.Equal(t, int64(1), synced.ServerVersion)
	assert.Equal(t, "Buy milk", synced.Fields["title"])

	_, err = m.GetEntity(ctx, models.EntityTypeTask, created.ID)
	assert.ErrorIs(t, err, storage.ErrEntityNotFound)

	items, err = m.Queue(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)

	// Повторный проход ничего не отправляет
	res, err = m.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Processed())

	hits, err := m.SearchEntities(ctx, "milk", search.Options{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "42", hits[0].Entity.ID)
}

func TestManager_UpdateSendsDelta(t *testing.T) {
	st, remote := startServer(t)
	m := setupManager(t, remote)
	ctx := context.Background()

	_, err := m.CreateEntity(ctx, models.EntityTypeTask, map[string]any{"title": "Buy milk", "description": "2 liters"})
	require.NoError(t, err)
	_, err = m.Sync(ctx)
	require.NoError(t, err)

	updated, err := m.UpdateEntity(ctx, models.EntityTypeTask, "42", map[string]any{"status": "done", "description": nil})
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusPendingUpdate, updated.SyncStatus)
	assert.Equal(t, int64(2), updated.Version)
	assert.NotContains(t, updated.Fields, "description")

	items, err := m.Queue(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, models.ActionUpdate, items[0].Action)
	assert.Equal(t, int64(1), items[0].BaseVersion)
	assert.Equal(t, map[string]any{"status": "done", "description": nil}, items[0].Payload)

	// Изменение без разницы не ставится в очередь
	same, err := m.UpdateEntity(ctx, models.EntityTypeTask, "42", map[string]any{"status": "done"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), same.Version)

	res, err := m.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	rec, err := st.Get(ctx, "task", "42")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Version)
	assert.Equal(t, map[string]any{"title": "Buy milk", "status": "done"}, rec.Fields)

	local, err := m.GetEntity(ctx, models.EntityTypeTask, "42")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSynced, local.SyncStatus)
	assert.Equal(t, int64(2), local.ServerVersion)
}

func TestManager_ConflictMerge(t *testing.T) {
	st, remote := startServer(t)
	m := setupManager(t, remote)
	ctx := context.Background()

	_, err := m.CreateEntity(ctx, models.EntityTypeTask, map[string]any{"title": "Buy milk"})
	require.NoError(t, err)
	_, err = m.Sync(ctx)
	require.NoError(t, err)

	// Другой клиент меняет запись на сервере
	_, err = st.Put(ctx, "task", "42", map[string]any{"title": "Buy milk", "priority": "high"})
	require.NoError(t, err)

	_, err = m.UpdateEntity(ctx, models.EntityTypeTask, "42", map[string]any{"status": "done"})
	require.NoError(t, err)

	res, err := m.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicted)

	local, err := m.GetEntity(ctx, models.EntityTypeTask, "42")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusConflict, local.SyncStatus)
	assert.Equal(t, int64(2), local.ServerVersion)

	_, err = m.UpdateEntity(ctx, models.EntityTypeTask, "42", map[string]any{"title": "x"})
	assert.ErrorIs(t, err, ErrConflictPending)
	assert.ErrorIs(t, m.DeleteEntity(ctx, models.EntityTypeTask, "42"), ErrConflictPending)

	conflicts, err := m.Conflicts(ctx, true)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.Equal(t, []string{"priority", "status"}, c.ConflictFields)
	assert.Equal(t, int64(2), c.ServerVersion)

	resolved, err := m.ResolveConflict(ctx, c.ID, models.ResolutionMerge, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"title": "Buy milk", "priority": "high", "status": "done"}, resolved.ResolvedData)

	items, err := m.Queue(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, models.PriorityHigh, items[0].Priority)
	assert.Equal(t, int64(2), items[0].BaseVersion)
	assert.Equal(t, map[string]any{"status": "done"}, items[0].Payload)

	res, err = m.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	local, err = m.GetEntity(ctx, models.EntityTypeTask, "42")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSynced, local.SyncStatus)
	assert.Equal(t, int64(3), local.ServerVersion)
	assert.Equal(t, map[string]any{"title": "Buy milk", "priority": "high", "status": "done"}, local.Fields)

	pending, err := m.Conflicts(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = m.ResolveConflict(ctx, c.ID, models.ResolutionLocal, nil)
	assert.Error(t, err)
}

func TestManager_ConflictRemoteWins(t *testing.T) {
	st, remote := startServer(t)
	m := setupManager(t, remote)
	ctx := context.Background()

	_, err := m.CreateEntity(ctx, models.EntityTypeTask, map[string]any{"title": "Buy milk"})
	require.NoError(t, err)
	_, err = m.Sync(ctx)
	require.NoError(t, err)

	_, err = st.Put(ctx, "task", "42", map[string]any{"title": "Buy oat milk"})
	require.NoError(t, err)

	require.NoError(t, m.DeleteEntity(ctx, models.EntityTypeTask, "42"))
	res, err := m.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicted)

	conflicts, err := m.Conflicts(ctx, true)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, models.ActionDelete, conflicts[0].SyncAction)

	_, err = m.ResolveConflict(ctx, conflicts[0].ID, models.ResolutionRemote, nil)
	require.NoError(t, err)

	local, err := m.GetEntity(ctx, models.EntityTypeTask, "42")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSynced, local.SyncStatus)
	assert.Equal(t, "Buy oat milk", local.Fields["title"])

	items, err := m.Queue(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestManager_DeleteSynced(t *testing.T) {
	st, remote := startServer(t)
	m := setupManager(t, remote)
	ctx := context.Background()

	_, err := m.CreateEntity(ctx, models.EntityTypeTask, map[string]any{"title": "Buy milk"})
	require.NoError(t, err)
	_, err = m.Sync(ctx)
	require.NoError(t, err)

	require.NoError(t, m.DeleteEntity(ctx, models.EntityTypeTask, "42"))

	_, err = m.GetEntity(ctx, models.EntityTypeTask, "42")
	assert.ErrorIs(t, err, storage.ErrEntityNotFound)

	all, err := m.GetEntities(ctx, models.EntityTypeTask, store.Filter{IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, models.SyncStatusPendingDelete, all[0].SyncStatus)

	_, err = m.UpdateEntity(ctx, models.EntityTypeTask, "42", map[string]any{"title": "x"})
	assert.ErrorIs(t, err, ErrEntityDeleted)

	res, err := m.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	rec, err := st.Get(ctx, "task", "42")
	require.NoError(t, err)
	assert.True(t, rec.Deleted)

	all, err = m.GetEntities(ctx, models.EntityTypeTask, store.Filter{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestManager_CoalescingBeforeSync(t *testing.T) {
	m := setupManager(t, nil)
	ctx := context.Background()

	e, err := m.CreateEntity(ctx, models.EntityTypeTask, map[string]any{"title": "Buy milk"})
	require.NoError(t, err)
	_, err = m.UpdateEntity(ctx, models.EntityTypeTask, e.ID, map[string]any{"priority": "low"})
	require.NoError(t, err)
	updated, err := m.UpdateEntity(ctx, models.EntityTypeTask, e.ID, map[string]any{"priority": "urgent", "status": "todo"})
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusPendingCreate, updated.SyncStatus)

	items, err := m.Queue(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, models.ActionCreate, items[0].Action)
	assert.Equal(t, map[string]any{"title": "Buy milk", "priority": "urgent", "status": "todo"}, items[0].Payload)

	// create+delete: запись так и не попадает на сервер
	require.NoError(t, m.DeleteEntity(ctx, models.EntityTypeTask, e.ID))

	items, err = m.Queue(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)

	all, err := m.GetEntities(ctx, models.EntityTypeTask, store.Filter{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestManager_RetryWhenServerUnreachable(t *testing.T) {
	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close()

	m := setupManager(t, clientapi.NewClient(url, time.Second, testLogger()))
	ctx := context.Background()

	e, err := m.CreateEntity(ctx, models.EntityTypeTask, map[string]any{"title": "Buy milk"})
	require.NoError(t, err)

	res, err := m.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	items, err := m.Queue(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].RetryCount)
	assert.NotEmpty(t, items[0].LastError)
	assert.True(t, items[0].NextRetryAt.After(items[0].CreatedAt))

	local, err := m.GetEntity(ctx, models.EntityTypeTask, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusPendingCreate, local.SyncStatus)
	assert.NotEmpty(t, local.LastError)
}

func TestManager_SetOnline(t *testing.T) {
	_, remote := startServer(t)
	m := setupManager(t, remote)
	ctx := context.Background()

	ch, cancel := m.Subscribe(16)
	defer cancel()

	require.NoError(t, m.SetOnline(false))
	assert.False(t, m.Online())

	_, err := m.Sync(ctx)
	assert.Error(t, err)

	_, err = m.CreateEntity(ctx, models.EntityTypeTask, map[string]any{"title": "Buy milk"})
	require.NoError(t, err)

	want := []events.Type{events.NetworkOffline, events.EntityCreated}
	for _, typ := range want {
		select {
		case ev := <-ch:
			assert.Equal(t, typ, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("event %s not received", typ)
		}
	}

	require.NoError(t, m.SetOnline(true))
	assert.True(t, m.Online())
}

func TestManager_FetchRemoteUsesCache(t *testing.T) {
	st, remote := startServer(t)
	m := setupManager(t, remote)
	ctx := context.Background()

	_, err := m.CreateEntity(ctx, models.EntityTypeTask, map[string]any{"title": "Buy milk"})
	require.NoError(t, err)
	_, err = m.Sync(ctx)
	require.NoError(t, err)

	e, stale, err := m.FetchRemote(ctx, models.EntityTypeTask, "42")
	require.NoError(t, err)
	assert.False(t, stale)
	assert.Equal(t, "Buy milk", e.Fields["title"])

	_, err = st.Put(ctx, "task", "42", map[string]any{"title": "Buy bread"})
	require.NoError(t, err)

	// В пределах TTL ответ берется из кэша
	e, _, err = m.FetchRemote(ctx, models.EntityTypeTask, "42")
	require.NoError(t, err)
	assert.Equal(t, "Buy milk", e.Fields["title"])

	list, _, err := m.FetchRemoteList(ctx, models.EntityTypeTask)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Buy bread", list[0].Fields["title"])
}

func TestManager_SearchEntities(t *testing.T) {
	m := setupManager(t, nil)
	ctx := context.Background()

	milk, err := m.CreateEntity(ctx, models.EntityTypeTask, map[string]any{"title": "Buy milk", "tags": []any{"shopping"}})
	require.NoError(t, err)
	_, err = m.CreateEntity(ctx, models.EntityTypeWorkspace, map[string]any{"name": "Shopping list"})
	require.NoError(t, err)

	tests := []struct {
		name  string
		query string
		opts  search.Options
		want  int
	}{
		{name: "single term", query: "milk", want: 1},
		{name: "across types", query: "shopping", want: 2},
		{name: "type filter", query: "shopping", opts: search.Options{Types: []models.EntityType{models.EntityTypeWorkspace}}, want: 1},
		{name: "prefix", query: "shop", opts: search.Options{Prefix: true}, want: 2},
		{name: "no match", query: "bread", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hits, err := m.SearchEntities(ctx, tt.query, tt.opts)
			require.NoError(t, err)
			assert.Len(t, hits, tt.want)
		})
	}

	require.NoError(t, m.DeleteEntity(ctx, models.EntityTypeTask, milk.ID))
	hits, err := m.SearchEntities(ctx, "milk", search.Options{})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestManager_ExportImport(t *testing.T) {
	m := setupManager(t, nil)
	ctx := context.Background()

	first, err := m.CreateEntity(ctx, models.EntityTypeTask, map[string]any{"title": "Buy milk"})
	require.NoError(t, err)

	snap, err := m.Export(ctx)
	require.NoError(t, err)

	_, err = m.CreateEntity(ctx, models.EntityTypeTask, map[string]any{"title": "Walk the dog"})
	require.NoError(t, err)

	require.NoError(t, m.Import(ctx, snap))

	all, err := m.GetEntities(ctx, models.EntityTypeTask, store.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, first.ID, all[0].ID)

	items, err := m.Queue(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, first.ID, items[0].EntityID)

	hits, err := m.SearchEntities(ctx, "dog", search.Options{})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestManager_StatsAndCleanup(t *testing.T) {
	m := setupManager(t, nil)
	ctx := context.Background()

	_, err := m.CreateEntity(ctx, models.EntityTypeTask, map[string]any{"title": "Buy milk"})
	require.NoError(t, err)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Positive(t, stats.TotalSize)
	assert.Positive(t, stats.ByType[models.EntityTypeTask])

	res, err := m.Cleanup(ctx, false)
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	res, err = m.Cleanup(ctx, true)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
}

var errDiskFull = errors.New("disk full")

// faultyBackend отказывает в записи выбранных семейств, пока сбой включен
type faultyBackend struct {
	storage.Backend
	failEntities  atomic.Bool
	failQueue     atomic.Bool
	failConflicts atomic.Bool
}

func (b *faultyBackend) SaveEntity(ctx context.Context, rec *storage.EntityRecord) error {
	if b.failEntities.Load() {
		return errDiskFull
	}
	return b.Backend.SaveEntity(ctx, rec)
}

func (b *faultyBackend) RekeyEntity(ctx context.Context, oldID string, rec *storage.EntityRecord) error {
	if b.failEntities.Load() {
		return errDiskFull
	}
	return b.Backend.RekeyEntity(ctx, oldID, rec)
}

func (b *faultyBackend) SaveQueueItem(ctx context.Context, item *models.SyncQueueItem) error {
	if b.failQueue.Load() {
		return errDiskFull
	}
	return b.Backend.SaveQueueItem(ctx, item)
}

func (b *faultyBackend) SaveConflict(ctx context.Context, c *models.Conflict) error {
	if b.failConflicts.Load() {
		return errDiskFull
	}
	return b.Backend.SaveConflict(ctx, c)
}

func setupFaultyManager(t *testing.T, remote clientapi.Remote) (*Manager, *faultyBackend) {
	t.Helper()
	opts := newOptions(t, remote)
	fb := &faultyBackend{Backend: opts.Backend}
	opts.Backend = fb

	m := New(opts, testLogger())
	require.NoError(t, m.Initialize(context.Background()))
	t.Cleanup(func() { _ = m.Close() })
	return m, fb
}

// conflictOnTask приводит запись "42" в состояние conflict
func conflictOnTask(t *testing.T, m *Manager, st *serversqlite.Storage) {
	t.Helper()
	ctx := context.Background()

	_, err := m.UpdateEntity(ctx, models.EntityTypeTask, "42", map[string]any{"status": "done"})
	require.NoError(t, err)
	_, err = st.Put(ctx, "task", "42", map[string]any{"title": "Buy milk", "priority": "high"})
	require.NoError(t, err)

	res, err := m.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Conflicted)
}

func TestManager_CreateRollsBackWhenWritesFail(t *testing.T) {
	tests := []struct {
		fail func(b *faultyBackend)
		name string
	}{
		{name: "entity write", fail: func(b *faultyBackend) { b.failEntities.Store(true) }},
		{name: "queue write", fail: func(b *faultyBackend) { b.failQueue.Store(true) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, fb := setupFaultyManager(t, nil)
			ctx := context.Background()

			tt.fail(fb)
			_, err := m.CreateEntity(ctx, models.EntityTypeTask, map[string]any{"title": "Buy milk"})
			require.ErrorIs(t, err, errDiskFull)

			all, err := m.GetEntities(ctx, models.EntityTypeTask, store.Filter{IncludeDeleted: true})
			require.NoError(t, err)
			assert.Empty(t, all)

			items, err := m.Queue(ctx)
			require.NoError(t, err)
			assert.Empty(t, items)

			hits, err := m.SearchEntities(ctx, "milk", search.Options{})
			require.NoError(t, err)
			assert.Empty(t, hits)
		})
	}
}

func TestManager_MutationRollsBackWhenQueueFails(t *testing.T) {
	tests := []struct {
		mutate func(ctx context.Context, m *Manager) error
		name   string
	}{
		{
			name: "update",
			mutate: func(ctx context.Context, m *Manager) error {
				_, err := m.UpdateEntity(ctx, models.EntityTypeTask, "42", map[string]any{"title": "Buy oat milk"})
				return err
			},
		},
		{
			name: "delete",
			mutate: func(ctx context.Context, m *Manager) error {
				return m.DeleteEntity(ctx, models.EntityTypeTask, "42")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, remote := startServer(t)
			m, fb := setupFaultyManager(t, remote)
			ctx := context.Background()

			_, err := m.CreateEntity(ctx, models.EntityTypeTask, map[string]any{"title": "Buy milk"})
			require.NoError(t, err)
			_, err = m.Sync(ctx)
			require.NoError(t, err)

			fb.failQueue.Store(true)
			require.ErrorIs(t, tt.mutate(ctx, m), errDiskFull)

			local, err := m.GetEntity(ctx, models.EntityTypeTask, "42")
			require.NoError(t, err)
			assert.Equal(t, models.SyncStatusSynced, local.SyncStatus)
			assert.Equal(t, "Buy milk", local.Fields["title"])
			assert.Equal(t, int64(1), local.Version)

			hits, err := m.SearchEntities(ctx, "milk", search.Options{})
			require.NoError(t, err)
			assert.Len(t, hits, 1)

			// После устранения сбоя операция проходит
			fb.failQueue.Store(false)
			require.NoError(t, tt.mutate(ctx, m))

			items, err := m.Queue(ctx)
			require.NoError(t, err)
			assert.Len(t, items, 1)
		})
	}
}

func TestManager_SyncKeepsItemWhenApplyFails(t *testing.T) {
	t.Run("acknowledgement", func(t *testing.T) {
		_, remote := startServer(t)
		m, fb := setupFaultyManager(t, remote)
		ctx := context.Background()

		created, err := m.CreateEntity(ctx, models.EntityTypeTask, map[string]any{"title": "Buy milk"})
		require.NoError(t, err)

		fb.failEntities.Store(true)
		res, err := m.Sync(ctx)
		require.ErrorIs(t, err, errDiskFull)
		assert.Nil(t, res)

		items, err := m.Queue(ctx)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, created.ID, items[0].EntityID)
		assert.Equal(t, models.ActionCreate, items[0].Action)
		assert.False(t, items[0].InFlight)

		local, err := m.GetEntity(ctx, models.EntityTypeTask, created.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SyncStatusPendingCreate, local.SyncStatus)

		// Повтор create идемпотентен на сервере и возвращает тот же id
		fb.failEntities.Store(false)
		res, err = m.Sync(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Succeeded)

		synced, err := m.GetEntity(ctx, models.EntityTypeTask, "42")
		require.NoError(t, err)
		assert.Equal(t, models.SyncStatusSynced, synced.SyncStatus)

		items, err = m.Queue(ctx)
		require.NoError(t, err)
		assert.Empty(t, items)
	})

	t.Run("conflict record", func(t *testing.T) {
		st, remote := startServer(t)
		m, fb := setupFaultyManager(t, remote)
		ctx := context.Background()

		_, err := m.CreateEntity(ctx, models.EntityTypeTask, map[string]any{"title": "Buy milk"})
		require.NoError(t, err)
		_, err = m.Sync(ctx)
		require.NoError(t, err)

		_, err = m.UpdateEntity(ctx, models.EntityTypeTask, "42", map[string]any{"status": "done"})
		require.NoError(t, err)
		_, err = st.Put(ctx, "task", "42", map[string]any{"title": "Buy milk", "priority": "high"})
		require.NoError(t, err)

		fb.failConflicts.Store(true)
		res, err := m.Sync(ctx)
		require.ErrorIs(t, err, errDiskFull)
		assert.Nil(t, res)

		local, err := m.GetEntity(ctx, models.EntityTypeTask, "42")
		require.NoError(t, err)
		assert.Equal(t, models.SyncStatusPendingUpdate, local.SyncStatus)

		items, err := m.Queue(ctx)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, models.ActionUpdate, items[0].Action)
		assert.False(t, items[0].InFlight)

		conflicts, err := m.Conflicts(ctx, false)
		require.NoError(t, err)
		assert.Empty(t, conflicts)

		fb.failConflicts.Store(false)
		res, err = m.Sync(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Conflicted)

		conflicts, err = m.Conflicts(ctx, true)
		require.NoError(t, err)
		assert.Len(t, conflicts, 1)
	})
}

func TestManager_ResolveConflictKeepsConflictWhenWritesFail(t *testing.T) {
	tests := []struct {
		fail func(b *faultyBackend, on bool)
		name string
	}{
		{name: "entity write", fail: func(b *faultyBackend, on bool) { b.failEntities.Store(on) }},
		{name: "queue write", fail: func(b *faultyBackend, on bool) { b.failQueue.Store(on) }},
		{name: "conflict write", fail: func(b *faultyBackend, on bool) { b.failConflicts.Store(on) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, remote := startServer(t)
			m, fb := setupFaultyManager(t, remote)
			ctx := context.Background()

			_, err := m.CreateEntity(ctx, models.EntityTypeTask, map[string]any{"title": "Buy milk"})
			require.NoError(t, err)
			_, err = m.Sync(ctx)
			require.NoError(t, err)
			conflictOnTask(t, m, st)

			conflicts, err := m.Conflicts(ctx, true)
			require.NoError(t, err)
			require.Len(t, conflicts, 1)
			id := conflicts[0].ID

			tt.fail(fb, true)
			_, err = m.ResolveConflict(ctx, id, models.ResolutionMerge, nil)
			require.ErrorIs(t, err, errDiskFull)

			pending, err := m.Conflicts(ctx, true)
			require.NoError(t, err)
			assert.Len(t, pending, 1)

			local, err := m.GetEntity(ctx, models.EntityTypeTask, "42")
			require.NoError(t, err)
			assert.Equal(t, models.SyncStatusConflict, local.SyncStatus)
			assert.Equal(t, "done", local.Fields["status"])

			items, err := m.Queue(ctx)
			require.NoError(t, err)
			assert.Empty(t, items)

			// Конфликт остался открытым, и его можно разрешить повторно
			tt.fail(fb, false)
			resolved, err := m.ResolveConflict(ctx, id, models.ResolutionMerge, nil)
			require.NoError(t, err)
			assert.True(t, resolved.Resolved)

			items, err = m.Queue(ctx)
			require.NoError(t, err)
			require.Len(t, items, 1)
			assert.Equal(t, map[string]any{"status": "done"}, items[0].Payload)

			res, err := m.Sync(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, res.Succeeded)
		})
	}
}

func TestManager_PrefixLikeValuesSurviveReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "client.db")

	open := func() *Manager {
		backend, err := boltdb.New(ctx, path)
		require.NoError(t, err)
		opts := Options{
			Backend: backend,
			Encryption: encryption.Options{
				Sensitive: map[models.EntityType][]string{models.EntityTypeTask: {"notes"}},
				Secret:    "correct horse",
			},
			TextPaths:  config.Defaults().TextPaths(),
			MaxRetries: 3,
		}
		m := New(opts, testLogger())
		require.NoError(t, m.Initialize(ctx))
		return m
	}

	title := encryption.Prefix + "x"
	notes := encryption.Prefix + "y"

	m := open()
	created, err := m.CreateEntity(ctx, models.EntityTypeTask, map[string]any{"title": title, "notes": notes})
	require.NoError(t, err)

	check := func(m *Manager) {
		got, err := m.GetEntity(ctx, models.EntityTypeTask, created.ID)
		require.NoError(t, err)
		assert.Equal(t, title, got.Fields["title"])
		assert.Equal(t, notes, got.Fields["notes"])

		all, err := m.GetEntities(ctx, models.EntityTypeTask, store.Filter{})
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, title, all[0].Fields["title"])
	}

	check(m)
	require.NoError(t, m.Close())

	m = open()
	t.Cleanup(func() { _ = m.Close() })
	check(m)
}

func TestManager_CleanupPrunesOrphanedQueueItems(t *testing.T) {
	m := setupManager(t, nil)
	ctx := context.Background()

	kept, err := m.CreateEntity(ctx, models.EntityTypeTask, map[string]any{"title": "Buy milk"})
	require.NoError(t, err)
	orphan, err := m.CreateEntity(ctx, models.EntityTypeTask, map[string]any{"title": "Buy bread"})
	require.NoError(t, err)

	// Запись исчезла мимо фасада
	require.NoError(t, m.backend.PurgeEntity(ctx, models.EntityTypeTask, orphan.ID))

	_, err = m.Cleanup(ctx, true)
	require.NoError(t, err)

	items, err := m.Queue(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, kept.ID, items[0].EntityID)
}
