package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/tasksync/internal/client/storage"
	"github.com/iudanet/tasksync/internal/client/storage/boltdb"
	"github.com/iudanet/tasksync/internal/models"
)

type fakeFetcher struct {
	err   error
	gate  chan struct{}
	body  string
	calls atomic.Int32
}

func (f *fakeFetcher) GetRaw(ctx context.Context, path string) ([]byte, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return nil, f.err
	}
	return []byte(f.body), nil
}

func setupCache(t *testing.T, fetcher Fetcher) (*Cache, storage.Backend) {
	t.Helper()
	st, err := boltdb.New(context.Background(), filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, fetcher, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil))), st
}

func TestCache_ReadThrough(t *testing.T) {
	fetcher := &fakeFetcher{body: `{"items":[]}`}
	c, st := setupCache(t, fetcher)
	ctx := context.Background()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	res, err := c.Get(ctx, "/api/tasks")
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, `{"items":[]}`, string(res.Data))

	stored, err := st.GetCachedResponse(ctx, models.CacheID("/api/tasks"))
	require.NoError(t, err)
	assert.True(t, now.Add(time.Minute).Equal(stored.ExpiresAt))

	res, err = c.Get(ctx, "/api/tasks")
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.Equal(t, int32(1), fetcher.calls.Load())

	// После TTL снова идем в сеть
	now = now.Add(2 * time.Minute)
	res, err = c.Get(ctx, "/api/tasks")
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, int32(2), fetcher.calls.Load())
}

func TestCache_StaleWhenOffline(t *testing.T) {
	fetcher := &fakeFetcher{body: "v1"}
	c, _ := setupCache(t, fetcher)
	ctx := context.Background()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	_, err := c.Get(ctx, "/api/tasks/42")
	require.NoError(t, err)

	now = now.Add(time.Hour)
	fetcher.err = errors.New("offline")

	res, err := c.Get(ctx, "/api/tasks/42")
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.Equal(t, "v1", string(res.Data))

	_, err = c.Get(ctx, "/api/tasks/43")
	require.Error(t, err)
}

func TestCache_DeduplicatesConcurrentFetches(t *testing.T) {
	fetcher := &fakeFetcher{body: "shared", gate: make(chan struct{})}
	c, _ := setupCache(t, fetcher)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.Get(ctx, "/api/workspaces")
			if assert.NoError(t, err) {
				results[i] = string(res.Data)
			}
		}(i)
	}

	require.Eventually(t, func() bool { return fetcher.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(fetcher.gate)
	wg.Wait()

	assert.Equal(t, int32(1), fetcher.calls.Load())
	for _, r := range results {
		assert.Equal(t, "shared", r)
	}
}

func TestCache_InvalidateAndPurge(t *testing.T) {
	fetcher := &fakeFetcher{body: "x"}
	c, st := setupCache(t, fetcher)
	ctx := context.Background()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	for _, path := range []string{"/api/tasks", "/api/files"} {
		_, err := c.Get(ctx, path)
		require.NoError(t, err)
	}

	require.NoError(t, c.Invalidate(ctx, "/api/tasks"))
	require.NoError(t, c.Invalidate(ctx, "/api/tasks"))

	now = now.Add(time.Hour)
	removed, err := c.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	all, err := st.ListCachedResponses(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}
