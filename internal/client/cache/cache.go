// Package cache реализует read-through кэш идемпотентных GET-ответов.
// Кэш не связан с очередью мутаций: его записи вытесняются независимо.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/iudanet/tasksync/internal/client/storage"
	"github.com/iudanet/tasksync/internal/models"
)

// DefaultTTL время жизни ответа по умолчанию
const DefaultTTL = 5 * time.Minute

// Fetcher выполняет GET к удаленному API
type Fetcher interface {
	GetRaw(ctx context.Context, path string) ([]byte, error)
}

// Result ответ из кэша или сети
type Result struct {
	FetchedAt time.Time
	Data      []byte
	FromCache bool
	Stale     bool // Stale сеть недоступна, отдан просроченный снимок
}

// Cache read-through кэш поверх CacheStorage.
// Одновременные запросы одного пути схлопываются в один сетевой вызов.
type Cache struct {
	storage storage.CacheStorage
	fetcher Fetcher
	logger  *slog.Logger
	now     func() time.Time
	group   singleflight.Group
	ttl     time.Duration
}

// New creates a read-through cache. ttl <= 0 means DefaultTTL.
func New(st storage.CacheStorage, fetcher Fetcher, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		storage: st,
		fetcher: fetcher,
		logger:  logger,
		now:     time.Now,
		ttl:     ttl,
	}
}

// Get возвращает свежий снимок из кэша, иначе идет в сеть.
// Если сеть недоступна, а в кэше есть просроченный снимок, он возвращается со Stale=true.
func (c *Cache) Get(ctx context.Context, path string) (*Result, error) {
	id := models.CacheID(path)

	cached, err := c.storage.GetCachedResponse(ctx, id)
	if err != nil && !errors.Is(err, storage.ErrCacheMiss) {
		return nil, fmt.Errorf("failed to read cache: %w", err)
	}
	if cached != nil && !cached.Expired(c.now()) {
		return &Result{Data: cached.Snapshot, FetchedAt: cached.Timestamp, FromCache: true}, nil
	}

	v, fetchErr, shared := c.group.Do(path, func() (any, error) {
		return c.fetch(ctx, id, path)
	})
	if fetchErr == nil {
		resp := v.(*models.CachedResponse)
		return &Result{Data: resp.Snapshot, FetchedAt: resp.Timestamp}, nil
	}

	if cached != nil {
		c.logger.Warn("Serving stale cached response", "url", path, "error", fetchErr)
		return &Result{Data: cached.Snapshot, FetchedAt: cached.Timestamp, FromCache: true, Stale: true}, nil
	}

	c.logger.Debug("Cache fetch failed", "url", path, "shared", shared, "error", fetchErr)
	return nil, fetchErr
}

func (c *Cache) fetch(ctx context.Context, id, path string) (*models.CachedResponse, error) {
	data, err := c.fetcher.GetRaw(ctx, path)
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	resp := &models.CachedResponse{
		ID:        id,
		URL:       path,
		Snapshot:  data,
		Timestamp: now,
		TTL:       c.ttl,
		ExpiresAt: now.Add(c.ttl),
	}
	if err := c.storage.SaveCachedResponse(ctx, resp); err != nil {
		// Ответ уже получен: отдаем его, но сбой хранилища не скрываем в логе
		c.logger.Error("Failed to store cached response", "url", path, "error", err)
	}
	return resp, nil
}

// Invalidate удаляет снимок пути
func (c *Cache) Invalidate(ctx context.Context, path string) error {
	err := c.storage.DeleteCachedResponse(ctx, models.CacheID(path))
	if err != nil && !errors.Is(err, storage.ErrCacheMiss) {
		return fmt.Errorf("failed to invalidate cache: %w", err)
	}
	return nil
}

// PurgeExpired удаляет просроченные снимки и возвращает их число
func (c *Cache) PurgeExpired(ctx context.Context) (int, error) {
	all, err := c.storage.ListCachedResponses(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list cache: %w", err)
	}
	now := c.now()
	removed := 0
	for _, resp := range all {
		if !resp.Expired(now) {
			continue
		}
		if err := c.storage.DeleteCachedResponse(ctx, resp.ID); err != nil && !errors.Is(err, storage.ErrCacheMiss) {
			return removed, fmt.Errorf("failed to delete cached response: %w", err)
		}
		removed++
	}
	return removed, nil
}
