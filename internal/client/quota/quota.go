// Package quota следит за объемом локального хранилища и освобождает место,
// не трогая сами записи.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/multierr"

	"github.com/iudanet/tasksync/internal/client/storage"
	"github.com/iudanet/tasksync/internal/models"
)

// Defaults
const (
	DefaultQuota             int64 = 50 * 1024 * 1024
	DefaultThreshold               = 0.8
	DefaultConflictRetention       = 7 * 24 * time.Hour
)

// Config настройки квоты
type Config struct {
	Quota             int64         // Quota допустимый объем в байтах
	Threshold         float64       // Threshold доля квоты, после которой запускается очистка
	ConflictRetention time.Duration // ConflictRetention сколько хранить разрешенные конфликты
}

// Stats текущее использование хранилища
type Stats struct {
	ByType    map[models.EntityType]int64
	ByFamily  map[storage.Family]int64
	TotalSize int64
	Quota     int64
}

// Usage returns the used fraction of the quota.
func (s *Stats) Usage() float64 {
	if s.Quota <= 0 {
		return 0
	}
	return float64(s.TotalSize) / float64(s.Quota)
}

// CleanupResult итог очистки
type CleanupResult struct {
	Removed map[storage.Family]int // Removed число удаленных записей по семействам
	Freed   int64                  // Freed освобождено байт
	Skipped bool                   // Skipped порог не превышен, очистка не выполнялась
}

//go:generate moq -out pruner_mock.go . QueuePruner

// QueuePruner удаляет элемент очереди, запись которого больше не существует.
// Реализуется владельцем очереди: проверка и удаление выполняются под его блокировками,
// поэтому элемент, переносимый на новый id, не считается осиротевшим.
type QueuePruner interface {
	PruneOrphan(ctx context.Context, item *models.SyncQueueItem) (bool, error)
}

// Manager считает объем и выполняет очистку
type Manager struct {
	backend storage.Backend
	pruner  QueuePruner
	logger  *slog.Logger
	now     func() time.Time
	cfg     Config
}

// NewManager создает менеджер квоты. Если pruner nil, элементы очереди удаляются
// напрямую через backend (без конкурирующих писателей очереди).
func NewManager(backend storage.Backend, pruner QueuePruner, cfg Config, logger *slog.Logger) *Manager {
	if cfg.Quota <= 0 {
		cfg.Quota = DefaultQuota
	}
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.ConflictRetention <= 0 {
		cfg.ConflictRetention = DefaultConflictRetention
	}
	if pruner == nil {
		pruner = backendPruner{backend: backend}
	}
	return &Manager{
		backend: backend,
		pruner:  pruner,
		logger:  logger,
		now:     time.Now,
		cfg:     cfg,
	}
}

// GetStats returns the stored bytes per family and per entity type.
func (m *Manager) GetStats(ctx context.Context) (*Stats, error) {
	usage, err := m.backend.Usage(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get storage usage: %w", err)
	}

	stats := &Stats{
		ByType:    usage.ByType,
		ByFamily:  usage.ByFamily,
		TotalSize: usage.Total(),
		Quota:     m.cfg.Quota,
	}

	m.logger.Debug("Storage usage",
		"total", humanize.IBytes(uint64(stats.TotalSize)),
		"quota", humanize.IBytes(uint64(stats.Quota)),
		"usage", fmt.Sprintf("%.1f%%", stats.Usage()*100))

	return stats, nil
}

// Cleanup освобождает место. Без force очистка выполняется только при
// превышении threshold·quota. Порядок: просроченный кэш, старые разрешенные
// конфликты, элементы очереди без записи. Сами записи не удаляются никогда.
func (m *Manager) Cleanup(ctx context.Context, force bool) (*CleanupResult, error) {
	before, err := m.GetStats(ctx)
	if err != nil {
		return nil, err
	}

	result := &CleanupResult{Removed: make(map[storage.Family]int)}
	if !force && before.Usage() < m.cfg.Threshold {
		result.Skipped = true
		return result, nil
	}

	now := m.now()
	var errs error

	n, err := m.purgeCache(ctx, now)
	result.Removed[storage.FamilyCache] = n
	errs = multierr.Append(errs, err)

	n, err = m.purgeConflicts(ctx, now)
	result.Removed[storage.FamilyConflicts] = n
	errs = multierr.Append(errs, err)

	n, err = m.purgeOrphans(ctx)
	result.Removed[storage.FamilyQueue] = n
	errs = multierr.Append(errs, err)

	after, err := m.GetStats(ctx)
	if err != nil {
		return result, multierr.Append(errs, err)
	}
	if freed := before.TotalSize - after.TotalSize; freed > 0 {
		result.Freed = freed
	}

	m.logger.Info("Storage cleanup finished",
		"freed", humanize.IBytes(uint64(result.Freed)),
		"cache", result.Removed[storage.FamilyCache],
		"conflicts", result.Removed[storage.FamilyConflicts],
		"queue", result.Removed[storage.FamilyQueue],
		"force", force)

	return result, errs
}

// purgeCache удаляет просроченные снимки ответов
func (m *Manager) purgeCache(ctx context.Context, now time.Time) (int, error) {
	all, err := m.backend.ListCachedResponses(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list cached responses: %w", err)
	}
	removed := 0
	var errs error
	for _, resp := range all {
		if !resp.Expired(now) {
			continue
		}
		if err := m.backend.DeleteCachedResponse(ctx, resp.ID); err != nil && !errors.Is(err, storage.ErrCacheMiss) {
			errs = multierr.Append(errs, fmt.Errorf("failed to delete cached response %s: %w", resp.ID, err))
			continue
		}
		removed++
	}
	return removed, errs
}

// purgeConflicts удаляет разрешенные конфликты старше срока хранения
func (m *Manager) purgeConflicts(ctx context.Context, now time.Time) (int, error) {
	all, err := m.backend.ListConflicts(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list conflicts: %w", err)
	}
	cutoff := now.Add(-m.cfg.ConflictRetention)
	removed := 0
	var errs error
	for _, c := range all {
		// Неразрешенные конфликты блокируют синхронизацию и не удаляются
		if !c.Resolved || c.ResolvedAt.After(cutoff) {
			continue
		}
		if err := m.backend.DeleteConflict(ctx, c.ID); err != nil && !errors.Is(err, storage.ErrConflictNotFound) {
			errs = multierr.Append(errs, fmt.Errorf("failed to delete conflict %s: %w", c.ID, err))
			continue
		}
		removed++
	}
	return removed, errs
}

// purgeOrphans удаляет элементы очереди, чья запись уже не существует
func (m *Manager) purgeOrphans(ctx context.Context) (int, error) {
	items, err := m.backend.ListQueueItems(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list queue items: %w", err)
	}
	removed := 0
	var errs error
	for _, item := range items {
		if item.InFlight {
			continue
		}
		ok, err := m.pruner.PruneOrphan(ctx, item)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to prune queue item %s: %w", item.ID, err))
			continue
		}
		if ok {
			m.logger.Warn("Removed orphaned queue item", "item_id", item.ID, "entity", item.EntityKey())
			removed++
		}
	}
	return removed, errs
}

// backendPruner проверяет и удаляет элемент напрямую в хранилище
type backendPruner struct {
	backend storage.Backend
}

func (p backendPruner) PruneOrphan(ctx context.Context, item *models.SyncQueueItem) (bool, error) {
	_, err := p.backend.GetEntity(ctx, item.EntityType, item.EntityID)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, storage.ErrEntityNotFound):
		return false, err
	}
	if err := p.backend.DeleteQueueItem(ctx, item.ID); err != nil && !errors.Is(err, storage.ErrQueueItemNotFound) {
		return false, err
	}
	return true, nil
}
