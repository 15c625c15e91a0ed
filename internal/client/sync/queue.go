package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	gosync "sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/iudanet/tasksync/internal/client/storage"
	"github.com/iudanet/tasksync/internal/delta"
	"github.com/iudanet/tasksync/internal/models"
)

// DefaultMaxRetries число повторов элемента очереди по умолчанию
const DefaultMaxRetries = 5

// ErrInvalidTransition возвращается при мутации, которая не может следовать за уже
// поставленной в очередь (например, update после delete)
var ErrInvalidTransition = errors.New("invalid queue transition")

// EnqueueOptions параметры постановки в очередь
type EnqueueOptions struct {
	BaseVersion int64 // BaseVersion версия сервера, от которой сделано изменение
	Priority    int
	MaxRetries  int // MaxRetries 0 означает значение очереди по умолчанию
}

// EnqueueResult результат постановки в очередь
type EnqueueResult struct {
	Item      *models.SyncQueueItem // Item nil, если элемент отменен
	Coalesced bool                  // Coalesced изменение слито с уже ожидающим элементом
	Cancelled bool                  // Cancelled create+delete: запись так и не попала на сервер
}

// Queue durable очередь исходящих мутаций.
// Для одной записи ожидает не более одного элемента вне полета:
// новые изменения сливаются в него.
type Queue struct {
	storage    storage.QueueStorage
	logger     *slog.Logger
	now        func() time.Time
	seq        uint64
	maxRetries int
	mu         gosync.Mutex
}

// NewQueue загружает очередь из хранилища.
// Элементы, которые были в полете при прошлом запуске, снова становятся ожидающими.
func NewQueue(ctx context.Context, st storage.QueueStorage, maxRetries int, logger *slog.Logger) (*Queue, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	q := &Queue{
		storage:    st,
		logger:     logger,
		now:        time.Now,
		maxRetries: maxRetries,
	}
	if err := q.Reload(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// Reload перечитывает очередь из хранилища (после запуска или импорта снимка)
func (q *Queue) Reload(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.storage.ListQueueItems(ctx)
	if err != nil {
		return fmt.Errorf("failed to load sync queue: %w", err)
	}
	q.seq = 0
	for _, item := range items {
		if item.Seq > q.seq {
			q.seq = item.Seq
		}
		if item.InFlight {
			item.InFlight = false
			if err := q.storage.SaveQueueItem(ctx, item); err != nil {
				return fmt.Errorf("failed to reset in-flight item %s: %w", item.ID, err)
			}
			q.logger.Warn("Reset interrupted queue item", "item_id", item.ID, "entity", item.EntityKey())
		}
	}
	return nil
}

// Enqueue ставит мутацию в очередь или сливает ее с ожидающим элементом той же записи
func (q *Queue) Enqueue(ctx context.Context, t models.EntityType, id string, action models.SyncAction, payload map[string]any, opts EnqueueOptions) (*EnqueueResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entityItems, err := q.forEntity(ctx, t, id)
	if err != nil {
		return nil, err
	}

	// Сливаем только с последним элементом, который еще не отправлен
	var pending *models.SyncQueueItem
	if n := len(entityItems); n > 0 && !entityItems[n-1].InFlight {
		pending = entityItems[n-1]
	}

	if pending != nil {
		return q.coalesce(ctx, pending, action, payload, opts)
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.maxRetries
	}

	q.seq++
	item := &models.SyncQueueItem{
		ID:          ulid.Make().String(),
		EntityType:  t,
		EntityID:    id,
		Action:      action,
		Payload:     models.CloneFields(payload),
		BaseVersion: opts.BaseVersion,
		Priority:    opts.Priority,
		MaxRetries:  maxRetries,
		CreatedAt:   q.now().UTC(),
		Seq:         q.seq,
	}
	if err := q.storage.SaveQueueItem(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to save queue item: %w", err)
	}

	q.logger.Debug("Enqueued sync item",
		"item_id", item.ID,
		"entity_type", t,
		"entity_id", id,
		"action", action,
		"successor", len(entityItems) > 0)

	return &EnqueueResult{Item: item.Clone()}, nil
}

// coalesce сливает новое изменение с ожидающим элементом
func (q *Queue) coalesce(ctx context.Context, item *models.SyncQueueItem, action models.SyncAction, payload map[string]any, opts EnqueueOptions) (*EnqueueResult, error) {
	switch {
	case item.Action == models.ActionCreate && action == models.ActionUpdate:
		// Для create отправляются полные поля: удаленные поля просто выбрасываем
		item.Payload = delta.Apply(item.Payload, payload)

	case item.Action == models.ActionCreate && action == models.ActionDelete:
		if err := q.storage.DeleteQueueItem(ctx, item.ID); err != nil {
			return nil, fmt.Errorf("failed to cancel queue item: %w", err)
		}
		q.logger.Debug("Cancelled queued create", "item_id", item.ID, "entity", item.EntityKey())
		return &EnqueueResult{Cancelled: true}, nil

	case item.Action == models.ActionUpdate && action == models.ActionUpdate:
		item.Payload = delta.Merge(item.Payload, payload)

	case item.Action == models.ActionUpdate && action == models.ActionDelete:
		item.Action = models.ActionDelete
		item.Payload = nil

	default:
		return nil, fmt.Errorf("%w: %s after %s for %s", ErrInvalidTransition, action, item.Action, item.EntityKey())
	}

	if opts.Priority > item.Priority {
		item.Priority = opts.Priority
	}
	if opts.BaseVersion > item.BaseVersion {
		item.BaseVersion = opts.BaseVersion
	}

	if err := q.storage.SaveQueueItem(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to save queue item: %w", err)
	}

	q.logger.Debug("Coalesced sync item", "item_id", item.ID, "entity", item.EntityKey(), "action", item.Action)

	return &EnqueueResult{Item: item.Clone(), Coalesced: true}, nil
}

// Items returns every queued item ordered by priority desc, creation time asc, seq asc.
func (q *Queue) Items(ctx context.Context) ([]*models.SyncQueueItem, error) {
	items, err := q.storage.ListQueueItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue items: %w", err)
	}
	sortItems(items)
	return items, nil
}

// Len возвращает число элементов в очереди
func (q *Queue) Len(ctx context.Context) (int, error) {
	items, err := q.storage.ListQueueItems(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list queue items: %w", err)
	}
	return len(items), nil
}

// ForEntity returns the items of one entity in enqueue order.
func (q *Queue) ForEntity(ctx context.Context, t models.EntityType, id string) ([]*models.SyncQueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.forEntity(ctx, t, id)
}

func (q *Queue) forEntity(ctx context.Context, t models.EntityType, id string) ([]*models.SyncQueueItem, error) {
	items, err := q.storage.ListQueueItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue items: %w", err)
	}

	key := models.EntityKey(t, id)
	out := make([]*models.SyncQueueItem, 0, 1)
	for _, item := range items {
		if item.EntityKey() == key {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Remove удаляет элемент; отсутствующий элемент не считается ошибкой
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.storage.DeleteQueueItem(ctx, id); err != nil && !errors.Is(err, storage.ErrQueueItemNotFound) {
		return fmt.Errorf("failed to remove queue item: %w", err)
	}
	return nil
}

// RemoveEntity удаляет все ожидающие элементы записи (в полете остаются)
func (q *Queue) RemoveEntity(ctx context.Context, t models.EntityType, id string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.forEntity(ctx, t, id)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, item := range items {
		if item.InFlight {
			continue
		}
		if err := q.storage.DeleteQueueItem(ctx, item.ID); err != nil && !errors.Is(err, storage.ErrQueueItemNotFound) {
			return removed, fmt.Errorf("failed to remove queue item: %w", err)
		}
		removed++
	}
	return removed, nil
}

// RemoveOrphan удаляет элемент itemID, если он все еще принадлежит записи key,
// не находится в полете и exists сообщает, что записи нет.
// Вызывающий держит блокировку записи key, поэтому перенос на новый id не идет параллельно.
func (q *Queue) RemoveOrphan(ctx context.Context, itemID, key string, exists func(ctx context.Context, t models.EntityType, id string) (bool, error)) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := q.storage.GetQueueItem(ctx, itemID)
	if err != nil {
		if errors.Is(err, storage.ErrQueueItemNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load queue item: %w", err)
	}
	// Элемент уже перенесен на другой id или отправляется
	if item.InFlight || item.EntityKey() != key {
		return false, nil
	}

	ok, err := exists(ctx, item.EntityType, item.EntityID)
	if err != nil || ok {
		return false, err
	}

	if err := q.storage.DeleteQueueItem(ctx, item.ID); err != nil && !errors.Is(err, storage.ErrQueueItemNotFound) {
		return false, fmt.Errorf("failed to remove queue item: %w", err)
	}
	return true, nil
}

// Rekey переносит элементы записи на новый id и выставляет им базовую версию.
// Вызывается после того, как сервер подтвердил create (канонический id) или update.
func (q *Queue) Rekey(ctx context.Context, t models.EntityType, oldID, newID string, baseVersion int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.forEntity(ctx, t, oldID)
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.InFlight {
			continue
		}
		item.EntityID = newID
		item.BaseVersion = baseVersion
		if err := q.storage.SaveQueueItem(ctx, item); err != nil {
			return fmt.Errorf("failed to rekey queue item %s: %w", item.ID, err)
		}
	}
	return nil
}

// claim перечитывает элемент и помечает его отправленным.
// Возвращает ErrQueueItemNotFound, если элемент уже отменен.
func (q *Queue) claim(ctx context.Context, id string) (*models.SyncQueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := q.storage.GetQueueItem(ctx, id)
	if err != nil {
		return nil, err
	}
	item.InFlight = true
	if err := q.storage.SaveQueueItem(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to mark item in flight: %w", err)
	}
	return item, nil
}

// release возвращает элемент в ожидание с обновленными полями повтора
func (q *Queue) release(ctx context.Context, item *models.SyncQueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item.InFlight = false
	if err := q.storage.SaveQueueItem(ctx, item); err != nil {
		return fmt.Errorf("failed to release queue item: %w", err)
	}
	return nil
}

// sortItems: priority desc, CreatedAt asc, Seq asc
func sortItems(items []*models.SyncQueueItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Seq < b.Seq
	})
}
