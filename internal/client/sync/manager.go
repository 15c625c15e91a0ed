package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	gosync "sync"
	"time"

	"github.com/sethvargo/go-retry"

	clientapi "github.com/iudanet/tasksync/internal/client/api"
	"github.com/iudanet/tasksync/internal/client/events"
	"github.com/iudanet/tasksync/internal/client/storage"
	"github.com/iudanet/tasksync/internal/models"
	"github.com/iudanet/tasksync/pkg/api"
)

// Backoff defaults
const (
	DefaultBaseBackoff = time.Second
	DefaultMaxBackoff  = 5 * time.Minute
)

// PermanentSyncFailure элемент исчерпал повторы и удален из очереди.
// Данные записи остаются в локальном хранилище.
type PermanentSyncFailure struct {
	Err  error
	Item *models.SyncQueueItem
}

func (e *PermanentSyncFailure) Error() string {
	return fmt.Sprintf("permanent sync failure for %s %s after %d retries: %v",
		e.Item.Action, e.Item.EntityKey(), e.Item.RetryCount, e.Err)
}

func (e *PermanentSyncFailure) Unwrap() error {
	return e.Err
}

//go:generate moq -out reporter_mock.go . Reporter

// Reporter получает исходы отправки элементов очереди.
// Реализуется фасадом: только он меняет sync status записей.
type Reporter interface {
	// OnSuccess is called after the server accepted the item
	// remote is nil for deletes
	OnSuccess(ctx context.Context, item *models.SyncQueueItem, remote *api.Entity) error

	// OnConflict is called when the server rejected the item because of a version mismatch
	OnConflict(ctx context.Context, item *models.SyncQueueItem, conflict *clientapi.ConflictError) error

	// OnRetry is called when the item failed and was scheduled for another attempt
	OnRetry(ctx context.Context, item *models.SyncQueueItem, err error)

	// OnPermanentFailure is called when the item exhausted its retries and was dropped
	OnPermanentFailure(ctx context.Context, failure *PermanentSyncFailure)
}

// ConflictChecker сообщает, заблокирована ли запись неразрешенным конфликтом
type ConflictChecker interface {
	HasUnresolved(ctx context.Context, t models.EntityType, id string) (bool, error)
}

// Config параметры повторов
type Config struct {
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Jitter      time.Duration // Jitter ограничивается base/2
}

// DrainResult итог одного прохода по очереди
type DrainResult struct {
	Succeeded  int
	Failed     int // Failed элементы, отложенные для повтора
	Conflicted int
	Skipped    int // Skipped не наступило время повтора, конфликт или предыдущий элемент записи
	Dropped    int // Dropped элементы, исчерпавшие повторы
}

// Processed returns the number of items that reached the server in this pass.
func (r *DrainResult) Processed() int {
	return r.Succeeded + r.Failed + r.Conflicted + r.Dropped
}

// Manager отправляет элементы очереди на сервер
type Manager struct {
	queue     *Queue
	remote    clientapi.Remote
	reporter  Reporter
	conflicts ConflictChecker
	bus       *events.Bus
	logger    *slog.Logger
	now       func() time.Time
	cfg       Config
	mu        gosync.Mutex // mu один проход за раз
}

// NewManager создает менеджер синхронизации. conflicts и bus могут быть nil.
func NewManager(queue *Queue, remote clientapi.Remote, reporter Reporter, conflicts ConflictChecker, bus *events.Bus, cfg Config, logger *slog.Logger) *Manager {
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultBaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	// Jitter строго меньше base/2
	if limit := cfg.BaseBackoff/2 - 1; cfg.Jitter > limit {
		cfg.Jitter = limit
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}

	return &Manager{
		queue:     queue,
		remote:    remote,
		reporter:  reporter,
		conflicts: conflicts,
		bus:       bus,
		logger:    logger,
		now:       time.Now,
		cfg:       cfg,
	}
}

// itemOutcome исход отправки одного элемента
type itemOutcome int

const (
	outcomeSucceeded itemOutcome = iota
	outcomeConflicted
	outcomeRetry
	outcomeDropped
	outcomeGone // элемент отменен, пока ждал отправки
)

// Drain выполняет один проход по очереди.
// AuthError прерывает проход, не меняя оставшиеся элементы.
func (m *Manager) Drain(ctx context.Context) (*DrainResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := &DrainResult{}

	items, err := m.queue.Items(ctx)
	if err != nil {
		return result, err
	}

	m.publish(events.Event{Type: events.SyncEvent, Phase: events.PhaseDrainStarted, Payload: len(items)})
	m.logger.Debug("Drain started", "items", len(items))

	// Элементы одной записи уходят строго в порядке постановки
	order := make(map[string][]uint64)
	for _, item := range items {
		order[item.EntityKey()] = append(order[item.EntityKey()], item.Seq)
	}
	for _, seqs := range order {
		slices.Sort(seqs)
	}
	blocked := make(map[string]bool)

	now := m.now()
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		key := item.EntityKey()
		if blocked[key] || order[key][0] != item.Seq {
			result.Skipped++
			continue
		}

		if !item.Due(now) {
			result.Skipped++
			blocked[key] = true
			continue
		}

		if m.conflicts != nil {
			has, err := m.conflicts.HasUnresolved(ctx, item.EntityType, item.EntityID)
			if err != nil {
				return result, fmt.Errorf("failed to check conflicts: %w", err)
			}
			if has {
				result.Skipped++
				blocked[key] = true
				continue
			}
		}

		outcome, err := m.process(ctx, item)
		if err != nil {
			m.publish(events.Event{Type: events.SyncEvent, Phase: events.PhaseDrainFailed, Error: err.Error()})
			return result, err
		}

		switch outcome {
		case outcomeSucceeded, outcomeGone:
			if outcome == outcomeSucceeded {
				result.Succeeded++
			}
			order[key] = order[key][1:]
			if len(order[key]) == 0 {
				delete(order, key)
			}
		case outcomeConflicted:
			result.Conflicted++
			blocked[key] = true
		case outcomeRetry:
			result.Failed++
			blocked[key] = true
		case outcomeDropped:
			result.Dropped++
			blocked[key] = true
		}
	}

	m.publish(events.Event{Type: events.SyncEvent, Phase: events.PhaseDrainCompleted, Payload: *result})
	m.logger.Info("Drain completed",
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"conflicted", result.Conflicted,
		"dropped", result.Dropped,
		"skipped", result.Skipped)

	return result, nil
}

// process отправляет один элемент. Ошибка возвращается только для
// прерывания прохода (AuthError, отмена контекста, сбой хранилища).
func (m *Manager) process(ctx context.Context, snapshot *models.SyncQueueItem) (itemOutcome, error) {
	// Перечитываем элемент: после снимка очереди он мог быть слит или отменен
	item, err := m.queue.claim(ctx, snapshot.ID)
	if err != nil {
		if errors.Is(err, storage.ErrQueueItemNotFound) {
			return outcomeGone, nil
		}
		return 0, err
	}

	log := m.logger.With("item_id", item.ID, "entity_type", item.EntityType, "entity_id", item.EntityID, "action", item.Action)

	remote, sendErr := m.send(ctx, item)

	var conflictErr *clientapi.ConflictError
	switch {
	case sendErr == nil:
		// Элемент удаляется только после того, как подтверждение применено локально
		if err := m.reporter.OnSuccess(ctx, item, remote); err != nil {
			m.abandon(ctx, item, log)
			return 0, fmt.Errorf("failed to apply server acknowledgement for %s: %w", item.EntityKey(), err)
		}
		if err := m.queue.Remove(ctx, item.ID); err != nil {
			return 0, err
		}
		m.publishItem(events.PhaseItemSucceeded, item, "")
		log.Debug("Item synced")
		return outcomeSucceeded, nil

	case errors.As(sendErr, &conflictErr):
		if err := m.reporter.OnConflict(ctx, item, conflictErr); err != nil {
			m.abandon(ctx, item, log)
			return 0, fmt.Errorf("failed to record conflict for %s: %w", item.EntityKey(), err)
		}
		if err := m.queue.Remove(ctx, item.ID); err != nil {
			return 0, err
		}
		m.publishItem(events.PhaseItemConflicted, item, conflictErr.Error())
		log.Info("Server rejected item with version mismatch", "base_version", item.BaseVersion)
		return outcomeConflicted, nil

	case clientapi.IsAuth(sendErr):
		if err := m.queue.release(ctx, item); err != nil {
			log.Error("Failed to release item", "error", err)
		}
		m.publishItem(events.PhaseAuthRequired, item, sendErr.Error())
		log.Warn("Authorization failed, aborting drain", "error", sendErr)
		return 0, sendErr

	case ctx.Err() != nil:
		// Проход отменен: элемент остается как был, повтор не засчитывается
		if err := m.queue.release(context.WithoutCancel(ctx), item); err != nil {
			log.Error("Failed to release item", "error", err)
		}
		return 0, ctx.Err()
	}

	item.RetryCount++
	item.LastError = sendErr.Error()

	if item.RetryCount > item.MaxRetries {
		if err := m.queue.Remove(ctx, item.ID); err != nil {
			return 0, err
		}
		failure := &PermanentSyncFailure{Item: item, Err: sendErr}
		m.reporter.OnPermanentFailure(ctx, failure)
		m.publishItem(events.PhasePermanentFail, item, failure.Error())
		log.Error("Dropping item after exhausting retries", "retries", item.RetryCount, "error", sendErr)
		return outcomeDropped, nil
	}

	delay := m.backoff(item.RetryCount)
	item.NextRetryAt = m.now().Add(delay).UTC()
	if err := m.queue.release(ctx, item); err != nil {
		return 0, err
	}
	m.reporter.OnRetry(ctx, item, sendErr)
	m.publishItem(events.PhaseItemFailed, item, sendErr.Error())
	log.Warn("Item failed, scheduled retry", "retry", item.RetryCount, "delay", delay, "error", sendErr)
	return outcomeRetry, nil
}

// abandon возвращает элемент в очередь без изменения счетчика повторов
func (m *Manager) abandon(ctx context.Context, item *models.SyncQueueItem, log *slog.Logger) {
	if err := m.queue.release(context.WithoutCancel(ctx), item); err != nil {
		log.Error("Failed to release item", "error", err)
	}
}

// send выполняет запрос к серверу по действию элемента
func (m *Manager) send(ctx context.Context, item *models.SyncQueueItem) (*api.Entity, error) {
	switch item.Action {
	case models.ActionCreate:
		return m.remote.Create(ctx, item.EntityType, item.EntityID, item.Payload)
	case models.ActionUpdate:
		return m.remote.Update(ctx, item.EntityType, item.EntityID, item.BaseVersion, item.Payload)
	case models.ActionDelete:
		err := m.remote.Delete(ctx, item.EntityType, item.EntityID, item.BaseVersion)
		if clientapi.IsNotFound(err) {
			// Записи на сервере уже нет: цель удаления достигнута
			return nil, nil
		}
		return nil, err
	default:
		return nil, fmt.Errorf("unknown sync action %q", item.Action)
	}
}

// backoff returns base·2^retryCount ± jitter, capped by MaxBackoff.
func (m *Manager) backoff(retryCount int) time.Duration {
	b := retry.NewExponential(m.cfg.BaseBackoff)
	if m.cfg.Jitter > 0 {
		b = retry.WithJitter(m.cfg.Jitter, b)
	}
	b = retry.WithCappedDuration(m.cfg.MaxBackoff, b)

	var delay time.Duration
	for i := 0; i <= retryCount; i++ {
		delay, _ = b.Next()
	}
	if delay <= 0 {
		delay = m.cfg.BaseBackoff
	}
	return delay
}

func (m *Manager) publish(e events.Event) {
	if m.bus != nil {
		m.bus.Publish(e)
	}
}

func (m *Manager) publishItem(phase events.Phase, item *models.SyncQueueItem, errText string) {
	m.publish(events.Event{
		Type:       events.SyncEvent,
		Phase:      phase,
		EntityType: item.EntityType,
		EntityID:   item.EntityID,
		Error:      errText,
		Payload:    item.Clone(),
	})
}
