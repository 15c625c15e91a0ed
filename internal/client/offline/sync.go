package offline

import (
	"context"
	"errors"
	"fmt"

	clientapi "github.com/iudanet/tasksync/internal/client/api"
	"github.com/iudanet/tasksync/internal/client/events"
	"github.com/iudanet/tasksync/internal/client/storage"
	"github.com/iudanet/tasksync/internal/client/store"
	clientsync "github.com/iudanet/tasksync/internal/client/sync"
	"github.com/iudanet/tasksync/internal/delta"
	"github.com/iudanet/tasksync/internal/models"
	"github.com/iudanet/tasksync/pkg/api"
)

// ErrNoRemote возвращается при синхронизации без настроенного сервера
var ErrNoRemote = errors.New("remote is not configured")

var _ clientsync.Reporter = (*Manager)(nil)

// drain один проход по очереди; вызывается только планировщиком
func (m *Manager) drain(ctx context.Context) error {
	if m.syncer == nil {
		return ErrNoRemote
	}

	m.opMu.RLock()
	defer m.opMu.RUnlock()

	res, err := m.syncer.Drain(ctx)

	m.resMu.Lock()
	m.lastResult = res
	m.resMu.Unlock()

	return err
}

// Sync запускает проход немедленно (или дожидается текущего) и возвращает его итог.
// Повторный вызов без новых изменений ничего не отправляет.
func (m *Manager) Sync(ctx context.Context) (*clientsync.DrainResult, error) {
	// Блокировку операций берет сам проход
	if m.State() != StateReady {
		return nil, ErrNotReady
	}
	if m.syncer == nil {
		return nil, ErrNoRemote
	}

	if err := m.scheduler.RunNow(ctx); err != nil {
		return nil, err
	}

	m.resMu.Lock()
	defer m.resMu.Unlock()

	var res clientsync.DrainResult
	if m.lastResult != nil {
		res = *m.lastResult
	}
	return &res, nil
}

// SetOnline сообщает движку о состоянии сети. Возврат в сеть запускает проход.
func (m *Manager) SetOnline(online bool) error {
	if m.State() != StateReady {
		return ErrNotReady
	}
	if !m.scheduler.SetOnline(online) {
		return nil
	}
	typ := events.NetworkOffline
	if online {
		typ = events.NetworkOnline
	}
	m.bus.Publish(events.Event{Type: typ})
	return nil
}

// Online reports whether the engine considers the network reachable.
func (m *Manager) Online() bool {
	if m.scheduler == nil {
		return false
	}
	return m.scheduler.Online()
}

// Queue returns the pending sync items in drain order.
func (m *Manager) Queue(ctx context.Context) ([]*models.SyncQueueItem, error) {
	done, err := m.begin()
	if err != nil {
		return nil, err
	}
	defer done()

	return m.queue.Items(ctx)
}

// OnSuccess применяет подтверждение сервера: канонический id, версию сервера и,
// если за элементом нет новых изменений, серверные поля.
func (m *Manager) OnSuccess(ctx context.Context, item *models.SyncQueueItem, remote *api.Entity) error {
	unlock := m.locks.Lock(item.EntityKey())
	defer unlock()

	t := item.EntityType

	if item.Action == models.ActionDelete {
		if err := m.store.Purge(ctx, t, item.EntityID); err != nil && !errors.Is(err, storage.ErrEntityNotFound) {
			return fmt.Errorf("failed to purge deleted entity: %w", err)
		}
		m.index.Remove(t, item.EntityID)
		m.logger.Debug("Deleted entity purged", "entity_type", t, "entity_id", item.EntityID)
		return nil
	}
	if remote == nil {
		return fmt.Errorf("empty server response for %s %s", item.Action, item.EntityKey())
	}

	newID := item.EntityID
	if remote.ID != "" {
		newID = remote.ID
	}

	// Элемент остается в очереди до успешного подтверждения, поэтому
	// повтор после сбоя может застать запись уже под серверным id
	moved := false
	current, err := m.store.Get(ctx, t, item.EntityID)
	if errors.Is(err, storage.ErrEntityNotFound) && newID != item.EntityID {
		current, err = m.store.Get(ctx, t, newID)
		moved = true
	}
	if err != nil {
		return fmt.Errorf("failed to load acknowledged entity: %w", err)
	}

	queued, err := m.queue.ForEntity(ctx, t, item.EntityID)
	if err != nil {
		return err
	}
	successors := queued[:0]
	for _, s := range queued {
		if s.ID != item.ID {
			successors = append(successors, s)
		}
	}

	updated := current.Clone()
	updated.ServerVersion = remote.Version
	updated.LastError = ""

	switch {
	case len(successors) == 0 && !current.IsDeleted && current.SyncStatus != models.SyncStatusConflict:
		if schema, err := models.SchemaFor(t); err == nil {
			updated.Fields = schema.Sanitize(remote.Fields)
		}
		updated.SyncStatus = models.SyncStatusSynced
	case current.SyncStatus == models.SyncStatusPendingCreate:
		// Create подтвержден, но за ним уже стоят изменения
		updated.SyncStatus = models.SyncStatusPendingUpdate
	}

	switch {
	case newID != item.EntityID:
		updated.ID = newID
		if moved {
			err = m.store.Store(ctx, t, updated, store.Options{Encrypt: true})
		} else {
			err = m.store.Rekey(ctx, t, item.EntityID, updated, store.Options{Encrypt: true})
		}
		if err != nil {
			return fmt.Errorf("failed to rekey entity: %w", err)
		}
		m.index.Rename(t, item.EntityID, newID)
		if err := m.resolver.Rekey(ctx, t, item.EntityID, newID); err != nil {
			return err
		}
		m.logger.Info("Entity id reconciled", "entity_type", t, "local_id", item.EntityID, "server_id", newID)
	default:
		if err := m.store.Store(ctx, t, updated, store.Options{Encrypt: true}); err != nil {
			return fmt.Errorf("failed to store acknowledged entity: %w", err)
		}
	}

	if err := m.queue.Rekey(ctx, t, item.EntityID, newID, remote.Version); err != nil {
		return err
	}
	if !updated.IsDeleted {
		m.index.IndexEntity(updated)
	}

	m.publish(events.EntityUpdated, updated, "")
	return nil
}

// OnConflict записывает конфликт и помечает запись. Ожидающие изменения записи
// вливаются в конфликт: разрешение решает судьбу всех локальных правок.
func (m *Manager) OnConflict(ctx context.Context, item *models.SyncQueueItem, cerr *clientapi.ConflictError) error {
	unlock := m.locks.Lock(item.EntityKey())
	defer unlock()

	t := item.EntityType

	current, err := m.store.Get(ctx, t, item.EntityID)
	if err != nil {
		return fmt.Errorf("failed to load conflicted entity: %w", err)
	}

	successors, err := m.queue.ForEntity(ctx, t, item.EntityID)
	if err != nil {
		return err
	}
	rejected := item.Clone()
	for _, s := range successors {
		if s.InFlight {
			continue
		}
		switch s.Action {
		case models.ActionUpdate:
			if rejected.Action == models.ActionUpdate {
				rejected.Payload = delta.Merge(rejected.Payload, s.Payload)
			}
		case models.ActionDelete:
			rejected.Action = models.ActionDelete
			rejected.Payload = nil
		}
	}
	// Сначала запись блокируется статусом conflict, затем сохраняется конфликт,
	// и только потом из очереди уходят влитые в него изменения
	updated := current.Clone()
	updated.SyncStatus = models.SyncStatusConflict
	updated.LastError = cerr.Error()
	if cerr.Current != nil && cerr.Current.Version > 0 {
		updated.ServerVersion = cerr.Current.Version
	}
	if err := m.store.Store(ctx, t, updated, store.Options{Encrypt: true}); err != nil {
		return fmt.Errorf("failed to mark entity conflicted: %w", err)
	}

	if _, err := m.resolver.Record(ctx, rejected, current.Fields, cerr.Current); err != nil {
		return m.restore(ctx, current, err)
	}

	if _, err := m.queue.RemoveEntity(ctx, t, item.EntityID); err != nil {
		return err
	}

	m.publish(events.EntityError, updated, cerr.Error())
	return nil
}

// OnRetry сохраняет последнюю ошибку в записи
func (m *Manager) OnRetry(ctx context.Context, item *models.SyncQueueItem, err error) {
	m.setLastError(ctx, item, err)
}

// OnPermanentFailure сохраняет ошибку; данные записи остаются локально
func (m *Manager) OnPermanentFailure(ctx context.Context, failure *clientsync.PermanentSyncFailure) {
	if e := m.setLastError(ctx, failure.Item, failure); e != nil {
		m.publish(events.EntityError, e, failure.Error())
	}
}

func (m *Manager) setLastError(ctx context.Context, item *models.SyncQueueItem, cause error) *models.Entity {
	unlock := m.locks.Lock(item.EntityKey())
	defer unlock()

	e, err := m.store.Get(ctx, item.EntityType, item.EntityID)
	if err != nil {
		if !errors.Is(err, storage.ErrEntityNotFound) {
			m.logger.Error("Failed to load entity", "entity", item.EntityKey(), "error", err)
		}
		return nil
	}
	e.LastError = cause.Error()
	if err := m.store.Store(ctx, item.EntityType, e, store.Options{Encrypt: true}); err != nil {
		m.logger.Error("Failed to save sync error", "entity", item.EntityKey(), "error", err)
		return nil
	}
	return e
}
