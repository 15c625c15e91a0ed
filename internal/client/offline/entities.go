package offline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/iudanet/tasksync/internal/client/events"
	"github.com/iudanet/tasksync/internal/client/search"
	"github.com/iudanet/tasksync/internal/client/storage"
	"github.com/iudanet/tasksync/internal/client/store"
	clientsync "github.com/iudanet/tasksync/internal/client/sync"
	"github.com/iudanet/tasksync/internal/delta"
	"github.com/iudanet/tasksync/internal/models"
)

// SearchHit найденная запись со значением релевантности
type SearchHit struct {
	Entity *models.Entity
	Score  float64
}

// CreateEntity сохраняет новую запись с оптимистичным id и ставит create в очередь
func (m *Manager) CreateEntity(ctx context.Context, t models.EntityType, fields map[string]any) (*models.Entity, error) {
	done, err := m.begin()
	if err != nil {
		return nil, err
	}
	defer done()

	schema, err := models.SchemaFor(t)
	if err != nil {
		return nil, &models.ValidationError{Type: t, Reason: "unknown entity type"}
	}
	normalized, err := models.NormalizeFields(fields)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(normalized, false); err != nil {
		return nil, err
	}

	now := m.now().UTC()
	e := &models.Entity{
		ID:           uuid.New().String(),
		Type:         t,
		Fields:       normalized,
		CreatedAt:    now,
		LastModified: now,
		Version:      1,
		SyncStatus:   models.SyncStatusPendingCreate,
	}

	unlock := m.locks.Lock(e.Key())
	defer unlock()

	if err := m.store.Store(ctx, t, e, store.Options{Encrypt: true}); err != nil {
		m.publish(events.EntityError, e, err.Error())
		return nil, err
	}
	m.index.IndexEntity(e)

	if _, err := m.queue.Enqueue(ctx, t, e.ID, models.ActionCreate, e.Fields, clientsync.EnqueueOptions{}); err != nil {
		// Без элемента очереди запись навсегда осталась бы pending_create
		m.index.Remove(t, e.ID)
		if perr := m.store.Purge(ctx, t, e.ID); perr != nil && !errors.Is(perr, storage.ErrEntityNotFound) {
			m.logger.Error("Failed to roll back created entity", "entity", e.Key(), "error", perr)
			err = multierr.Append(err, perr)
		}
		m.publish(events.EntityError, e, err.Error())
		return nil, err
	}

	m.logger.Debug("Entity created", "entity_type", t, "entity_id", e.ID)
	m.publish(events.EntityCreated, e, "")
	m.afterMutation()

	return e.Clone(), nil
}

// UpdateEntity накладывает изменения (nil удаляет поле) и ставит в очередь только дельту
func (m *Manager) UpdateEntity(ctx context.Context, t models.EntityType, id string, changes map[string]any) (*models.Entity, error) {
	done, err := m.begin()
	if err != nil {
		return nil, err
	}
	defer done()

	schema, err := models.SchemaFor(t)
	if err != nil {
		return nil, &models.ValidationError{Type: t, Reason: "unknown entity type"}
	}
	patch, err := models.NormalizeFields(changes)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(patch, true); err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(models.EntityKey(t, id))
	defer unlock()

	current, err := m.store.Get(ctx, t, id)
	if err != nil {
		return nil, err
	}
	if err := mutable(current); err != nil {
		return nil, err
	}

	next := delta.Apply(current.Fields, patch)
	d := delta.Diff(current.Fields, next)
	if d.Empty() {
		return current, nil
	}

	updated := current.Clone()
	updated.Fields = next
	updated.Version++
	updated.LastModified = m.now().UTC()
	if updated.SyncStatus != models.SyncStatusPendingCreate {
		updated.SyncStatus = models.SyncStatusPendingUpdate
	}

	if err := m.store.Store(ctx, t, updated, store.Options{Encrypt: true}); err != nil {
		m.publish(events.EntityError, current, err.Error())
		return nil, err
	}
	m.index.IndexEntity(updated)

	_, err = m.queue.Enqueue(ctx, t, id, models.ActionUpdate, d.Patch(), clientsync.EnqueueOptions{
		BaseVersion: current.ServerVersion,
	})
	if err != nil {
		return nil, m.restore(ctx, current, err)
	}

	m.logger.Debug("Entity updated", "entity_type", t, "entity_id", id, "fields", d.Fields())
	m.publish(events.EntityUpdated, updated, "")
	m.afterMutation()

	return updated, nil
}

// DeleteEntity выполняет soft delete. Запись, которая так и не попала на сервер,
// удаляется сразу.
func (m *Manager) DeleteEntity(ctx context.Context, t models.EntityType, id string) error {
	done, err := m.begin()
	if err != nil {
		return err
	}
	defer done()

	unlock := m.locks.Lock(models.EntityKey(t, id))
	defer unlock()

	current, err := m.store.Get(ctx, t, id)
	if err != nil {
		return err
	}
	if current.IsDeleted {
		return nil
	}
	if current.SyncStatus == models.SyncStatusConflict {
		return fmt.Errorf("%w: %s", ErrConflictPending, current.Key())
	}

	deleted, err := m.store.Delete(ctx, t, id, models.SyncStatusPendingDelete)
	if err != nil {
		m.publish(events.EntityError, current, err.Error())
		return err
	}
	m.index.Remove(t, id)

	res, err := m.queue.Enqueue(ctx, t, id, models.ActionDelete, nil, clientsync.EnqueueOptions{
		BaseVersion: current.ServerVersion,
	})
	if err != nil {
		return m.restore(ctx, current, err)
	}
	if res.Cancelled {
		if err := m.store.Purge(ctx, t, id); err != nil && !errors.Is(err, storage.ErrEntityNotFound) {
			return err
		}
		m.logger.Debug("Unsynced entity purged", "entity_type", t, "entity_id", id)
	}

	m.publish(events.EntityDeleted, deleted, "")
	m.afterMutation()
	return nil
}

// GetEntity returns the entity. Soft-deleted entities are reported as not found.
func (m *Manager) GetEntity(ctx context.Context, t models.EntityType, id string) (*models.Entity, error) {
	done, err := m.begin()
	if err != nil {
		return nil, err
	}
	defer done()

	e, err := m.store.Get(ctx, t, id)
	if err != nil {
		return nil, err
	}
	if e.IsDeleted {
		return nil, storage.ErrEntityNotFound
	}
	return e, nil
}

// GetEntities returns entities of a type matching the filter.
func (m *Manager) GetEntities(ctx context.Context, t models.EntityType, f store.Filter) ([]*models.Entity, error) {
	done, err := m.begin()
	if err != nil {
		return nil, err
	}
	defer done()

	return m.store.GetAll(ctx, t, f)
}

// SearchEntities ищет по офлайн-индексу и загружает найденные записи
func (m *Manager) SearchEntities(ctx context.Context, query string, opts search.Options) ([]SearchHit, error) {
	done, err := m.begin()
	if err != nil {
		return nil, err
	}
	defer done()

	results := m.index.Search(query, opts)
	hits := make([]SearchHit, 0, len(results))
	for _, r := range results {
		e, err := m.store.Get(ctx, r.EntityType, r.ID)
		if err != nil {
			if errors.Is(err, storage.ErrEntityNotFound) {
				// Индекс отстал от хранилища: пропускаем
				m.index.Remove(r.EntityType, r.ID)
				continue
			}
			return nil, err
		}
		if e.IsDeleted {
			continue
		}
		hits = append(hits, SearchHit{Entity: e, Score: r.Score})
	}
	return hits, nil
}

// mutable проверяет, что запись можно менять локально
func mutable(e *models.Entity) error {
	switch {
	case e.IsDeleted:
		return fmt.Errorf("%w: %s", ErrEntityDeleted, e.Key())
	case e.SyncStatus == models.SyncStatusConflict:
		return fmt.Errorf("%w: %s", ErrConflictPending, e.Key())
	}
	return nil
}

// restore возвращает запись в состояние prev после того, как следующий
// за записью шаг не удался. Возвращает cause, дополненную ошибкой отката.
func (m *Manager) restore(ctx context.Context, prev *models.Entity, cause error) error {
	if err := m.store.Store(ctx, prev.Type, prev, store.Options{Encrypt: true}); err != nil {
		m.logger.Error("Failed to roll back entity", "entity", prev.Key(), "error", err)
		return multierr.Append(cause, err)
	}
	if prev.IsDeleted {
		m.index.Remove(prev.Type, prev.ID)
	} else {
		m.index.IndexEntity(prev)
	}
	m.publish(events.EntityError, prev, cause.Error())
	return cause
}

// afterMutation запускает фоновый проход, если включен AutoSync
func (m *Manager) afterMutation() {
	if m.opts.AutoSync && m.syncer != nil {
		m.scheduler.Trigger("mutation")
	}
}
