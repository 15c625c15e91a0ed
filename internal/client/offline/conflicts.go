package offline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/iudanet/tasksync/internal/client/events"
	"github.com/iudanet/tasksync/internal/client/storage"
	"github.com/iudanet/tasksync/internal/client/store"
	clientsync "github.com/iudanet/tasksync/internal/client/sync"
	"github.com/iudanet/tasksync/internal/delta"
	"github.com/iudanet/tasksync/internal/models"
)

// Conflicts returns recorded conflicts ordered by detection time.
func (m *Manager) Conflicts(ctx context.Context, unresolvedOnly bool) ([]*models.Conflict, error) {
	done, err := m.begin()
	if err != nil {
		return nil, err
	}
	defer done()

	return m.resolver.List(ctx, unresolvedOnly)
}

// ResolveConflict разрешает конфликт и снимает блокировку записи.
// Решение отправляется на сервер с версией, полученной в ответе 409/412,
// с высоким приоритетом.
func (m *Manager) ResolveConflict(ctx context.Context, id string, strategy models.Resolution, overrides map[string]any) (*models.Conflict, error) {
	done, err := m.begin()
	if err != nil {
		return nil, err
	}
	defer done()

	pending, err := m.resolver.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	t := pending.EntityType

	if len(overrides) > 0 {
		schema, err := models.SchemaFor(t)
		if err != nil {
			return nil, err
		}
		if overrides, err = models.NormalizeFields(overrides); err != nil {
			return nil, err
		}
		if err := schema.Validate(overrides, true); err != nil {
			return nil, err
		}
	}

	unlock := m.locks.Lock(models.EntityKey(t, pending.EntityID))
	defer unlock()

	// Разрешение вычисляется заранее, а помечается разрешенным последним шагом:
	// сбой записи или очереди оставляет конфликт открытым для повтора
	c, err := m.resolver.Plan(ctx, id, strategy, overrides)
	if err != nil {
		return nil, err
	}

	current, err := m.store.Get(ctx, t, c.EntityID)
	if err != nil {
		if errors.Is(err, storage.ErrEntityNotFound) {
			// Запись уже вычищена: разрешать нечего, кроме самого конфликта
			if err := m.resolver.Commit(ctx, c); err != nil {
				return nil, err
			}
			return c, nil
		}
		return nil, err
	}

	updated := current.Clone()
	updated.LastError = ""
	updated.LastModified = m.now().UTC()
	if c.ServerVersion > 0 {
		updated.ServerVersion = c.ServerVersion
	}

	var (
		action  models.SyncAction
		payload map[string]any
	)
	switch {
	case strategy == models.ResolutionRemote:
		updated.Fields = models.CloneFields(c.ServerData)
		updated.IsDeleted = false
		updated.SyncStatus = models.SyncStatusSynced

	case c.SyncAction == models.ActionDelete && strategy == models.ResolutionLocal:
		updated.IsDeleted = true
		updated.SyncStatus = models.SyncStatusPendingDelete
		action = models.ActionDelete

	default:
		updated.Fields = models.CloneFields(c.ResolvedData)
		updated.IsDeleted = false
		updated.Version++
		payload = delta.Diff(c.ServerData, c.ResolvedData).Patch()
		if len(payload) == 0 {
			updated.SyncStatus = models.SyncStatusSynced
		} else {
			updated.SyncStatus = models.SyncStatusPendingUpdate
			action = models.ActionUpdate
		}
	}

	if err := m.store.Store(ctx, t, updated, store.Options{Encrypt: true}); err != nil {
		m.publish(events.EntityError, current, err.Error())
		return nil, err
	}
	if updated.IsDeleted {
		m.index.Remove(t, updated.ID)
	} else {
		m.index.IndexEntity(updated)
	}

	// Пока запись в конфликте, мутации отклоняются, так что в очереди
	// остаются только элементы, пережившие прежний сбой
	if _, err := m.queue.RemoveEntity(ctx, t, c.EntityID); err != nil {
		return nil, m.restore(ctx, current, err)
	}

	if action != "" {
		_, err := m.queue.Enqueue(ctx, t, updated.ID, action, payload, clientsync.EnqueueOptions{
			BaseVersion: c.ServerVersion,
			Priority:    models.PriorityHigh,
		})
		if err != nil {
			return nil, m.restore(ctx, current, fmt.Errorf("failed to enqueue resolution: %w", err))
		}
	}

	if err := m.resolver.Commit(ctx, c); err != nil {
		if action != "" {
			if _, qerr := m.queue.RemoveEntity(ctx, t, c.EntityID); qerr != nil {
				err = multierr.Append(err, qerr)
			}
		}
		return nil, m.restore(ctx, current, err)
	}

	m.logger.Info("Conflict applied", "conflict_id", c.ID, "entity", updated.Key(), "strategy", strategy, "action", action)
	m.publish(events.EntityUpdated, updated, "")
	m.afterMutation()

	return c, nil
}
