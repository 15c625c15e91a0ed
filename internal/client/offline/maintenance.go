package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/iudanet/tasksync/internal/client/encryption"
	"github.com/iudanet/tasksync/internal/client/events"
	"github.com/iudanet/tasksync/internal/client/quota"
	"github.com/iudanet/tasksync/internal/client/storage"
	"github.com/iudanet/tasksync/internal/client/store"
	"github.com/iudanet/tasksync/internal/models"
	"github.com/iudanet/tasksync/pkg/api"
)

var _ quota.QueuePruner = (*Manager)(nil)

// PruneOrphan удаляет элемент очереди, если его записи больше нет. Проверка
// выполняется под блокировкой записи, так что подтверждение сервера,
// переносящее запись под новый id, не может пройти между чтением и удалением.
func (m *Manager) PruneOrphan(ctx context.Context, item *models.SyncQueueItem) (bool, error) {
	unlock := m.locks.Lock(item.EntityKey())
	defer unlock()

	return m.queue.RemoveOrphan(ctx, item.ID, item.EntityKey(), func(ctx context.Context, t models.EntityType, id string) (bool, error) {
		_, err := m.backend.GetEntity(ctx, t, id)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, storage.ErrEntityNotFound):
			return false, nil
		default:
			return false, err
		}
	})
}

// Stats returns storage usage and publishes it on the event bus.
func (m *Manager) Stats(ctx context.Context) (*quota.Stats, error) {
	done, err := m.begin()
	if err != nil {
		return nil, err
	}
	defer done()

	stats, err := m.quota.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	m.bus.Publish(events.Event{Type: events.StorageStats, Payload: *stats})
	return stats, nil
}

// Cleanup освобождает место: просроченный кэш, старые разрешенные конфликты,
// осиротевшие элементы очереди. Без force выполняется только выше порога квоты.
func (m *Manager) Cleanup(ctx context.Context, force bool) (*quota.CleanupResult, error) {
	done, err := m.begin()
	if err != nil {
		return nil, err
	}
	defer done()

	res, err := m.quota.Cleanup(ctx, force)
	if err != nil {
		return res, err
	}
	if !res.Skipped {
		if stats, err := m.quota.GetStats(ctx); err == nil {
			m.bus.Publish(events.Event{Type: events.StorageStats, Payload: *stats})
		}
	}
	return res, nil
}

// Export returns a snapshot of every storage family.
// Sensitive fields stay encrypted inside the snapshot.
func (m *Manager) Export(ctx context.Context) (*storage.Snapshot, error) {
	done, err := m.begin()
	if err != nil {
		return nil, err
	}
	defer done()

	return m.store.Export(ctx)
}

// Import заменяет все локальные данные снимком. Выполняется эксклюзивно:
// после замены очередь перечитывается, а индекс строится заново.
func (m *Manager) Import(ctx context.Context, snap *storage.Snapshot) error {
	if m.State() != StateReady {
		return ErrNotReady
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	if err := m.store.Import(ctx, snap); err != nil {
		return err
	}

	// Снимок приносит свою соль и проверку ключа
	enc, err := encryption.NewService(ctx, m.backend, m.opts.Encryption, m.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize encryption for imported data: %w", err)
	}
	m.store = store.NewService(m.backend, enc, m.opts.Store, m.logger)

	if err := m.queue.Reload(ctx); err != nil {
		return err
	}
	return m.rebuildIndex(ctx)
}

// FetchRemote читает запись с сервера через кэш ответов.
// Без сети отдается последний снимок; stale сообщает, что он просрочен.
func (m *Manager) FetchRemote(ctx context.Context, t models.EntityType, id string) (entity *api.Entity, stale bool, err error) {
	path := "/api/" + t.Endpoint() + "/" + url.PathEscape(id)

	var e api.Entity
	stale, err = m.fetchCached(ctx, path, &e)
	if err != nil {
		return nil, false, err
	}
	return &e, stale, nil
}

// FetchRemoteList читает все записи типа с сервера через кэш ответов.
func (m *Manager) FetchRemoteList(ctx context.Context, t models.EntityType) (items []api.Entity, stale bool, err error) {
	var resp api.ListResponse
	stale, err = m.fetchCached(ctx, "/api/"+t.Endpoint(), &resp)
	if err != nil {
		return nil, false, err
	}
	return resp.Items, stale, nil
}

func (m *Manager) fetchCached(ctx context.Context, path string, v any) (bool, error) {
	done, err := m.begin()
	if err != nil {
		return false, err
	}
	defer done()

	if m.cache == nil {
		return false, ErrNoRemote
	}

	res, err := m.cache.Get(ctx, path)
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(res.Data, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return res.Stale, nil
}
