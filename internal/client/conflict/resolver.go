// Package conflict хранит и разрешает конфликты версий между локальными
// изменениями и состоянием сервера.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/iudanet/tasksync/internal/client/storage"
	"github.com/iudanet/tasksync/internal/delta"
	"github.com/iudanet/tasksync/internal/models"
	"github.com/iudanet/tasksync/pkg/api"
)

var (
	// ErrAlreadyResolved возвращается при повторном разрешении конфликта
	ErrAlreadyResolved = errors.New("conflict already resolved")

	// ErrInvalidStrategy возвращается для неизвестной стратегии
	ErrInvalidStrategy = errors.New("invalid resolution strategy")
)

// Detect возвращает отсортированный список расходящихся доменных полей.
// Системные поля в сравнении не участвуют.
func Detect(local, server map[string]any) []string {
	fields := make([]string, 0)
	for _, name := range delta.Diff(local, server).Fields() {
		if !models.IsSystemField(name) {
			fields = append(fields, name)
		}
	}
	return fields
}

// Resolver хранит конфликты в ConflictStorage.
// Переход pending -> resolved терминален.
type Resolver struct {
	storage storage.ConflictStorage
	logger  *slog.Logger
	now     func() time.Time
	mu      sync.Mutex
}

// NewResolver creates a conflict resolver
func NewResolver(st storage.ConflictStorage, logger *slog.Logger) *Resolver {
	return &Resolver{
		storage: st,
		logger:  logger,
		now:     time.Now,
	}
}

// Record сохраняет конфликт по отклоненному элементу очереди.
// local - локальные доменные поля записи, server - текущее состояние из тела 409/412 (может быть nil).
func (r *Resolver) Record(ctx context.Context, item *models.SyncQueueItem, local map[string]any, server *api.Entity) (*models.Conflict, error) {
	var (
		serverData    map[string]any
		serverVersion int64
	)
	if server != nil {
		serverData = models.CloneFields(server.Fields)
		serverVersion = server.Version
	}

	c := &models.Conflict{
		ID:             ulid.Make().String(),
		EntityType:     item.EntityType,
		EntityID:       item.EntityID,
		LocalData:      models.CloneFields(local),
		ServerData:     serverData,
		LocalChanges:   models.CloneFields(item.Payload),
		ConflictFields: Detect(local, serverData),
		SyncAction:     item.Action,
		ServerVersion:  serverVersion,
		Timestamp:      r.now().UTC(),
	}

	if err := r.storage.SaveConflict(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to save conflict: %w", err)
	}

	r.logger.Info("Conflict recorded",
		"conflict_id", c.ID,
		"entity_type", c.EntityType,
		"entity_id", c.EntityID,
		"fields", c.ConflictFields,
		"server_version", c.ServerVersion)

	return c, nil
}

// Resolve разрешает конфликт выбранной стратегией и сохраняет его разрешенным.
func (r *Resolver) Resolve(ctx context.Context, id string, strategy models.Resolution, overrides map[string]any) (*models.Conflict, error) {
	c, err := r.Plan(ctx, id, strategy, overrides)
	if err != nil {
		return nil, err
	}
	if err := r.Commit(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Plan вычисляет разрешение, ничего не сохраняя. Возвращает копию конфликта
// с Resolution и ResolvedData; пока не вызван Commit, конфликт остается открытым.
//   - local: локальные поля
//   - remote: поля сервера
//   - merge: поля сервера, поверх локальные изменения, поверх overrides
func (r *Resolver) Plan(ctx context.Context, id string, strategy models.Resolution, overrides map[string]any) (*models.Conflict, error) {
	if !strategy.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStrategy, strategy)
	}

	c, err := r.storage.GetConflict(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Resolved {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
	}

	var resolved map[string]any
	switch strategy {
	case models.ResolutionLocal:
		resolved = models.CloneFields(c.LocalData)
	case models.ResolutionRemote:
		resolved = models.CloneFields(c.ServerData)
	case models.ResolutionMerge:
		resolved = delta.Apply(c.ServerData, c.LocalChanges)
		resolved = delta.Apply(resolved, overrides)
	}
	if resolved == nil {
		resolved = map[string]any{}
	}

	c.Resolution = strategy
	c.ResolvedData = resolved
	return c, nil
}

// Commit помечает конфликт, вычисленный Plan, разрешенным. Переход терминальный.
func (r *Resolver) Commit(ctx context.Context, c *models.Conflict) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, err := r.storage.GetConflict(ctx, c.ID)
	if err != nil {
		return err
	}
	if stored.Resolved {
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, c.ID)
	}

	stored.Resolved = true
	stored.Resolution = c.Resolution
	stored.ResolvedData = c.ResolvedData
	stored.ResolvedAt = r.now().UTC()

	if err := r.storage.SaveConflict(ctx, stored); err != nil {
		return fmt.Errorf("failed to save resolved conflict: %w", err)
	}
	*c = *stored

	r.logger.Info("Conflict resolved", "conflict_id", c.ID, "entity", models.EntityKey(c.EntityType, c.EntityID), "strategy", c.Resolution)
	return nil
}

// Get returns a conflict by id.
func (r *Resolver) Get(ctx context.Context, id string) (*models.Conflict, error) {
	return r.storage.GetConflict(ctx, id)
}

// List возвращает конфликты по времени создания; unresolvedOnly отбрасывает разрешенные
func (r *Resolver) List(ctx context.Context, unresolvedOnly bool) ([]*models.Conflict, error) {
	all, err := r.storage.ListConflicts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}

	out := make([]*models.Conflict, 0, len(all))
	for _, c := range all {
		if unresolvedOnly && c.Resolved {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// HasUnresolved reports whether the entity is blocked by a pending conflict.
func (r *Resolver) HasUnresolved(ctx context.Context, t models.EntityType, id string) (bool, error) {
	all, err := r.storage.ListConflicts(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list conflicts: %w", err)
	}
	for _, c := range all {
		if !c.Resolved && c.EntityType == t && c.EntityID == id {
			return true, nil
		}
	}
	return false, nil
}

// Rekey переносит конфликты записи на канонический id
func (r *Resolver) Rekey(ctx context.Context, t models.EntityType, oldID, newID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.storage.ListConflicts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list conflicts: %w", err)
	}
	for _, c := range all {
		if c.EntityType != t || c.EntityID != oldID {
			continue
		}
		c.EntityID = newID
		if err := r.storage.SaveConflict(ctx, c); err != nil {
			return fmt.Errorf("failed to rekey conflict %s: %w", c.ID, err)
		}
	}
	return nil
}
