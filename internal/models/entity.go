package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityType закрытое перечисление типов доменных записей
type EntityType string

const (
	EntityTypeTask      EntityType = "task"      // задача
	EntityTypeWorkspace EntityType = "workspace" // рабочее пространство
	EntityTypeFile      EntityType = "file"      // прикрепленный файл
)

// EntityTypes returns all known entity types in a stable order.
func EntityTypes() []EntityType {
	return []EntityType{EntityTypeTask, EntityTypeWorkspace, EntityTypeFile}
}

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	switch t {
	case EntityTypeTask, EntityTypeWorkspace, EntityTypeFile:
		return true
	}
	return false
}

// Endpoint returns the collection segment of the remote API path (/api/<endpoint>).
func (t EntityType) Endpoint() string {
	return string(t) + "s"
}

// ParseEntityType converts a string (singular or plural form) into an EntityType.
func ParseEntityType(s string) (EntityType, error) {
	for _, t := range EntityTypes() {
		if s == string(t) || s == t.Endpoint() {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown entity type: %q", s)
}

// SyncStatus состояние синхронизации записи с сервером
type SyncStatus string

const (
	SyncStatusSynced        SyncStatus = "synced"
	SyncStatusPendingCreate SyncStatus = "pending_create"
	SyncStatusPendingUpdate SyncStatus = "pending_update"
	SyncStatusPendingDelete SyncStatus = "pending_delete"
	SyncStatusConflict      SyncStatus = "conflict"
)

// IsPending reports whether the entity has local changes not yet accepted by the server.
func (s SyncStatus) IsPending() bool {
	return s == SyncStatusPendingCreate || s == SyncStatusPendingUpdate || s == SyncStatusPendingDelete
}

// System field names. They live in the shared base of Entity and never take part
// in conflict detection.
const (
	FieldID         = "id"
	FieldCreatedAt  = "createdAt"
	FieldUpdatedAt  = "updatedAt"
	FieldVersion    = "version"
	FieldSyncStatus = "syncStatus"
)

var systemFields = map[string]struct{}{
	FieldID:         {},
	FieldCreatedAt:  {},
	FieldUpdatedAt:  {},
	FieldVersion:    {},
	FieldSyncStatus: {},
	"lastModified":  {},
	"entityType":    {},
	"isDeleted":     {},
}

// IsSystemField reports whether name is a system field.
func IsSystemField(name string) bool {
	_, ok := systemFields[name]
	return ok
}

// Entity доменная запись, отслеживаемая движком синхронизации.
// Системные поля хранятся в общей базе, доменные поля - в Fields
// и валидируются схемой своего типа.
type Entity struct {
	CreatedAt     time.Time      `json:"createdAt"`     // CreatedAt время создания записи
	LastModified  time.Time      `json:"lastModified"`  // LastModified время последнего локального изменения
	Fields        map[string]any `json:"fields"`        // Fields доменные поля (title, priority, ...)
	ID            string         `json:"id"`            // ID идентификатор (оптимистичный UUID или канонический серверный)
	Type          EntityType     `json:"entityType"`    // Type тип записи
	SyncStatus    SyncStatus     `json:"syncStatus"`    // SyncStatus состояние синхронизации
	LastError     string         `json:"lastError"`     // LastError последняя ошибка синхронизации
	Version       int64          `json:"version"`       // Version монотонно растущая локальная версия
	ServerVersion int64          `json:"serverVersion"` // ServerVersion последняя версия, подтвержденная сервером
	IsDeleted     bool           `json:"isDeleted"`     // IsDeleted флаг soft delete
}

// Clone создает глубокую копию записи
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Fields = CloneFields(e.Fields)
	return &clone
}

// Key returns the composite identity of the entity.
func (e *Entity) Key() string {
	return EntityKey(e.Type, e.ID)
}

// EntityKey builds the composite "<type>/<id>" key used by the queue and the index.
func EntityKey(t EntityType, id string) string {
	return string(t) + "/" + id
}

// CloneFields deep-copies a field map. Nested maps and slices are copied as well,
// scalar values are shared.
func CloneFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneFields(val)
	case []any:
		out := make([]any, len(val))
		for i := range val {
			out[i] = cloneValue(val[i])
		}
		return out
	default:
		return v
	}
}

// NormalizeFields приводит значения полей к JSON-представлению
// (числа -> float64, структуры -> map[string]any), чтобы запись,
// прочитанная из хранилища, совпадала с записью, переданной на сохранение.
func NormalizeFields(fields map[string]any) (map[string]any, error) {
	if fields == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fields: %w", err)
	}
	out := make(map[string]any, len(fields))
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
	}
	return out, nil
}
