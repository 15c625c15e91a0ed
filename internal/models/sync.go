package models

import "time"

// SyncAction действие, которое нужно выполнить на сервере
type SyncAction string

const (
	ActionCreate SyncAction = "create"
	ActionUpdate SyncAction = "update"
	ActionDelete SyncAction = "delete"
)

// Priorities used by the façade. Conflict resolutions jump the queue.
const (
	PriorityNormal = 0
	PriorityHigh   = 10
)

// SyncQueueItem отложенная исходящая мутация.
// Для одной сущности в очереди не более одного ожидающего элемента;
// последующие локальные изменения сливаются в него (coalescing).
type SyncQueueItem struct {
	CreatedAt   time.Time      `json:"createdAt"`   // CreatedAt время постановки в очередь
	NextRetryAt time.Time      `json:"nextRetryAt"` // NextRetryAt не раньше этого момента элемент не отправляется
	Payload     map[string]any `json:"payload"`     // Payload поля для create или дельта для update
	ID          string         `json:"id"`          // ID ULID элемента
	EntityType  EntityType     `json:"entityType"`
	EntityID    string         `json:"entityId"`
	Action      SyncAction     `json:"action"`
	LastError   string         `json:"lastError"`
	Priority    int            `json:"priority"`
	RetryCount  int            `json:"retryCount"`
	MaxRetries  int            `json:"maxRetries"`
	BaseVersion int64          `json:"baseVersion"` // BaseVersion версия сервера, от которой сделано изменение
	Seq         uint64         `json:"seq"`         // Seq порядковый номер постановки (порядок внутри одной сущности)
	InFlight    bool           `json:"inFlight"`    // InFlight запрос по элементу уже отправлен
}

// EntityKey returns the "<type>/<id>" key of the entity the item belongs to.
func (i *SyncQueueItem) EntityKey() string {
	return EntityKey(i.EntityType, i.EntityID)
}

// Due reports whether the item may be sent at time now.
func (i *SyncQueueItem) Due(now time.Time) bool {
	return i.NextRetryAt.IsZero() || !i.NextRetryAt.After(now)
}

// Clone создает глубокую копию элемента очереди
func (i *SyncQueueItem) Clone() *SyncQueueItem {
	if i == nil {
		return nil
	}
	clone := *i
	clone.Payload = CloneFields(i.Payload)
	return &clone
}
