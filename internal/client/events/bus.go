// Package events is a fire-and-forget event bus for the sync engine.
// Publish never blocks: a subscriber that does not keep up loses events.
package events

import (
	"sync"
	"time"

	"github.com/iudanet/tasksync/internal/models"
)

// Type тип события
type Type string

const (
	EntityCreated  Type = "entity_created"
	EntityUpdated  Type = "entity_updated"
	EntityDeleted  Type = "entity_deleted"
	EntityError    Type = "entity_error"
	SyncEvent      Type = "sync_event"
	StorageStats   Type = "storage_stats"
	NetworkOnline  Type = "network_online"
	NetworkOffline Type = "network_offline"
)

// Phase стадия sync_event
type Phase string

const (
	PhaseDrainStarted   Phase = "drain_started"
	PhaseItemSucceeded  Phase = "item_succeeded"
	PhaseItemFailed     Phase = "item_failed"
	PhaseItemConflicted Phase = "conflict_detected"
	PhasePermanentFail  Phase = "permanent_sync_failure"
	PhaseDrainCompleted Phase = "drain_completed"
	PhaseDrainFailed    Phase = "drain_failed"
	PhaseAuthRequired   Phase = "auth_required" // сервер отклонил токен; проход прерван
)

// DefaultBuffer размер буфера подписки по умолчанию
const DefaultBuffer = 64

// Event уведомление для UI и слоя совместной работы
type Event struct {
	Time       time.Time
	Payload    any // Payload дополнительные данные (запись, результат прогона, статистика)
	Type       Type
	Phase      Phase
	EntityType models.EntityType
	EntityID   string
	Error      string
}

type subscriber struct {
	ch      chan Event
	dropped uint64
}

// Bus рассылает события подписчикам без блокировки издателя
type Bus struct {
	subs   map[uint64]*subscriber
	mu     sync.Mutex
	nextID uint64
	closed bool
}

// NewBus creates an empty event bus
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*subscriber)}
}

// Subscribe returns a channel of events and a function that cancels the subscription.
// buffer <= 0 means DefaultBuffer.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber{ch: ch}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
		})
	}
}

// Publish delivers ev to every subscriber that has room in its buffer.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped++
		}
	}
}

// Dropped returns the number of events lost by all current subscribers.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	var n uint64
	for _, sub := range b.subs {
		n += sub.dropped
	}
	return n
}

// Close closes every subscription channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
