package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Resolution стратегия разрешения конфликта
type Resolution string

const (
	ResolutionLocal  Resolution = "local"  // оставить локальные изменения
	ResolutionRemote Resolution = "remote" // принять серверное состояние
	ResolutionMerge  Resolution = "merge"  // серверные поля + локальные изменения + явные переопределения
)

// Valid reports whether r is a known resolution strategy.
func (r Resolution) Valid() bool {
	return r == ResolutionLocal || r == ResolutionRemote || r == ResolutionMerge
}

// Conflict расхождение локального и серверного состояния записи.
// Создается только когда сервер отклонил запись из-за несовпадения версии
// и блокирует дальнейшую синхронизацию записи до разрешения.
type Conflict struct {
	Timestamp      time.Time      `json:"timestamp"`
	ResolvedAt     time.Time      `json:"resolvedAt"`
	LocalData      map[string]any `json:"localData"`      // LocalData локальные доменные поля на момент отказа
	ServerData     map[string]any `json:"serverData"`     // ServerData доменные поля сервера из тела 409
	LocalChanges   map[string]any `json:"localChanges"`   // LocalChanges поля, которые пытались отправить
	ResolvedData   map[string]any `json:"resolvedData"`   // ResolvedData итоговые поля после разрешения
	ID             string         `json:"id"`             // ID ULID конфликта
	EntityType     EntityType     `json:"entityType"`
	EntityID       string         `json:"entityId"`
	SyncAction     SyncAction     `json:"syncAction"`     // SyncAction действие, которое было отклонено
	Resolution     Resolution     `json:"resolution"`
	ConflictFields []string       `json:"conflictFields"` // ConflictFields расходящиеся доменные поля (отсортированы)
	ServerVersion  int64          `json:"serverVersion"`  // ServerVersion текущая версия записи на сервере
	Resolved       bool           `json:"resolved"`
}

// CachedResponse снимок идемпотентного GET-ответа.
// Кэш не связан с очередью мутаций и вытесняется независимо.
type CachedResponse struct {
	Timestamp time.Time     `json:"timestamp"`
	ExpiresAt time.Time     `json:"expiresAt"`
	ID        string        `json:"id"` // ID sha256 от URL
	URL       string        `json:"url"`
	Snapshot  []byte        `json:"snapshot"`
	TTL       time.Duration `json:"ttl"`
}

// Expired reports whether the cached response is stale at time now.
func (c *CachedResponse) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// CacheID returns the identifier of a cached response for url.
func CacheID(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}
