package storage

import (
	"context"
	"time"
)

// Record запись на стороне сервера
type Record struct {
	CreatedAt time.Time
	UpdatedAt time.Time
	Fields    map[string]any
	ID        string
	ClientID  string // ClientID оптимистичный id клиента, по нему повторный create идемпотентен
	Type      string
	Version   int64
	Deleted   bool
}

// EntityStorage defines interface for entity persistence on the server
type EntityStorage interface {
	// Create stores a new record with version 1
	// A repeated create with the same (Type, ClientID) returns the existing record and created=false
	Create(ctx context.Context, rec *Record) (stored *Record, created bool, err error)

	// Get retrieves a record by type and ID
	// Returns ErrEntityNotFound if record doesn't exist or is deleted
	Get(ctx context.Context, entityType, id string) (*Record, error)

	// List returns all non-deleted records of a type
	List(ctx context.Context, entityType string) ([]*Record, error)

	// Update applies a field patch if baseVersion matches the current version
	// A nil value in the patch removes the field
	// Returns *VersionMismatchError on version mismatch
	Update(ctx context.Context, entityType, id string, baseVersion int64, patch map[string]any) (*Record, error)

	// Delete marks the record as deleted if baseVersion matches (0 skips the check)
	Delete(ctx context.Context, entityType, id string, baseVersion int64) error

	// Put replaces the record unconditionally, bumping its version
	// Used to simulate changes made by other clients
	Put(ctx context.Context, entityType, id string, fields map[string]any) (*Record, error)
}
