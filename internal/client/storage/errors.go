package storage

import (
	"errors"
	"fmt"
)

// Common client storage errors
var (
	// ErrEntityNotFound indicates that entity record was not found
	ErrEntityNotFound = errors.New("entity not found")

	// ErrQueueItemNotFound indicates that sync queue item was not found
	ErrQueueItemNotFound = errors.New("sync queue item not found")

	// ErrConflictNotFound indicates that conflict record was not found
	ErrConflictNotFound = errors.New("conflict not found")

	// ErrCacheMiss indicates that no cached response exists for the key
	ErrCacheMiss = errors.New("cached response not found")

	// ErrMetaNotFound indicates that metadata key does not exist
	ErrMetaNotFound = errors.New("metadata not found")

	// ErrStorageClosed indicates that storage is closed
	ErrStorageClosed = errors.New("storage is closed")
)

// Error is the typed StorageError: a local I/O failure of the storage backend.
// Prior state is left untouched when a write fails with this error.
type Error struct {
	Err    error
	Op     string
	Family Family
	Key    string
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage: %s %s: %v", e.Op, e.Family, e.Err)
	}
	return fmt.Sprintf("storage: %s %s/%s: %v", e.Op, e.Family, e.Key, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap wraps err into *Error unless it is nil, a not-found sentinel or already a *Error.
func Wrap(op string, family Family, key string, err error) error {
	if err == nil || IsNotFound(err) {
		return err
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, Family: family, Key: key, Err: err}
}

// IsNotFound reports whether err is one of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntityNotFound) ||
		errors.Is(err, ErrQueueItemNotFound) ||
		errors.Is(err, ErrConflictNotFound) ||
		errors.Is(err, ErrCacheMiss) ||
		errors.Is(err, ErrMetaNotFound)
}

// IsStorageError reports whether err carries a *Error.
func IsStorageError(err error) bool {
	var se *Error
	return errors.As(err, &se)
}
