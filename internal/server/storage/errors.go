package storage

import (
	"errors"
	"fmt"
)

// Common storage errors
var (
	// ErrEntityNotFound indicates that entity does not exist or is deleted
	ErrEntityNotFound = errors.New("entity not found")
)

// VersionMismatchError возвращается, если версия клиента не совпадает с текущей.
// Current - текущее состояние записи, которое сервер возвращает в теле 409/412.
type VersionMismatchError struct {
	Current  *Record
	Expected int64
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("version mismatch: client has %d, server has %d", e.Expected, e.Current.Version)
}
