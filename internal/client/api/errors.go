package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/iudanet/tasksync/pkg/api"
)

// NetworkError временная ошибка удаленного API: сбой транспорта, таймаут
// или неожиданный статус. Подлежит повтору с backoff.
type NetworkError struct {
	Err        error
	Method     string
	Path       string
	Message    string
	StatusCode int // 0 если ответ не получен
}

func (e *NetworkError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("network error: %s %s: %v", e.Method, e.Path, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("network error: %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("network error: %s %s: status %d", e.Method, e.Path, e.StatusCode)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ConflictError сервер отклонил запись из-за несовпадения версии (409/412).
// Current - текущее состояние записи на сервере; не повторяется автоматически.
type ConflictError struct {
	Current    *api.Entity
	Message    string
	StatusCode int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict (%d): %s", e.StatusCode, e.Message)
}

// AuthError токен отсутствует, истек или отклонен сервером (401/403).
// Повтор без вмешательства пользователя бессмыслен.
type AuthError struct {
	Message    string
	StatusCode int
}

func (e *AuthError) Error() string {
	if e.StatusCode == 0 {
		return "auth error: " + e.Message
	}
	return fmt.Sprintf("auth error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 response.
func IsNotFound(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne) && ne.StatusCode == http.StatusNotFound
}

// IsConflict reports whether err is a version conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
