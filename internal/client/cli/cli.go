// Package cli команды интерактивного клиента поверх движка синхронизации.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/iudanet/tasksync/internal/client/iocli"
	"github.com/iudanet/tasksync/internal/client/offline"
	"github.com/iudanet/tasksync/internal/client/quota"
	"github.com/iudanet/tasksync/internal/client/search"
	"github.com/iudanet/tasksync/internal/client/store"
	clientsync "github.com/iudanet/tasksync/internal/client/sync"
	"github.com/iudanet/tasksync/internal/models"
)

//go:generate moq -out engine_mock.go . Engine

// Engine операции движка, которые использует клиент
type Engine interface {
	CreateEntity(ctx context.Context, t models.EntityType, fields map[string]any) (*models.Entity, error)
	UpdateEntity(ctx context.Context, t models.EntityType, id string, changes map[string]any) (*models.Entity, error)
	DeleteEntity(ctx context.Context, t models.EntityType, id string) error
	GetEntity(ctx context.Context, t models.EntityType, id string) (*models.Entity, error)
	GetEntities(ctx context.Context, t models.EntityType, f store.Filter) ([]*models.Entity, error)
	SearchEntities(ctx context.Context, query string, opts search.Options) ([]offline.SearchHit, error)
	Sync(ctx context.Context) (*clientsync.DrainResult, error)
	Queue(ctx context.Context) ([]*models.SyncQueueItem, error)
	Conflicts(ctx context.Context, unresolvedOnly bool) ([]*models.Conflict, error)
	ResolveConflict(ctx context.Context, id string, strategy models.Resolution, overrides map[string]any) (*models.Conflict, error)
	Stats(ctx context.Context) (*quota.Stats, error)
	Cleanup(ctx context.Context, force bool) (*quota.CleanupResult, error)
}

var _ Engine = (*offline.Manager)(nil)

// Secrets источники секрета шифрования
type Secrets struct {
	FromEnv  string // FromEnv значение из конфигурации (TASKSYNC_ENCRYPTION_SECRET)
	FromFile string
	Prompt   bool // Prompt запросить интерактивно, если других источников нет
}

// Cli выполняет команды клиента
type Cli struct {
	engine Engine
	io     iocli.IO
}

// New creates a CLI over the engine.
func New(engine Engine, io iocli.IO) *Cli {
	return &Cli{engine: engine, io: io}
}

// getSecret returns the encryption secret with priority:
// 1. Configuration (environment variable)
// 2. File
// 3. Interactive prompt, if requested
// Empty result means encryption is disabled.
func getSecret(io iocli.IO, s Secrets) (string, error) {
	if s.FromEnv != "" {
		return s.FromEnv, nil
	}

	if s.FromFile != "" {
		content, err := os.ReadFile(s.FromFile)
		if err != nil {
			return "", fmt.Errorf("failed to read secret file: %w", err)
		}
		// Убираем trailing newline/whitespace
		secret := strings.TrimSpace(string(content))
		if secret == "" {
			return "", fmt.Errorf("secret file is empty")
		}
		return secret, nil
	}

	if !s.Prompt {
		return "", nil
	}
	secret, err := io.ReadPassword("Encryption secret: ")
	if err != nil {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	if secret == "" {
		return "", fmt.Errorf("secret cannot be empty")
	}
	return secret, nil
}

// parseFields разбирает аргументы вида key=value (строка) и key:=json (любое JSON значение).
// key:=null удаляет поле при обновлении.
func parseFields(args []string) (map[string]any, error) {
	fields := make(map[string]any, len(args))
	for _, arg := range args {
		if key, raw, ok := strings.Cut(arg, ":="); ok && !strings.Contains(key, "=") {
			if key == "" {
				return nil, fmt.Errorf("empty field name in %q", arg)
			}
			var v any
			if err := json.Unmarshal([]byte(raw), &v); err != nil {
				return nil, fmt.Errorf("invalid JSON value for %s: %w", key, err)
			}
			fields[key] = v
			continue
		}
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid field %q, expected key=value or key:=json", arg)
		}
		fields[key] = value
	}
	return fields, nil
}

// parseType принимает тип записи в единственном или множественном числе
func parseType(s string) (models.EntityType, error) {
	t, err := models.ParseEntityType(strings.ToLower(s))
	if err != nil {
		return "", fmt.Errorf("unknown entity type %q. Use: task, workspace or file", s)
	}
	return t, nil
}
