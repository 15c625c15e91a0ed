// Package backup сохраняет зашифрованные снимки локального хранилища.
// Снимок - JSON всех семейств записей, зашифрованный age по парольной фразе.
// Чувствительные поля внутри снимка остаются зашифрованными слоем хранилища.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"filippo.io/age"

	"github.com/iudanet/tasksync/internal/client/storage"
)

// Extension суффикс имени снимка
const Extension = ".json.age"

var (
	// ErrNotConfigured is returned when neither a directory nor a bucket is configured.
	ErrNotConfigured = errors.New("backup storage not configured")

	// ErrPassphraseRequired is returned when the backup passphrase is empty.
	ErrPassphraseRequired = errors.New("backup passphrase is required")

	// ErrNotFound is returned when the named backup does not exist.
	ErrNotFound = errors.New("backup not found")
)

//go:generate moq -out exporter_mock.go . Exporter

// Exporter источник и приемник снимков
type Exporter interface {
	Export(ctx context.Context) (*storage.Snapshot, error)
	Import(ctx context.Context, snap *storage.Snapshot) error
}

// Sink хранилище зашифрованных снимков
type Sink interface {
	Put(ctx context.Context, name string, r io.Reader) error
	// Get returns ErrNotFound if the backup does not exist
	Get(ctx context.Context, name string) (io.ReadCloser, error)
	// List returns backup names in ascending order
	List(ctx context.Context) ([]string, error)
}

// Service создает и восстанавливает снимки
type Service struct {
	exporter   Exporter
	sink       Sink
	logger     *slog.Logger
	now        func() time.Time
	passphrase string
	workFactor int
}

// Option настраивает Service
type Option func(*Service)

// WithWorkFactor задает scrypt work factor (log2 N); по умолчанию значение age
func WithWorkFactor(n int) Option {
	return func(s *Service) {
		s.workFactor = n
	}
}

// NewService creates a backup service.
func NewService(exporter Exporter, sink Sink, passphrase string, logger *slog.Logger, opts ...Option) (*Service, error) {
	if passphrase == "" {
		return nil, ErrPassphraseRequired
	}
	s := &Service{
		exporter:   exporter,
		sink:       sink,
		logger:     logger,
		now:        time.Now,
		passphrase: passphrase,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Backup экспортирует хранилище, шифрует снимок и сохраняет его. Возвращает имя снимка.
func (s *Service) Backup(ctx context.Context) (string, error) {
	snap, err := s.exporter.Export(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to export snapshot: %w", err)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	recipient, err := age.NewScryptRecipient(s.passphrase)
	if err != nil {
		return "", fmt.Errorf("creating scrypt recipient: %w", err)
	}
	if s.workFactor > 0 {
		recipient.SetWorkFactor(s.workFactor)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return "", fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return "", fmt.Errorf("encrypting snapshot: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing encryption: %w", err)
	}

	name := "tasksync-" + s.now().UTC().Format("20060102T150405.000Z") + Extension
	if err := s.sink.Put(ctx, name, &buf); err != nil {
		return "", fmt.Errorf("failed to store backup %s: %w", name, err)
	}

	s.logger.Info("Backup created",
		"name", name,
		"entities", len(snap.Entities),
		"queue", len(snap.Queue),
		"conflicts", len(snap.Conflicts))

	return name, nil
}

// Restore расшифровывает снимок и заменяет им содержимое хранилища
func (s *Service) Restore(ctx context.Context, name string) error {
	rc, err := s.sink.Get(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to read backup %s: %w", name, err)
	}
	defer rc.Close()

	identity, err := age.NewScryptIdentity(s.passphrase)
	if err != nil {
		return fmt.Errorf("creating scrypt identity: %w", err)
	}

	r, err := age.Decrypt(rc, identity)
	if err != nil {
		return fmt.Errorf("failed to decrypt backup %s: %w", name, err)
	}

	var snap storage.Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode backup %s: %w", name, err)
	}

	if err := s.exporter.Import(ctx, &snap); err != nil {
		return fmt.Errorf("failed to import backup %s: %w", name, err)
	}

	s.logger.Info("Backup restored", "name", name, "entities", len(snap.Entities))
	return nil
}

// Latest returns the name of the newest backup.
func (s *Service) Latest(ctx context.Context) (string, error) {
	names, err := s.sink.List(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list backups: %w", err)
	}
	if len(names) == 0 {
		return "", ErrNotFound
	}
	return names[len(names)-1], nil
}

// List returns the backup names in ascending order.
func (s *Service) List(ctx context.Context) ([]string, error) {
	return s.sink.List(ctx)
}

func isBackupName(name string) bool {
	return strings.HasSuffix(name, Extension)
}
