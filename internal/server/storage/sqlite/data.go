package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/iudanet/tasksync/internal/delta"
	"github.com/iudanet/tasksync/internal/server/storage"
)

const selectColumns = `id, client_id, type, fields, version, deleted, created_at, updated_at`

// Create stores a new record with version 1
// Повторный create с тем же client_id возвращает уже созданную запись
func (s *Storage) Create(ctx context.Context, rec *storage.Record) (*storage.Record, bool, error) {
	if rec.ClientID != "" {
		existing, err := s.getByClientID(ctx, rec.Type, rec.ClientID)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, storage.ErrEntityNotFound) {
			return nil, false, err
		}
	}

	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal fields: %w", err)
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO entities (
			type, id, client_id, fields, version, deleted, created_at, updated_at
		) VALUES (?, ?, ?, ?, 1, 0, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		rec.Type,
		rec.ID,
		rec.ClientID,
		string(fields),
		now.UnixMilli(),
		now.UnixMilli(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert entity: %w", err)
	}

	stored, err := s.Get(ctx, rec.Type, rec.ID)
	if err != nil {
		return nil, false, err
	}
	return stored, true, nil
}

// Get retrieves a single record
// Returns ErrEntityNotFound if record doesn't exist or is deleted
func (s *Storage) Get(ctx context.Context, entityType, id string) (*storage.Record, error) {
	rec, err := s.get(ctx, s.db, entityType, id)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, storage.ErrEntityNotFound
	}
	return rec, nil
}

// List returns all non-deleted records of a type
func (s *Storage) List(ctx context.Context, entityType string) ([]*storage.Record, error) {
	query := `SELECT ` + selectColumns + ` FROM entities WHERE type = ? AND deleted = 0 ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	records := make([]*storage.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entities: %w", err)
	}
	return records, nil
}

// Update applies patch if baseVersion matches the current version
func (s *Storage) Update(ctx context.Context, entityType, id string, baseVersion int64, patch map[string]any) (*storage.Record, error) {
	var updated *storage.Record

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := s.get(ctx, tx, entityType, id)
		if err != nil {
			return err
		}
		if current.Deleted {
			return storage.ErrEntityNotFound
		}
		if current.Version != baseVersion {
			return &storage.VersionMismatchError{Current: current, Expected: baseVersion}
		}

		current.Fields = delta.Apply(current.Fields, patch)
		current.Version++
		current.UpdatedAt = time.Now().UTC()
		if err := s.write(ctx, tx, current); err != nil {
			return err
		}
		updated = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete marks the record as deleted
func (s *Storage) Delete(ctx context.Context, entityType, id string, baseVersion int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := s.get(ctx, tx, entityType, id)
		if err != nil {
			return err
		}
		if current.Deleted {
			return storage.ErrEntityNotFound
		}
		if baseVersion != 0 && current.Version != baseVersion {
			return &storage.VersionMismatchError{Current: current, Expected: baseVersion}
		}

		current.Deleted = true
		current.Version++
		current.UpdatedAt = time.Now().UTC()
		return s.write(ctx, tx, current)
	})
}

// Put replaces the record fields unconditionally
func (s *Storage) Put(ctx context.Context, entityType, id string, fields map[string]any) (*storage.Record, error) {
	var updated *storage.Record

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := s.get(ctx, tx, entityType, id)
		if err != nil {
			return err
		}
		current.Fields = fields
		current.Version++
		current.Deleted = false
		current.UpdatedAt = time.Now().UTC()
		if err := s.write(ctx, tx, current); err != nil {
			return err
		}
		updated = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// queryRower общий интерфейс *sql.DB и *sql.Tx
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Storage) get(ctx context.Context, q queryRower, entityType, id string) (*storage.Record, error) {
	query := `SELECT ` + selectColumns + ` FROM entities WHERE type = ? AND id = ?`
	rec, err := scanRecord(q.QueryRowContext(ctx, query, entityType, id))
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Storage) getByClientID(ctx context.Context, entityType, clientID string) (*storage.Record, error) {
	query := `SELECT ` + selectColumns + ` FROM entities WHERE type = ? AND client_id = ? AND deleted = 0`
	return scanRecord(s.db.QueryRowContext(ctx, query, entityType, clientID))
}

func (s *Storage) write(ctx context.Context, tx *sql.Tx, rec *storage.Record) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal fields: %w", err)
	}

	query := `
		UPDATE entities
		SET fields = ?, version = ?, deleted = ?, updated_at = ?
		WHERE type = ? AND id = ?
	`
	_, err = tx.ExecContext(ctx, query,
		string(fields),
		rec.Version,
		boolToInt(rec.Deleted),
		rec.UpdatedAt.UnixMilli(),
		rec.Type,
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update entity: %w", err)
	}
	return nil
}

func (s *Storage) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// scanner общий интерфейс *sql.Row и *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*storage.Record, error) {
	rec := &storage.Record{}
	var (
		fields               string
		deleted              int
		createdAt, updatedAt int64
	)

	err := row.Scan(
		&rec.ID,
		&rec.ClientID,
		&rec.Type,
		&fields,
		&rec.Version,
		&deleted,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrEntityNotFound
		}
		return nil, fmt.Errorf("failed to scan entity: %w", err)
	}

	rec.Fields = make(map[string]any)
	if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
	}
	rec.Deleted = intToBool(deleted)
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return rec, nil
}

// boolToInt converts bool to int for SQLite storage
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// intToBool converts int to bool from SQLite storage
func intToBool(i int) bool {
	return i != 0
}
