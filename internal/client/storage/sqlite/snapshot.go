package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/iudanet/tasksync/internal/client/storage"
	"github.com/iudanet/tasksync/internal/models"
)

// Usage подсчитывает размер ключей и данных по семействам и типам записей
func (s *Storage) Usage(ctx context.Context) (*storage.Usage, error) {
	db, err := s.conn()
	if err != nil {
		return nil, storage.Wrap("usage", "", "", err)
	}

	usage := &storage.Usage{
		ByFamily: make(map[storage.Family]int64),
		ByType:   make(map[models.EntityType]int64),
	}

	if err := entityUsage(ctx, db, usage); err != nil {
		return nil, storage.Wrap("usage", storage.FamilyEntities, "", err)
	}

	flat := []struct {
		family storage.Family
		query  string
	}{
		{storage.FamilyQueue, `SELECT COALESCE(SUM(length(CAST(id AS BLOB)) + length(data)), 0) FROM sync_queue`},
		{storage.FamilyConflicts, `SELECT COALESCE(SUM(length(CAST(id AS BLOB)) + length(data)), 0) FROM conflicts`},
		{storage.FamilyCache, `SELECT COALESCE(SUM(length(CAST(id AS BLOB)) + length(data)), 0) FROM cached_responses`},
		{storage.FamilyMetadata, `SELECT COALESCE(SUM(length(CAST(key AS BLOB)) + length(value)), 0) FROM metadata`},
	}
	for _, f := range flat {
		var n int64
		if err := db.QueryRowContext(ctx, f.query).Scan(&n); err != nil {
			return nil, storage.Wrap("usage", f.family, "", fmt.Errorf("failed to query usage: %w", err))
		}
		usage.ByFamily[f.family] = n
	}

	return usage, nil
}

// entityUsage заполняет размеры по типам записей.
// Курсор закрывается до следующих запросов: соединение у пула одно.
func entityUsage(ctx context.Context, db *sql.DB, usage *storage.Usage) error {
	rows, err := db.QueryContext(ctx, `
		SELECT type, COALESCE(SUM(length(CAST(id AS BLOB)) + length(data)), 0)
		FROM entities GROUP BY type
	`)
	if err != nil {
		return fmt.Errorf("failed to query entity usage: %w", err)
	}
	defer rows.Close()

	for _, t := range models.EntityTypes() {
		usage.ByType[t] = 0
	}
	for rows.Next() {
		var (
			t string
			n int64
		)
		if err := rows.Scan(&t, &n); err != nil {
			return fmt.Errorf("failed to scan usage: %w", err)
		}
		usage.ByType[models.EntityType(t)] = n
		usage.ByFamily[storage.FamilyEntities] += n
	}
	return rows.Err()
}

// Snapshot читает все семейства в одной транзакции
func (s *Storage) Snapshot(ctx context.Context) (*storage.Snapshot, error) {
	snap := &storage.Snapshot{Metadata: make(map[string][]byte)}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if snap.Entities, err = listJSON[storage.EntityRecord](ctx, tx, `SELECT data FROM entities ORDER BY type, id`); err != nil {
			return fmt.Errorf("failed to read entities: %w", err)
		}
		if snap.Queue, err = listJSON[models.SyncQueueItem](ctx, tx, `SELECT data FROM sync_queue ORDER BY id`); err != nil {
			return fmt.Errorf("failed to read queue: %w", err)
		}
		if snap.Conflicts, err = listJSON[models.Conflict](ctx, tx, `SELECT data FROM conflicts ORDER BY id`); err != nil {
			return fmt.Errorf("failed to read conflicts: %w", err)
		}
		if snap.Cache, err = listJSON[models.CachedResponse](ctx, tx, `SELECT data FROM cached_responses ORDER BY id`); err != nil {
			return fmt.Errorf("failed to read cache: %w", err)
		}

		rows, err := tx.QueryContext(ctx, `SELECT key, value FROM metadata`)
		if err != nil {
			return fmt.Errorf("failed to read metadata: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				k string
				v []byte
			)
			if err := rows.Scan(&k, &v); err != nil {
				return fmt.Errorf("failed to scan metadata: %w", err)
			}
			snap.Metadata[k] = v
		}
		return rows.Err()
	})
	if err != nil {
		return nil, storage.Wrap("snapshot", "", "", err)
	}

	return snap, nil
}

// Restore заменяет содержимое всех таблиц снимком в одной транзакции
func (s *Storage) Restore(ctx context.Context, snap *storage.Snapshot) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"entities", "sync_queue", "conflicts", "cached_responses", "metadata"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}

		for _, rec := range snap.Entities {
			if err := saveEntity(ctx, tx, rec); err != nil {
				return err
			}
		}
		for _, item := range snap.Queue {
			if err := saveQueueItem(ctx, tx, item); err != nil {
				return err
			}
		}
		for _, c := range snap.Conflicts {
			if err := saveConflict(ctx, tx, c); err != nil {
				return err
			}
		}
		for _, resp := range snap.Cache {
			if err := saveCachedResponse(ctx, tx, resp); err != nil {
				return err
			}
		}
		for k, v := range snap.Metadata {
			if err := saveMeta(ctx, tx, k, v); err != nil {
				return err
			}
		}
		return nil
	})
	return storage.Wrap("restore", "", "", err)
}
