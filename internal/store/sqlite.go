package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/homezloco/Loco-Coder-sub003/internal/db"
	"github.com/homezloco/Loco-Coder-sub003/internal/models"
)

// sqliteBackend is Tier A: records serialized as JSON in the records table,
// with last_updated and pending_sync broken out for tier-wide eviction and pruning.
type sqliteBackend struct {
	db *db.DB
}

// OpenSQLite opens Tier A at path. maxPageCount caps the database size.
func OpenSQLite(path string, maxPageCount int) (Backend, error) {
	conn, err := db.Open(path, db.Options{MaxPageCount: maxPageCount})
	if err != nil {
		return nil, err
	}
	return &sqliteBackend{db: conn}, nil
}

func (s *sqliteBackend) Name() string { return TierSQLite }

func (s *sqliteBackend) Probe(ctx context.Context) error {
	var n int
	return s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records WHERE 0").Scan(&n)
}

func (s *sqliteBackend) Put(ctx context.Context, collection string, rec *models.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	err = db.Retry(db.DefaultRetryConfig, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO records (collection, key, last_updated, pending_sync, data)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(collection, key) DO UPDATE SET
				last_updated = excluded.last_updated,
				pending_sync = excluded.pending_sync,
				data = excluded.data`,
			collection, rec.Key, rec.LastUpdated.UnixNano(), rec.PendingSync, string(data))
		return err
	})
	if db.IsFull(err) {
		return quotaExceeded(TierSQLite, err)
	}
	if err != nil {
		return fmt.Errorf("sqlite put %s/%s: %w", collection, rec.Key, err)
	}
	return nil
}

func (s *sqliteBackend) Get(ctx context.Context, collection, key string) (*models.Record, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM records WHERE collection = ? AND key = ?", collection, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get %s/%s: %w", collection, key, err)
	}
	return decodeRecord([]byte(data))
}

func (s *sqliteBackend) Delete(ctx context.Context, collection, key string) error {
	return db.Retry(db.DefaultRetryConfig, func() error {
		_, err := s.db.ExecContext(ctx, "DELETE FROM records WHERE collection = ? AND key = ?", collection, key)
		return err
	})
}

func (s *sqliteBackend) List(ctx context.Context, collection string) ([]*models.Record, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT data FROM records WHERE collection = ?", collection)
	if err != nil {
		return nil, fmt.Errorf("sqlite list %s: %w", collection, err)
	}
	defer rows.Close()

	var out []*models.Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		rec, err := decodeRecord([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteBackend) EvictOldest(ctx context.Context, n int) (int, error) {
	var removed int64
	err := db.Retry(db.DefaultRetryConfig, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM records WHERE rowid IN (
				SELECT rowid FROM records
				WHERE pending_sync = 0
				ORDER BY last_updated ASC
				LIMIT ?
			)`, n)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	return int(removed), err
}

func (s *sqliteBackend) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records").Scan(&n)
	return n, err
}

func (s *sqliteBackend) Close() error {
	return s.db.Close()
}

func decodeRecord(data []byte) (*models.Record, error) {
	var rec models.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}
