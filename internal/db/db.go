// Package db provides SQLite connection management for the structured storage tier.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Options tunes the connection.
type Options struct {
	// MaxPageCount caps the database size in pages; 0 leaves SQLite's default.
	// Writes beyond the cap fail with SQLITE_FULL.
	MaxPageCount int
	// BusyTimeout is applied through the busy_timeout pragma.
	BusyTimeout time.Duration
}

// DB wraps the sql.DB used by the structured tier.
type DB struct {
	*sql.DB
	path string
}

// Open opens (or creates) the SQLite database at path and applies migrations.
// The database is opened with WAL journaling and a busy timeout so readers
// and the single writer do not block each other.
func Open(path string, opts Options) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		path, opts.BusyTimeout.Milliseconds())
	if opts.MaxPageCount > 0 {
		dsn += fmt.Sprintf("&_pragma=max_page_count(%d)", opts.MaxPageCount)
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	if err := NewMigrator(sqlDB, Migrations).Up(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &DB{DB: sqlDB, path: path}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
