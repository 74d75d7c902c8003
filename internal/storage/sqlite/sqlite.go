// Package sqlite implements the storage interface on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/patchburner/patchburner/internal/storage"
)

// queueName is the name of the singleton queue row.
const queueName = "cfbot"

// SQLiteStorage implements storage.Storage backed by a SQLite database file.
type SQLiteStorage struct {
	db    *sql.DB
	path  string
	queue *ringQueue
}

var _ storage.Storage = (*SQLiteStorage)(nil)

// connString builds the SQLite connection string with the pragmas we rely on.
// BEGIN IMMEDIATE acquires the write lock early so concurrent link edits
// serialize instead of deadlocking.
func connString(path string) string {
	return "file:" + path +
		"?_pragma=busy_timeout(10000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_txlock=immediate"
}

// New opens (creating if necessary) the database at path, applies the schema
// and migrations, and ensures the singleton queue row exists.
func New(ctx context.Context, path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", connString(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The ring-queue link edits assume a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Singleton queue row. The partial unique index on weight rejects a
	// second row, so INSERT OR IGNORE is safe under races.
	if _, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO queues (name, current_queue_item, weight)
		VALUES (?, NULL, 1)
	`, queueName); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create queue: %w", err)
	}

	s := &SQLiteStorage{db: db, path: path}
	s.queue = &ringQueue{store: s}
	return s, nil
}

// Queue returns the singleton ring queue.
func (s *SQLiteStorage) Queue() storage.Queue { return s.queue }

// Path returns the database file path.
func (s *SQLiteStorage) Path() string { return s.path }

// Close closes the underlying database.
func (s *SQLiteStorage) Close() error { return s.db.Close() }

// UnderlyingDB returns the raw database handle. Tests use it to assert on
// link-field state directly.
func (s *SQLiteStorage) UnderlyingDB() *sql.DB { return s.db }

// withTx runs fn inside a transaction, committing on nil and rolling back on
// error or panic.
func (s *SQLiteStorage) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
