// Package store provides the durable state of the processing tier: the
// payload ledger driving freshness decisions, the cached replies with their
// per-code rates, and the dedup ledger of observed correlation ids. All
// three live in one SQLite database so a reply upsert and its rate rows
// commit in a single transaction.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/c360/ratebridge/errors"
)

// Store wraps the SQLite database holding the processing tier's state
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at dbPath and applies the
// schema. ":memory:" is accepted for tests.
func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, errors.WrapFatal(err, "Store", "Open", "create database directory")
			}
		}
	}

	// busy_timeout keeps concurrent handler goroutines from tripping over
	// SQLite's single-writer lock
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, errors.WrapFatal(err, "Store", "Open", "open database")
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the tables
func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS payload_table (
			payload TEXT PRIMARY KEY,
			last_save_payload TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS response_to_kafka (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			currency TEXT NOT NULL UNIQUE,
			base_currency TEXT NOT NULL,
			date TEXT NOT NULL,
			request_id TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS exchange_rates (
			response_id INTEGER NOT NULL,
			currency TEXT NOT NULL,
			rate REAL NOT NULL,
			PRIMARY KEY (response_id, currency),
			FOREIGN KEY (response_id) REFERENCES response_to_kafka(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS request_ids (
			rid TEXT PRIMARY KEY,
			expires_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_request_ids_expires ON request_ids(expires_at);
		CREATE INDEX IF NOT EXISTS idx_request_ids_created ON request_ids(created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return errors.WrapFatal(storageErr(err), "Store", "migrate", "apply schema")
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// storageErr tags a database error with the StorageFailure sentinel so
// callers can classify it without knowing the driver
func storageErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", errors.ErrStorageFailure, err)
}

// Ping verifies the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errors.WrapTransient(storageErr(err), "Store", "Ping", "ping database")
	}
	return nil
}
