// Package sqlite persists bars and divergence records in a single SQLite
// database (WAL mode) through sqlx.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Config configures the SQLite store.
type Config struct {
	DBPath string // path to SQLite database file, e.g. "data/zen.db"
}

// Store is the bar and divergence store. Writes are serialized through a
// single connection.
type Store struct {
	db *sqlx.DB

	// OnCommit is called after each committed bar batch (for metrics).
	OnCommit func(n int, seconds float64)
}

// Open opens (creating if needed) the database with WAL mode and schema.
func Open(cfg Config) (*Store, error) {
	if dir := filepath.Dir(cfg.DBPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
	}
	db, err := sqlx.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Store{db: db}, nil
}

func createSchema(db *sqlx.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS bars (
			symbol  TEXT    NOT NULL,
			freq    TEXT    NOT NULL,
			ts      INTEGER NOT NULL,
			open    REAL    NOT NULL,
			high    REAL    NOT NULL,
			low     REAL    NOT NULL,
			close   REAL    NOT NULL,
			volume  REAL    NOT NULL DEFAULT 0,
			amount  REAL    NOT NULL DEFAULT 0,
			PRIMARY KEY (symbol, freq, ts)
		);

		CREATE TABLE IF NOT EXISTS divergences (
			id          TEXT    PRIMARY KEY,
			symbol      TEXT    NOT NULL,
			freq        TEXT    NOT NULL,
			ts          INTEGER NOT NULL,
			direction   TEXT    NOT NULL,
			point_type  TEXT    NOT NULL,
			confidence  INTEGER NOT NULL,
			provisional INTEGER NOT NULL,
			data        TEXT    NOT NULL,
			created_at  INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_divergences_stream
			ON divergences (symbol, freq, created_at);
	`)
	return err
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db.DB }

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
