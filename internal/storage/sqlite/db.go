// Package sqlite persists raw sensor samples in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const memoryPath = ":memory:"

// DB is an open sample database.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens the database file at path, creating it and its directory when
// missing. The file runs in WAL mode so the persist loop can write while
// windows are read.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	return open(path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
}

// OpenMemory opens a private in-memory database. Every call returns an
// independent database.
func OpenMemory() (*DB, error) {
	return open(memoryPath, memoryPath)
}

func open(dsn, path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == memoryPath {
		// Each pooled connection to :memory: would see its own database.
		conn.SetMaxOpenConns(1)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{conn: conn, path: path}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

// Checkpoint folds the WAL back into the database file and truncates it, so
// a reader opening the file later sees every write.
func (db *DB) Checkpoint(ctx context.Context) error {
	if db.InMemory() {
		return nil
	}
	if _, err := db.conn.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("failed to checkpoint WAL: %w", err)
	}
	return nil
}

// Close closes the database.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	return db.conn.Close()
}

// Conn returns the underlying handle for stores sharing the file.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Path returns the database file, or ":memory:".
func (db *DB) Path() string {
	return db.path
}

// InMemory reports whether the database lives only in this process.
func (db *DB) InMemory() bool {
	return db.path == memoryPath
}
