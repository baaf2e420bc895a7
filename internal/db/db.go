// Package db provides the local durable store: SQLite connection management,
// schema migrations and the repositories layered on top of them.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "stocksync.db"

// DB wraps the sql.DB with stocksync-specific configuration.
type DB struct {
	*sql.DB
	path string
}

// Options tunes the SQLite connection.
type Options struct {
	BusyTimeout time.Duration
}

// Open opens the SQLite database in dataDir with default options.
func Open(dataDir string) (*DB, error) {
	return OpenWithOptions(dataDir, Options{})
}

// OpenWithOptions opens the SQLite database in dataDir.
// The database is opened with:
// - WAL mode so readers never block the single writer
// - synchronous=NORMAL, durable across process crashes in WAL mode
// - foreign key constraints enabled
// - immediate transactions so writers queue on the busy timeout instead of failing
func OpenWithOptions(dataDir string, opts Options) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}

	dbPath := filepath.Join(dataDir, FileName)

	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", opts.BusyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	dsn := "file:" + dbPath + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite doesn't support multiple writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), opts.BusyTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{DB: db, path: dbPath}, nil
}

// OpenAndMigrate opens the database and applies all pending migrations.
func OpenAndMigrate(ctx context.Context, dataDir string, opts Options) (*DB, error) {
	db, err := OpenWithOptions(dataDir, opts)
	if err != nil {
		return nil, err
	}
	m, err := NewMigrator(db.DB)
	if err != nil {
		db.Close()
		return nil, err
	}
	if _, err := m.Up(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file location.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
