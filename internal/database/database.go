// Package database provides the bridge's SQLite store: persisted camera
// registrations and the event journal.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	DefaultFileName    = "camerabridge.db"
	DefaultBusyTimeout = 5 * time.Second
	healthTimeout      = 5 * time.Second
)

// DB is the connection pool plus the file it was opened from
type DB struct {
	*sql.DB
	path   string
	logger *slog.Logger
}

// Config holds database configuration. Zero values fall back to defaults.
type Config struct {
	Path         string
	MaxOpenConns int
	BusyTimeout  time.Duration
}

// DefaultConfig places the database in dataDir
func DefaultConfig(dataDir string) *Config {
	return &Config{
		Path:         filepath.Join(dataDir, DefaultFileName),
		MaxOpenConns: 4,
		BusyTimeout:  DefaultBusyTimeout,
	}
}

// dsn builds the go-sqlite3 connection string: WAL, NORMAL sync, busy
// timeout and foreign keys.
func (c *Config) dsn() string {
	busy := c.BusyTimeout
	if busy <= 0 {
		busy = DefaultBusyTimeout
	}
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	q.Set("_busy_timeout", strconv.FormatInt(busy.Milliseconds(), 10))
	q.Set("_foreign_keys", "ON")
	return "file:" + c.Path + "?" + q.Encode()
}

// Open opens the database, creating its directory when needed
func Open(cfg *Config) (*DB, error) {
	logger := slog.Default().With("component", "database")

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	pool, err := sql.Open("sqlite3", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		pool.SetMaxOpenConns(cfg.MaxOpenConns)
		pool.SetMaxIdleConns(cfg.MaxOpenConns)
	}

	if err := pool.Ping(); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database opened", "path", cfg.Path)
	return &DB{DB: pool, path: cfg.Path, logger: logger}, nil
}

// Close closes the pool
func (db *DB) Close() error {
	db.logger.Info("Closing database")
	return db.DB.Close()
}

// Path returns the database file path
func (db *DB) Path() string {
	return db.path
}

// Size returns the bytes used by the database file and its WAL
func (db *DB) Size() int64 {
	var total int64
	for _, p := range []string{db.path, db.path + "-wal"} {
		if fi, err := os.Stat(p); err == nil {
			total += fi.Size()
		}
	}
	return total
}

// Health pings the database with a bounded timeout
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	return db.PingContext(ctx)
}

// Transaction runs fn in a transaction and commits only if fn succeeds
func (db *DB) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			db.logger.Warn("Rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

// Checkpoint folds the WAL back into the main file; run on shutdown
func (db *DB) Checkpoint(ctx context.Context) error {
	_, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}
