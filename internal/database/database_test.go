package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(&Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "test.db")

	db, err := Open(&Config{Path: dbPath})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if db.Path() != dbPath {
		t.Errorf("Expected path %s, got %s", dbPath, db.Path())
	}

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("Failed to query journal mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("Expected WAL journal mode, got %s", mode)
	}
}

func TestOpenInvalidPath(t *testing.T) {
	_, err := Open(&Config{Path: "/dev/null/impossible/test.db"})
	if err == nil {
		t.Error("Expected error for invalid path")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("/data")
	if cfg.Path != filepath.Join("/data", "camerabridge.db") {
		t.Errorf("Unexpected path %s", cfg.Path)
	}
	if cfg.MaxOpenConns <= 0 {
		t.Error("Expected a positive connection limit")
	}
}

func TestHealth(t *testing.T) {
	db := openTestDB(t)
	if err := db.Health(context.Background()); err != nil {
		t.Errorf("Health failed: %v", err)
	}
}

func TestTransaction(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.Exec("CREATE TABLE t (v INTEGER)"); err != nil {
		t.Fatalf("Create table failed: %v", err)
	}

	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO t (v) VALUES (1)")
		return err
	})
	if err != nil {
		t.Fatalf("Transaction failed: %v", err)
	}

	boom := errors.New("boom")
	err = db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec("INSERT INTO t (v) VALUES (2)"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM t").Scan(&count); err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected rolled back insert, got %d rows", count)
	}
}

func TestCheckpointAndSize(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.Exec("CREATE TABLE t (v BLOB)"); err != nil {
		t.Fatalf("Create table failed: %v", err)
	}
	if _, err := db.Exec("INSERT INTO t (v) VALUES (zeroblob(65536))"); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if db.Size() == 0 {
		t.Error("Expected non-zero size after writes")
	}
	if err := db.Checkpoint(context.Background()); err != nil {
		t.Errorf("Checkpoint failed: %v", err)
	}
	if db.Size() < 65536 {
		t.Errorf("Expected checkpointed data in main file, size %d", db.Size())
	}
}

func TestConfigDSN(t *testing.T) {
	cfg := &Config{Path: "/data/bridge.db", BusyTimeout: 2 * time.Second}
	dsn := cfg.dsn()
	for _, want := range []string{"file:/data/bridge.db?", "_busy_timeout=2000", "_journal_mode=WAL"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("dsn %q missing %q", dsn, want)
		}
	}
	if dsn := (&Config{Path: "x.db"}).dsn(); !strings.Contains(dsn, "_busy_timeout=5000") {
		t.Errorf("Expected default busy timeout in %q", dsn)
	}
}

func TestContextCancellation(t *testing.T) {
	db := openTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := db.Transaction(ctx, func(tx *sql.Tx) error { return nil }); err == nil {
		t.Error("Expected error with cancelled context")
	}
}
