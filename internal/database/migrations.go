package database

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrSchemaTooNew is returned when the database was migrated by a newer
// build than this one
var ErrSchemaTooNew = errors.New("database schema is newer than this build")

// Migration is one versioned schema file, e.g. 002_events.sql
type Migration struct {
	Version   int
	Name      string
	SQL       string
	Checksum  string
	AppliedAt time.Time
}

// Applied reports whether the migration has run against the database
func (m Migration) Applied() bool {
	return !m.AppliedAt.IsZero()
}

// Migrator applies embedded migrations in version order
type Migrator struct {
	db     *DB
	source fs.FS
	logger *slog.Logger
}

// NewMigrator creates a migrator over the embedded migrations
func NewMigrator(db *DB) *Migrator {
	return &Migrator{
		db:     db,
		source: migrationsFS,
		logger: slog.Default().With("component", "migrator"),
	}
}

type appliedRow struct {
	at       time.Time
	checksum string
}

// Run applies every pending migration, each in its own transaction
func (m *Migrator) Run(ctx context.Context) error {
	migrations, err := m.Status(ctx)
	if err != nil {
		return err
	}

	count := 0
	for _, mig := range migrations {
		if mig.Applied() {
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", mig.Version, mig.Name, err)
		}
		m.logger.Info("Applied migration", "version", mig.Version, "name", mig.Name)
		count++
	}
	if count > 0 {
		m.logger.Info("Database schema up to date", "applied", count)
	}
	return nil
}

// Status lists every embedded migration with its applied time, if any.
// A database carrying versions this build does not know is rejected with
// ErrSchemaTooNew.
func (m *Migrator) Status(ctx context.Context) ([]Migration, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}
	migrations, err := m.available()
	if err != nil {
		return nil, err
	}

	latest := 0
	if n := len(migrations); n > 0 {
		latest = migrations[n-1].Version
	}
	for version := range applied {
		if version > latest {
			return nil, fmt.Errorf("%w: version %d, build knows %d", ErrSchemaTooNew, version, latest)
		}
	}

	for i := range migrations {
		row, ok := applied[migrations[i].Version]
		if !ok {
			continue
		}
		migrations[i].AppliedAt = row.at
		if row.checksum != "" && row.checksum != migrations[i].Checksum {
			m.logger.Warn("Applied migration differs from embedded file",
				"version", migrations[i].Version, "name", migrations[i].Name)
		}
	}
	return migrations, nil
}

// Version returns the highest applied migration, 0 for a fresh database
func (m *Migrator) Version(ctx context.Context) (int, error) {
	migrations, err := m.Status(ctx)
	if err != nil {
		return 0, err
	}
	version := 0
	for _, mig := range migrations {
		if mig.Applied() {
			version = max(version, mig.Version)
		}
	}
	return version, nil
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			checksum TEXT NOT NULL DEFAULT '',
			applied_at INTEGER NOT NULL DEFAULT (unixepoch())
		) STRICT
	`)
	return err
}

func (m *Migrator) applied(ctx context.Context) (map[int]appliedRow, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version, checksum, applied_at FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int]appliedRow)
	for rows.Next() {
		var (
			version int
			row     appliedRow
			at      int64
		)
		if err := rows.Scan(&version, &row.checksum, &at); err != nil {
			return nil, err
		}
		row.at = time.Unix(at, 0)
		out[version] = row
	}
	return out, rows.Err()
}

// available reads NNN_name.sql files from the source, sorted by version.
// Other files are skipped; two files with one version are an error.
func (m *Migrator) available() ([]Migration, error) {
	entries, err := fs.ReadDir(m.source, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []Migration
	seen := make(map[int]string)
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), ".sql")
		if entry.IsDir() || !ok {
			continue
		}
		prefix, rest, ok := strings.Cut(name, "_")
		version, err := strconv.Atoi(prefix)
		if !ok || err != nil || version <= 0 {
			m.logger.Warn("Skipping migration with invalid filename", "file", entry.Name())
			continue
		}
		if other, dup := seen[version]; dup {
			return nil, fmt.Errorf("duplicate migration version %d: %s and %s", version, other, entry.Name())
		}
		seen[version] = entry.Name()

		content, err := fs.ReadFile(m.source, path.Join("migrations", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}
		sum := sha256.Sum256(content)
		migrations = append(migrations, Migration{
			Version:  version,
			Name:     rest,
			SQL:      string(content),
			Checksum: hex.EncodeToString(sum[:]),
		})
	}

	slices.SortFunc(migrations, func(a, b Migration) int { return a.Version - b.Version })
	return migrations, nil
}

func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	return m.db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, mig.SQL); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, name, checksum) VALUES (?, ?, ?)",
			mig.Version, mig.Name, mig.Checksum,
		)
		return err
	})
}
