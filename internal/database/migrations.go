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

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// ErrChecksumMismatch means an applied migration file was edited afterwards
var ErrChecksumMismatch = errors.New("applied migration was modified")

// Migration is one numbered schema step, named NNN_description.sql
type Migration struct {
	Version   int
	Name      string
	SQL       string
	Checksum  string
	AppliedAt time.Time
}

// Applied reports whether the migration has been recorded in schema_migrations
func (m Migration) Applied() bool {
	return !m.AppliedAt.IsZero()
}

type appliedRow struct {
	checksum string
	at       time.Time
}

// Migrator applies the embedded schema for the connection's driver
type Migrator struct {
	db     *DB
	fsys   fs.FS
	dir    string
	logger *slog.Logger
}

// NewMigrator creates a migrator reading migrations/<driver>/
func NewMigrator(db *DB) *Migrator {
	return &Migrator{
		db:     db,
		fsys:   migrationsFS,
		dir:    path.Join("migrations", db.Driver()),
		logger: slog.Default().With("component", "migrator"),
	}
}

// Run applies every pending migration in version order, each in its own
// transaction. It refuses to continue when an applied file has changed.
func (m *Migrator) Run(ctx context.Context) error {
	status, err := m.Status(ctx)
	if err != nil {
		return err
	}

	pending := 0
	for _, mig := range status {
		if mig.Applied() {
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return fmt.Errorf("migration %03d_%s: %w", mig.Version, mig.Name, err)
		}
		pending++
		m.logger.Info("Applied migration", "version", mig.Version, "name", mig.Name)
	}

	m.logger.Info("Schema up to date", "driver", m.db.Driver(), "applied", pending, "total", len(status))
	return nil
}

// Status lists the embedded migrations with their applied time, if any
func (m *Migrator) Status(ctx context.Context) ([]Migration, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	available, err := loadMigrations(m.fsys, m.dir)
	if err != nil {
		return nil, err
	}

	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	for i, mig := range available {
		row, ok := applied[mig.Version]
		if !ok {
			continue
		}
		if row.checksum != "" && row.checksum != mig.Checksum {
			return nil, fmt.Errorf("%w: %03d_%s", ErrChecksumMismatch, mig.Version, mig.Name)
		}
		available[i].AppliedAt = row.at
	}
	return available, nil
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	ts := "INTEGER"
	suffix := " STRICT"
	if m.db.Driver() == DriverPostgres {
		ts = "BIGINT"
		suffix = ""
	}
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			checksum TEXT NOT NULL DEFAULT '',
			applied_at `+ts+` NOT NULL
		)`+suffix)
	return err
}

func (m *Migrator) applied(ctx context.Context) (map[int]appliedRow, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version, checksum, applied_at FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_migrations: %w", err)
	}
	defer rows.Close()

	out := make(map[int]appliedRow)
	for rows.Next() {
		var (
			version int
			sum     string
			at      int64
		)
		if err := rows.Scan(&version, &sum, &at); err != nil {
			return nil, err
		}
		out[version] = appliedRow{checksum: sum, at: time.Unix(at, 0)}
	}
	return out, rows.Err()
}

func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	return m.db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, mig.SQL); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			m.db.Rebind("INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)"),
			mig.Version, mig.Name, mig.Checksum, time.Now().Unix(),
		)
		return err
	})
}

// loadMigrations parses dir. Badly named files and duplicate versions are
// errors so a typo cannot silently skip a schema step.
func loadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	seen := make(map[int]string)
	var out []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		num, name, ok := strings.Cut(strings.TrimSuffix(entry.Name(), ".sql"), "_")
		version, err := strconv.Atoi(num)
		if !ok || name == "" || err != nil || version <= 0 {
			return nil, fmt.Errorf("invalid migration filename %q", entry.Name())
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migration version %d used by %s and %s", version, prev, entry.Name())
		}
		seen[version] = entry.Name()

		content, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}
		sum := sha256.Sum256(content)

		out = append(out, Migration{
			Version:  version,
			Name:     name,
			SQL:      string(content),
			Checksum: hex.EncodeToString(sum[:]),
		})
	}

	slices.SortFunc(out, func(a, b Migration) int { return a.Version - b.Version })
	return out, nil
}
