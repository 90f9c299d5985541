// Package database provides SQL database access for CamWatch.
// SQLite is the default engine; PostgreSQL is available for larger deployments.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Supported database drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DB wraps the SQL database connection with driver-aware helpers
type DB struct {
	*sql.DB
	driver string
	path   string
	logger *slog.Logger
}

// Config holds database configuration
type Config struct {
	Driver          string
	Path            string // SQLite file path
	DSN             string // PostgreSQL connection string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns the default database configuration
func DefaultConfig(dataDir string) *Config {
	return &Config{
		Driver:          DriverSQLite,
		Path:            filepath.Join(dataDir, "camwatch.db"),
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// Open opens a new database connection
func Open(cfg *Config) (*DB, error) {
	logger := slog.Default().With("component", "database")

	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	var db *sql.DB
	var err error

	switch driver {
	case DriverSQLite:
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=ON", cfg.Path)
		db, err = sql.Open("sqlite3", connStr)
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres driver requires a DSN")
		}
		db, err = sql.Open("postgres", cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if driver == DriverSQLite {
		pragmas := []string{
			"PRAGMA cache_size = -16000", // 16MB cache
			"PRAGMA temp_store = MEMORY",
		}
		for _, pragma := range pragmas {
			if _, err := db.Exec(pragma); err != nil {
				logger.Warn("Failed to set pragma", "pragma", pragma, "error", err)
			}
		}
	}

	logger.Info("Database opened", "driver", driver, "path", cfg.Path)

	return &DB{
		DB:     db,
		driver: driver,
		path:   cfg.Path,
		logger: logger,
	}, nil
}

// Wrap adapts an already opened *sql.DB, used by tests with sqlmock
func Wrap(sqlDB *sql.DB, driver string) *DB {
	if driver == "" {
		driver = DriverSQLite
	}
	return &DB{
		DB:     sqlDB,
		driver: driver,
		logger: slog.Default().With("component", "database"),
	}
}

// Close closes the database connection
func (db *DB) Close() error {
	db.logger.Info("Closing database")
	return db.DB.Close()
}

// Driver returns the driver name
func (db *DB) Driver() string {
	return db.driver
}

// Path returns the database file path (empty for postgres)
func (db *DB) Path() string {
	return db.path
}

// Rebind rewrites '?' placeholders into the driver's bind style.
// Queries are written with '?' and rebound for postgres ($1, $2, ...).
func (db *DB) Rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Health checks the database health
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return db.PingContext(ctx)
}

// Transaction wraps a function in a database transaction
func (db *DB) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}

	return nil
}
