package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestOpen(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	cfg := &Config{
		Path:            dbPath,
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	}

	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}

	if db.Driver() != DriverSQLite {
		t.Errorf("Expected driver %s, got %s", DriverSQLite, db.Driver())
	}

	if err := db.Health(context.Background()); err != nil {
		t.Errorf("Health check failed: %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("/data")

	if cfg.Path != "/data/camwatch.db" {
		t.Errorf("Expected path /data/camwatch.db, got %s", cfg.Path)
	}
	if cfg.Driver != DriverSQLite {
		t.Errorf("Expected sqlite driver, got %s", cfg.Driver)
	}
	if cfg.MaxOpenConns != 25 {
		t.Errorf("Expected MaxOpenConns 25, got %d", cfg.MaxOpenConns)
	}
}

func TestOpenUnsupportedDriver(t *testing.T) {
	_, err := Open(&Config{Driver: "oracle"})
	if err == nil {
		t.Error("Expected error for unsupported driver")
	}
}

func TestOpenPostgresRequiresDSN(t *testing.T) {
	_, err := Open(&Config{Driver: DriverPostgres})
	if err == nil {
		t.Error("Expected error for postgres without DSN")
	}
}

func TestRebind(t *testing.T) {
	tests := []struct {
		driver   string
		query    string
		expected string
	}{
		{DriverSQLite, "SELECT * FROM cameras WHERE id = ? AND empresa_id = ?", "SELECT * FROM cameras WHERE id = ? AND empresa_id = ?"},
		{DriverPostgres, "SELECT * FROM cameras WHERE id = ? AND empresa_id = ?", "SELECT * FROM cameras WHERE id = $1 AND empresa_id = $2"},
		{DriverPostgres, "SELECT 1", "SELECT 1"},
	}

	for _, tt := range tests {
		db := &DB{driver: tt.driver}
		if got := db.Rebind(tt.query); got != tt.expected {
			t.Errorf("Rebind(%s, %q) = %q, want %q", tt.driver, tt.query, got, tt.expected)
		}
	}
}

func TestTransaction(t *testing.T) {
	db, err := Open(&Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec(`CREATE TABLE test_table (id INTEGER PRIMARY KEY, value TEXT)`); err != nil {
		t.Fatalf("Failed to create test table: %v", err)
	}

	err = db.Transaction(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO test_table (value) VALUES (?)`, "test1")
		return err
	})
	if err != nil {
		t.Errorf("Transaction failed: %v", err)
	}

	var value string
	if err := db.QueryRow(`SELECT value FROM test_table WHERE id = 1`).Scan(&value); err != nil {
		t.Errorf("Failed to query inserted data: %v", err)
	}
	if value != "test1" {
		t.Errorf("Expected value 'test1', got '%s'", value)
	}

	expectedErr := fmt.Errorf("intentional error")
	err = db.Transaction(context.Background(), func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO test_table (value) VALUES (?)`, "test2"); err != nil {
			return err
		}
		return expectedErr
	})
	if err != expectedErr {
		t.Errorf("Expected error %v, got %v", expectedErr, err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM test_table WHERE value = 'test2'`).Scan(&count); err != nil {
		t.Errorf("Failed to count: %v", err)
	}
	if count != 0 {
		t.Error("Transaction should have rolled back, but data was inserted")
	}
}

func TestHealthAfterClose(t *testing.T) {
	db, err := Open(&Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}

	if err := db.Health(context.Background()); err != nil {
		t.Errorf("Health check failed on open database: %v", err)
	}

	db.Close()
	if err := db.Health(context.Background()); err == nil {
		t.Error("Health check should fail on closed database")
	}
}

func TestPath(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := Open(&Config{Path: dbPath})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if db.Path() != dbPath {
		t.Errorf("Expected path %s, got %s", dbPath, db.Path())
	}
}
