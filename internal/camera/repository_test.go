package camera

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/Spatial-NVR/CamWatch/internal/database"
)

func setupTestRepo(t *testing.T) (*Repository, int64) {
	t.Helper()

	db, err := database.Open(&database.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := database.NewMigrator(db).Run(context.Background()); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	repo := NewRepository(db)
	empresaID, err := repo.CreateEmpresa(context.Background(), "Acme Segurança")
	if err != nil {
		t.Fatalf("Failed to create empresa: %v", err)
	}
	return repo, empresaID
}

func newTestCamera(empresaID int64, nome string) *Camera {
	return &Camera{
		EmpresaID: empresaID,
		Nome:      nome,
		Source:    Descriptor{Protocol: ProtocolRTSP, URL: "rtsp://10.0.0.5:554/live", Username: "admin", Password: "pw"},
	}
}

func TestRepository_CreateGet(t *testing.T) {
	repo, empresaID := setupTestRepo(t)
	ctx := context.Background()

	cam := newTestCamera(empresaID, "Portaria")
	if err := repo.Create(ctx, cam); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if cam.ID == 0 {
		t.Fatal("Expected id to be assigned")
	}

	got, err := repo.Get(ctx, cam.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Nome != "Portaria" {
		t.Errorf("Expected nome Portaria, got %s", got.Nome)
	}
	if got.Status != StatusOffline {
		t.Errorf("Expected default status offline, got %s", got.Status)
	}
	if got.Online != nil {
		t.Error("Expected unknown liveness on a new camera")
	}
	if got.Source.Password != "pw" {
		t.Error("Expected password to round-trip")
	}
}

func TestRepository_GetNotFound(t *testing.T) {
	repo, _ := setupTestRepo(t)

	_, err := repo.Get(context.Background(), 999)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRepository_ListAndDelete(t *testing.T) {
	repo, empresaID := setupTestRepo(t)
	ctx := context.Background()

	for _, nome := range []string{"A", "B", "C"} {
		if err := repo.Create(ctx, newTestCamera(empresaID, nome)); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	cams, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(cams) != 3 {
		t.Fatalf("Expected 3 cameras, got %d", len(cams))
	}

	if err := repo.Delete(ctx, cams[0].ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := repo.Delete(ctx, cams[0].ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound deleting twice, got %v", err)
	}

	byEmpresa, err := repo.ListByEmpresa(ctx, empresaID)
	if err != nil {
		t.Fatalf("ListByEmpresa failed: %v", err)
	}
	if len(byEmpresa) != 2 {
		t.Errorf("Expected 2 cameras after delete, got %d", len(byEmpresa))
	}
}

func TestRepository_SetOnlineKeepsDisabledStatus(t *testing.T) {
	repo, empresaID := setupTestRepo(t)
	ctx := context.Background()

	cam := newTestCamera(empresaID, "Doca")
	if err := repo.Create(ctx, cam); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := repo.SetStatus(ctx, cam.ID, StatusDisabled); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	if err := repo.SetOnline(ctx, cam.ID, true); err != nil {
		t.Fatalf("SetOnline failed: %v", err)
	}

	got, err := repo.Get(ctx, cam.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.IsOnline() {
		t.Error("Expected online liveness")
	}
	if got.Status != StatusDisabled {
		t.Errorf("Expected status to stay disabled, got %s", got.Status)
	}
}

func TestRepository_SetOnlineWritesOnlyLiveness(t *testing.T) {
	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	defer sqlDB.Close()

	repo := NewRepository(database.Wrap(sqlDB, database.DriverSQLite))

	mock.ExpectExec("UPDATE cameras SET online = ?, updated_at = ? WHERE id = ?").
		WithArgs(true, sqlmock.AnyArg(), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.SetOnline(context.Background(), 7, true); err != nil {
		t.Fatalf("SetOnline failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unexpected SQL: %v", err)
	}
}

func TestRepository_SetOnlinePostgresPlaceholders(t *testing.T) {
	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	defer sqlDB.Close()

	repo := NewRepository(database.Wrap(sqlDB, database.DriverPostgres))

	mock.ExpectExec("UPDATE cameras SET online = $1, updated_at = $2 WHERE id = $3").
		WithArgs(false, sqlmock.AnyArg(), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.SetOnline(context.Background(), 3, false); err != nil {
		t.Fatalf("SetOnline failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unexpected SQL: %v", err)
	}
}

func TestRepository_Update(t *testing.T) {
	repo, empresaID := setupTestRepo(t)
	ctx := context.Background()

	cam := newTestCamera(empresaID, "Old")
	if err := repo.Create(ctx, cam); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := repo.SetOnline(ctx, cam.ID, true); err != nil {
		t.Fatalf("SetOnline failed: %v", err)
	}

	cam.Nome = "New"
	if err := repo.Update(ctx, cam); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, _ := repo.Get(ctx, cam.ID)
	if got.Nome != "New" {
		t.Errorf("Expected New, got %s", got.Nome)
	}
	if !got.IsOnline() {
		t.Error("Update must not reset liveness")
	}

	missing := newTestCamera(empresaID, "Ghost")
	missing.ID = 4242
	if err := repo.Update(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
