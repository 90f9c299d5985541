package camera

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Spatial-NVR/CamWatch/internal/database"
)

const selectColumns = `id, empresa_id, nome, protocol, url, host, port, username, password, path,
	online, status, created_at, updated_at`

// Repository persists cameras. The monitor only ever calls List and
// SetOnline; the remaining operations serve the CRUD surface.
type Repository struct {
	db     *database.DB
	logger *slog.Logger
}

// NewRepository creates a camera repository
func NewRepository(db *database.DB) *Repository {
	return &Repository{
		db:     db,
		logger: slog.Default().With("component", "camera-repository"),
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCamera(row rowScanner) (*Camera, error) {
	cam := &Camera{}
	var protocol, status string
	var online sql.NullBool
	var createdAt, updatedAt int64

	if err := row.Scan(
		&cam.ID, &cam.EmpresaID, &cam.Nome, &protocol,
		&cam.Source.URL, &cam.Source.Host, &cam.Source.Port,
		&cam.Source.Username, &cam.Source.Password, &cam.Source.Path,
		&online, &status, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	cam.Source.Protocol = Protocol(protocol)
	cam.Status = Status(status)
	if online.Valid {
		v := online.Bool
		cam.Online = &v
	}
	cam.CreatedAt = time.Unix(createdAt, 0)
	cam.UpdatedAt = time.Unix(updatedAt, 0)
	return cam, nil
}

// List returns every camera, ordered by id
func (r *Repository) List(ctx context.Context) ([]*Camera, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+selectColumns+" FROM cameras ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list cameras: %w", err)
	}
	defer rows.Close()

	cameras := []*Camera{}
	for rows.Next() {
		cam, err := scanCamera(rows)
		if err != nil {
			return nil, err
		}
		cameras = append(cameras, cam)
	}
	return cameras, rows.Err()
}

// ListByEmpresa returns the cameras owned by one tenant
func (r *Repository) ListByEmpresa(ctx context.Context, empresaID int64) ([]*Camera, error) {
	rows, err := r.db.QueryContext(ctx,
		r.db.Rebind("SELECT "+selectColumns+" FROM cameras WHERE empresa_id = ? ORDER BY id"), empresaID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cameras: %w", err)
	}
	defer rows.Close()

	cameras := []*Camera{}
	for rows.Next() {
		cam, err := scanCamera(rows)
		if err != nil {
			return nil, err
		}
		cameras = append(cameras, cam)
	}
	return cameras, rows.Err()
}

// Get returns a camera by id, or ErrNotFound
func (r *Repository) Get(ctx context.Context, id int64) (*Camera, error) {
	row := r.db.QueryRowContext(ctx, r.db.Rebind("SELECT "+selectColumns+" FROM cameras WHERE id = ?"), id)
	cam, err := scanCamera(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get camera %d: %w", id, err)
	}
	return cam, nil
}

// Create inserts a camera and fills in its id and timestamps
func (r *Repository) Create(ctx context.Context, cam *Camera) error {
	if cam.Status == "" {
		cam.Status = StatusOffline
	}
	if err := cam.Validate(); err != nil {
		return err
	}

	now := time.Now()
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`
		INSERT INTO cameras (empresa_id, nome, protocol, url, host, port, username, password, path,
		                     status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`),
		cam.EmpresaID, cam.Nome, string(cam.Source.Protocol), cam.Source.URL, cam.Source.Host,
		cam.Source.Port, cam.Source.Username, cam.Source.Password, cam.Source.Path,
		string(cam.Status), now.Unix(), now.Unix(),
	).Scan(&cam.ID)
	if err != nil {
		return fmt.Errorf("failed to create camera: %w", err)
	}

	cam.CreatedAt = time.Unix(now.Unix(), 0)
	cam.UpdatedAt = cam.CreatedAt
	r.logger.Info("Camera created", "camera", cam.ID, "empresa", cam.EmpresaID)
	return nil
}

// Update rewrites the editable fields of a camera. Liveness is left alone.
func (r *Repository) Update(ctx context.Context, cam *Camera) error {
	if err := cam.Validate(); err != nil {
		return err
	}

	now := time.Now()
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE cameras SET empresa_id = ?, nome = ?, protocol = ?, url = ?, host = ?, port = ?,
		       username = ?, password = ?, path = ?, status = ?, updated_at = ?
		WHERE id = ?
	`),
		cam.EmpresaID, cam.Nome, string(cam.Source.Protocol), cam.Source.URL, cam.Source.Host,
		cam.Source.Port, cam.Source.Username, cam.Source.Password, cam.Source.Path,
		string(cam.Status), now.Unix(), cam.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update camera %d: %w", cam.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	cam.UpdatedAt = time.Unix(now.Unix(), 0)
	return nil
}

// Delete removes a camera
func (r *Repository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind("DELETE FROM cameras WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("failed to delete camera %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	r.logger.Info("Camera deleted", "camera", id)
	return nil
}

// SetOnline writes the boolean liveness flag. It never touches status, so
// administrative states such as disabled survive every sweep.
func (r *Repository) SetOnline(ctx context.Context, id int64, online bool) error {
	_, err := r.db.ExecContext(ctx,
		r.db.Rebind("UPDATE cameras SET online = ?, updated_at = ? WHERE id = ?"),
		online, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set liveness of camera %d: %w", id, err)
	}
	return nil
}

// SetStatus writes the administrative status flag
func (r *Repository) SetStatus(ctx context.Context, id int64, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("unknown status %q", status)
	}
	res, err := r.db.ExecContext(ctx,
		r.db.Rebind("UPDATE cameras SET status = ?, updated_at = ? WHERE id = ?"),
		string(status), time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set status of camera %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateEmpresa inserts a tenant and returns its id
func (r *Repository) CreateEmpresa(ctx context.Context, nome string) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx,
		r.db.Rebind("INSERT INTO empresas (nome, created_at) VALUES (?, ?) RETURNING id"),
		nome, time.Now().Unix(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create empresa: %w", err)
	}
	return id, nil
}
