package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Spatial-NVR/CamWatch/internal/database"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Ledger records notifications and tracks their read state
type Ledger struct {
	db     *database.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewLedger creates a ledger on db
func NewLedger(db *database.DB) *Ledger {
	return &Ledger{
		db:     db,
		logger: slog.Default().With("component", "notification-ledger"),
		now:    time.Now,
	}
}

// Record inserts a notification and returns it with its id
func (l *Ledger) Record(ctx context.Context, title, message string, severity Severity, scope Scope) (*Notification, error) {
	if !severity.Valid() {
		severity = SeverityInfo
	}

	n := &Notification{
		Title:     title,
		Message:   message,
		Type:      severity,
		UserID:    scope.UserID,
		EmpresaID: scope.EmpresaID,
		CreatedAt: time.Unix(l.now().Unix(), 0),
	}

	err := l.db.QueryRowContext(ctx, l.db.Rebind(`
		INSERT INTO notifications (title, message, type, read, user_id, empresa_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`), n.Title, n.Message, string(n.Type), false, nullInt(n.UserID), nullInt(n.EmpresaID), n.CreatedAt.Unix(),
	).Scan(&n.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to record notification: %w", err)
	}

	l.logger.Debug("Notification recorded", "id", n.ID, "type", n.Type, "title", n.Title)
	return n, nil
}

// Get returns a notification by id
func (l *Ledger) Get(ctx context.Context, id int64) (*Notification, error) {
	row := l.db.QueryRowContext(ctx, l.db.Rebind(`
		SELECT id, title, message, type, read, user_id, empresa_id, created_at
		FROM notifications WHERE id = ?
	`), id)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

// List returns up to limit notifications in scope, newest first
func (l *Ledger) List(ctx context.Context, limit int, scope Scope) ([]*Notification, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	where, args := scopeClause(scope)
	query := `SELECT id, title, message, type, read, user_id, empresa_id, created_at
	          FROM notifications` + where + ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, l.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	list := []*Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, n)
	}
	return list, rows.Err()
}

// MarkRead marks one notification read. It reports whether the row exists;
// marking an already read notification again still reports true.
func (l *Ledger) MarkRead(ctx context.Context, id int64) (bool, error) {
	res, err := l.db.ExecContext(ctx, l.db.Rebind("UPDATE notifications SET read = ? WHERE id = ?"), true, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark notification %d read: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkAllRead marks every unread notification in scope read and returns how
// many changed. The global scope marks every notification in the system.
func (l *Ledger) MarkAllRead(ctx context.Context, scope Scope) (int64, error) {
	where, args := scopeClause(scope)
	if where == "" {
		where = " WHERE read = ?"
	} else {
		where += " AND read = ?"
	}
	args = append([]interface{}{true}, append(args, false)...)

	res, err := l.db.ExecContext(ctx, l.db.Rebind("UPDATE notifications SET read = ?"+where), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to mark notifications read: %w", err)
	}
	n, _ := res.RowsAffected()

	if scope.Global() {
		l.logger.Warn("Marked every notification read", "count", n)
	}
	return n, nil
}

// UnreadCount counts unread notifications in scope
func (l *Ledger) UnreadCount(ctx context.Context, scope Scope) (int, error) {
	where, args := scopeClause(scope)
	if where == "" {
		where = " WHERE read = ?"
	} else {
		where += " AND read = ?"
	}
	args = append(args, false)

	var count int
	if err := l.db.QueryRowContext(ctx, l.db.Rebind("SELECT COUNT(*) FROM notifications"+where), args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count notifications: %w", err)
	}
	return count, nil
}

func scopeClause(scope Scope) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if scope.UserID != nil {
		conds = append(conds, "user_id = ?")
		args = append(args, *scope.UserID)
	}
	if scope.EmpresaID != nil {
		conds = append(conds, "empresa_id = ?")
		args = append(args, *scope.EmpresaID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNotification(row rowScanner) (*Notification, error) {
	n := &Notification{}
	var severity string
	var userID, empresaID sql.NullInt64
	var createdAt int64

	if err := row.Scan(&n.ID, &n.Title, &n.Message, &severity, &n.Read, &userID, &empresaID, &createdAt); err != nil {
		return nil, err
	}

	n.Type = Severity(severity)
	n.CreatedAt = time.Unix(createdAt, 0)
	if userID.Valid {
		v := userID.Int64
		n.UserID = &v
	}
	if empresaID.Valid {
		v := empresaID.Int64
		n.EmpresaID = &v
	}
	return n, nil
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
