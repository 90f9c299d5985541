package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Spatial-NVR/CamWatch/internal/notification"
)

// NotificationService defines the ledger operations exposed over HTTP
type NotificationService interface {
	List(ctx context.Context, limit int, scope notification.Scope) ([]*notification.Notification, error)
	UnreadCount(ctx context.Context, scope notification.Scope) (int, error)
	MarkRead(ctx context.Context, id int64) (bool, error)
	MarkAllRead(ctx context.Context, scope notification.Scope) (int64, error)
}

// NotificationHandler handles notification endpoints
type NotificationHandler struct {
	ledger NotificationService
	logger *slog.Logger
}

// NewNotificationHandler creates a notification handler
func NewNotificationHandler(ledger NotificationService) *NotificationHandler {
	return &NotificationHandler{
		ledger: ledger,
		logger: slog.Default().With("component", "notification-api"),
	}
}

// Routes returns the notification routes
func (h *NotificationHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Get("/unread-count", h.UnreadCount)
	r.Post("/read-all", h.MarkAllRead)
	r.Post("/{id}/read", h.MarkRead)

	return r
}

// List returns the newest notifications for the requested scope
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	scope, errs := parseScope(r)
	if errs.HasErrors() {
		ValidationErrorResponse(w, errs)
		return
	}
	limit := parseLimit(r, 50, 500)

	list, err := h.ledger.List(r.Context(), limit, scope)
	if err != nil {
		h.logger.Error("Failed to list notifications", "error", err)
		InternalError(w, "Failed to list notifications")
		return
	}

	JSONWithMeta(w, http.StatusOK, list, &Meta{Total: len(list), Limit: limit})
}

// UnreadCount returns the number of unread notifications in scope
func (h *NotificationHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	scope, errs := parseScope(r)
	if errs.HasErrors() {
		ValidationErrorResponse(w, errs)
		return
	}

	count, err := h.ledger.UnreadCount(r.Context(), scope)
	if err != nil {
		h.logger.Error("Failed to count notifications", "error", err)
		InternalError(w, "Failed to count notifications")
		return
	}
	OK(w, map[string]int{"count": count})
}

// MarkRead flags one notification as read
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	ok, err := h.ledger.MarkRead(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to mark notification read", "id", id, "error", err)
		InternalError(w, "Failed to update notification")
		return
	}
	if !ok {
		NotFound(w, "Notification not found")
		return
	}
	OK(w, map[string]bool{"read": true})
}

// MarkAllRead flags every unread notification in scope as read. Without a
// scope the caller must opt into the global update with global=true.
func (h *NotificationHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	scope, errs := parseScope(r)
	if errs.HasErrors() {
		ValidationErrorResponse(w, errs)
		return
	}
	if scope.Global() && r.URL.Query().Get("global") != "true" {
		ValidationErrorResponse(w, ValidationErrors{{
			Field:   "scope",
			Message: "userId or empresaId is required; pass global=true to mark every notification read",
		}})
		return
	}

	changed, err := h.ledger.MarkAllRead(r.Context(), scope)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		h.logger.Error("Failed to mark notifications read", "error", err)
		InternalError(w, "Failed to update notifications")
		return
	}
	OK(w, map[string]int64{"updated": changed})
}
