package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Spatial-NVR/CamWatch/internal/camera"
	"github.com/Spatial-NVR/CamWatch/internal/notification"
)

// ValidationError represents a validation error with field information
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// StatusUpdate is the body of an administrative status change
type StatusUpdate struct {
	Status camera.Status `json:"status"`
}

// Validate checks the requested status
func (u StatusUpdate) Validate() ValidationErrors {
	errs := make(ValidationErrors, 0)
	if u.Status == "" {
		errs = append(errs, ValidationError{Field: "status", Message: "status is required"})
	} else if !u.Status.Valid() {
		errs = append(errs, ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("unknown status '%s'. Supported: online, offline, error, disabled", u.Status),
		})
	}
	return errs
}

// parseID reads a positive integer URL parameter
func parseID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return id, nil
}

// parseScope reads the userId / empresaId query parameters
func parseScope(r *http.Request) (notification.Scope, ValidationErrors) {
	var scope notification.Scope
	errs := make(ValidationErrors, 0)

	q := r.URL.Query()
	if v := q.Get("userId"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, ValidationError{Field: "userId", Message: "must be an integer"})
		} else {
			scope.UserID = &id
		}
	}
	if v := q.Get("empresaId"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, ValidationError{Field: "empresaId", Message: "must be an integer"})
		} else {
			scope.EmpresaID = &id
		}
	}
	return scope, errs
}

// parseLimit reads a positive limit query parameter, returning def when absent or invalid
func parseLimit(r *http.Request, def, max int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
