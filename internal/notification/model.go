// Package notification provides the persistent notification ledger
package notification

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a notification does not exist
var ErrNotFound = errors.New("notification not found")

// Severity classifies a notification for display
type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeverityInfo    Severity = "info"
)

// Valid reports whether s is a known severity
func (s Severity) Valid() bool {
	switch s {
	case SeveritySuccess, SeverityWarning, SeverityError, SeverityInfo:
		return true
	}
	return false
}

// Notification is a ledger entry
type Notification struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Type      Severity  `json:"type"`
	Read      bool      `json:"read"`
	UserID    *int64    `json:"userId,omitempty"`
	EmpresaID *int64    `json:"empresaId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Scope targets a notification at a user or a tenant. Callers set at most
// one of the two; the zero value is the global scope.
type Scope struct {
	UserID    *int64
	EmpresaID *int64
}

// ForUser scopes to a single user
func ForUser(id int64) Scope {
	return Scope{UserID: &id}
}

// ForEmpresa scopes to a tenant
func ForEmpresa(id int64) Scope {
	return Scope{EmpresaID: &id}
}

// Global reports whether the scope targets nobody in particular
func (s Scope) Global() bool {
	return s.UserID == nil && s.EmpresaID == nil
}
