package api

import (
	"encoding/json"
	"net/http"
)

// Error codes carried in ErrorInfo.Code
const (
	CodeBadRequest   = "BAD_REQUEST"
	CodeValidation   = "VALIDATION_ERROR"
	CodeNotFound     = "NOT_FOUND"
	CodeConflict     = "CONFLICT"
	CodeInternal     = "INTERNAL_ERROR"
	CodeUnavailable  = "UNAVAILABLE"
	CodeStartTimeout = "START_TIMEOUT"
)

// Response is the envelope used by the camera, monitor, notification and
// system endpoints
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// ErrorInfo describes a failed request
type ErrorInfo struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details []ValidationError `json:"details,omitempty"`
}

// Meta carries list totals
type Meta struct {
	Total     int    `json:"total"`
	Limit     int    `json:"limit,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteJSON encodes v as-is, without the envelope. Stream control and
// health use it since viewers and probes read those shapes directly.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// JSON wraps data in a success envelope
func JSON(w http.ResponseWriter, status int, data interface{}) {
	JSONWithMeta(w, status, data, nil)
}

func JSONWithMeta(w http.ResponseWriter, status int, data interface{}, meta *Meta) {
	WriteJSON(w, status, Response{
		Success: status >= 200 && status < 300,
		Data:    data,
		Meta:    meta,
	})
}

// Error writes a failure envelope
func Error(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, Response{Error: &ErrorInfo{Code: code, Message: message}})
}

// ValidationErrorResponse writes a 400 listing every rejected field
func ValidationErrorResponse(w http.ResponseWriter, errs ValidationErrors) {
	WriteJSON(w, http.StatusBadRequest, Response{Error: &ErrorInfo{
		Code:    CodeValidation,
		Message: "Request validation failed",
		Details: errs,
	}})
}

func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, CodeBadRequest, message)
}

func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, CodeNotFound, message)
}

func Conflict(w http.ResponseWriter, message string) {
	Error(w, http.StatusConflict, CodeConflict, message)
}

func InternalError(w http.ResponseWriter, message string) {
	Error(w, http.StatusInternalServerError, CodeInternal, message)
}

func ServiceUnavailable(w http.ResponseWriter, message string) {
	Error(w, http.StatusServiceUnavailable, CodeUnavailable, message)
}

// OK sends data with status 200
func OK(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusOK, data)
}
