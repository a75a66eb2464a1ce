package http

import (
	"fmt"
	"net/http"

	"OmegaBTC/pkg/apperr"
)

// AppError represents application-level error with HTTP status.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
	Status  int    `json:"-"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates a new application error.
func NewAppError(code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status}
}

// WithError wraps an underlying error.
func (e *AppError) WithError(err error) *AppError {
	e.Err = err
	return e
}

// NotFoundError creates a 404 error.
func NotFoundError(message string) *AppError {
	return NewAppError("ERR_NOT_FOUND", message, http.StatusNotFound)
}

// NotFoundErrorf creates a 404 error with formatting.
func NotFoundErrorf(format string, a ...interface{}) *AppError {
	return NotFoundError(fmt.Sprintf(format, a...))
}

// InternalError creates a 500 error.
func InternalError(message string) *AppError {
	return NewAppError("ERR_INTERNAL", message, http.StatusInternalServerError)
}

// FromError maps a typed application error to an HTTP error. An
// unavailable state store is 503; other kinds are 500.
func FromError(err error) *AppError {
	kind := apperr.KindOf(err)
	var e *AppError
	switch kind {
	case apperr.KindStateStoreUnavailable, apperr.KindTransientNetwork:
		e = NewAppError("ERR_UNAVAILABLE", "state temporarily unavailable", http.StatusServiceUnavailable)
	case apperr.KindInvalidTick:
		e = NewAppError("ERR_CORRUPT_STATE", "stored value is unreadable", http.StatusInternalServerError)
	default:
		e = InternalError("Something went wrong")
	}
	e.Kind = string(kind)
	return e.WithError(err)
}
