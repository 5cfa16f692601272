// Package apperror defines the error taxonomy shared by every layer of the
// storage service, and the mapping from that taxonomy onto HTTP responses.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error the way the ingest/egress pipeline reasons about
// it: whether it is retryable, whether it implies partial state, and which
// HTTP status it maps to.
type Code string

// Error codes. Validation, Auth, NotFound, QuotaExceeded and
// RangeUnsatisfiable map 1:1 to HTTP responses and are never retried
// server-side. Transient errors are safe for the client to retry because
// uploads are keyed by session id and chunks by index.
const (
	Validation          Code = "validation"
	Auth                Code = "auth"
	NotFound            Code = "not_found"
	Conflict            Code = "conflict"
	QuotaExceeded       Code = "quota_exceeded"
	RangeUnsatisfiable  Code = "range_unsatisfiable"
	IntegrityFailure    Code = "integrity_failure"
	StorageIO           Code = "storage_io"
	Transient           Code = "transient"
)

// Error is the concrete error type returned across package boundaries.
// It wraps an underlying cause (if any) and carries the HTTP status the
// API layer should respond with.
type Error struct {
	Code    Code
	Message string
	Status  int
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.cause
}

var statusByCode = map[Code]int{
	Validation:         http.StatusBadRequest,
	Auth:               http.StatusUnauthorized,
	NotFound:           http.StatusNotFound,
	Conflict:           http.StatusConflict,
	QuotaExceeded:       http.StatusRequestEntityTooLarge,
	RangeUnsatisfiable: http.StatusRequestedRangeNotSatisfiable,
	IntegrityFailure:   http.StatusInternalServerError,
	StorageIO:          http.StatusInternalServerError,
	Transient:          http.StatusServiceUnavailable,
}

// New builds an Error of the given code with a formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Status: status}
}

// Wrap builds an Error of the given code around an existing cause.
func Wrap(code Code, cause error, format string, args ...interface{}) *Error {
	err := New(code, format, args...)
	err.cause = cause
	return err
}

// Is reports whether err (or anything it wraps) carries the given Code.
func Is(err error, code Code) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code == code
	}
	return false
}

// StatusCode returns the HTTP status for err, defaulting to 500 for errors
// that were never classified into the taxonomy.
func StatusCode(err error) int {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Status
	}
	return http.StatusInternalServerError
}
