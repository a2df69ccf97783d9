// Package errs defines the error-kind taxonomy shared by the engine, HTTP
// and tool-surface layers. Every facade operation returns a plain error;
// callers classify it with As and the Kind values below rather than
// string-matching.
package errs

import "errors"

type Kind string

const (
	KindNotConfigured Kind = "not_configured"
	KindUnauthorized  Kind = "unauthorized"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindBadRequest    Kind = "bad_request"
	KindRateLimited   Kind = "rate_limited"
	KindStoreError    Kind = "store_error"
)

// Error is a classified facade error. Details carries optional structured
// context (e.g. the incumbent lock on a lock conflict).
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
}

func (e *Error) Error() string { return e.Message }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func NewWithDetails(kind Kind, message string, details map[string]any) *Error {
	return &Error{Kind: kind, Message: message, Details: details}
}

func NotFound(message string) error   { return New(KindNotFound, message) }
func BadRequest(message string) error { return New(KindBadRequest, message) }
func Unauthorized(message string) error { return New(KindUnauthorized, message) }
func StoreError(message string) error { return New(KindStoreError, message) }
func Conflict(message string) error   { return New(KindConflict, message) }

// As is a convenience wrapper around errors.As for the common case.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
