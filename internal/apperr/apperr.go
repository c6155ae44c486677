// Package apperr defines the sentinel error kinds used to translate
// internal failures into the HTTP error envelope.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the abstract error kinds from the error-handling
// design: each maps to a fixed HTTP status code.
type Kind string

const (
	BadRequest   Kind = "bad_request"
	NotFound     Kind = "not_found"
	Conflict     Kind = "conflict"
	SpawnFailure Kind = "spawn_failure"
	IoFailure    Kind = "io_failure"
	SlowConsumer Kind = "slow_consumer"
	Unauthorized Kind = "unauthorized"
)

var statusByKind = map[Kind]int{
	BadRequest:   http.StatusBadRequest,
	NotFound:     http.StatusNotFound,
	Conflict:     http.StatusConflict,
	SpawnFailure: http.StatusInternalServerError,
	IoFailure:    http.StatusInternalServerError,
	SlowConsumer: http.StatusInternalServerError,
	Unauthorized: http.StatusUnauthorized,
}

// Error wraps an underlying cause with one of the abstract kinds.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an *Error of the given kind around an existing error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Status returns the HTTP status code for err, defaulting to 500 for
// errors that are not an *Error.
func Status(err error) int {
	var e *Error
	if errors.As(err, &e) {
		if code, ok := statusByKind[e.Kind]; ok {
			return code
		}
	}
	return http.StatusInternalServerError
}

// KindOf extracts the Kind from err, if any.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
