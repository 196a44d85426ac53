// Package apperr defines the error kinds shared by the store, the
// orchestrator and the HTTP layer. Errors are classified with
// [errors.Is] against the sentinel kinds; the message carries the
// detail.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds.
var (
	// ErrNotFound: a user or thread is absent or not owned by the caller.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput: a required field is missing or empty.
	ErrInvalidInput = errors.New("invalid input")
	// ErrConflict: duplicate user, duplicate exchange id, a run already
	// in flight on the thread, or a run that was already resolved.
	ErrConflict = errors.New("conflict")
	// ErrUpstream: the reasoning engine or the job source failed.
	ErrUpstream = errors.New("upstream error")
)

// kindError pairs a message with its kind and an optional cause.
type kindError struct {
	kind  error
	msg   string
	cause error
}

func (e *kindError) Error() string {
	if e.cause != nil {
		return e.msg + ": " + e.cause.Error()
	}
	return e.msg
}

// Is reports whether target is this error's kind.
func (e *kindError) Is(target error) bool { return target == e.kind }

func (e *kindError) Unwrap() error { return e.cause }

// E builds an error of the given kind.
func E(kind error, format string, args ...any) error {
	return &kindError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an error of the given kind around cause. A nil cause
// yields nil.
func Wrap(kind error, cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	return &kindError{kind: kind, msg: fmt.Sprintf(format, args...), cause: cause}
}

// Kind returns the sentinel kind of err, or nil when err is not
// classified.
func Kind(err error) error {
	for _, k := range []error{ErrNotFound, ErrInvalidInput, ErrConflict, ErrUpstream} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// HTTPStatus maps err to the status code the API answers with.
func HTTPStatus(err error) int {
	switch Kind(err) {
	case ErrNotFound:
		return http.StatusNotFound
	case ErrInvalidInput:
		return http.StatusBadRequest
	case ErrConflict:
		return http.StatusConflict
	case ErrUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Type returns the short machine-readable name of err's kind, used as
// the "type" field of API error bodies.
func Type(err error) string {
	switch Kind(err) {
	case ErrNotFound:
		return "not_found"
	case ErrInvalidInput:
		return "invalid_input"
	case ErrConflict:
		return "conflict"
	case ErrUpstream:
		return "upstream_error"
	default:
		return "internal_error"
	}
}
