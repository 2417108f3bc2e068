// Package apperr carries the error taxonomy shared by the document core and
// the HTTP layer. Every error knows its status so handlers never guess.
package apperr

import (
	"errors"
	"net/http"
)

// StatusCode classifies an error for the caller.
type StatusCode int

const (
	// CodeUnauthenticated means no or an invalid credential was supplied.
	CodeUnauthenticated StatusCode = iota + 1
	// CodeForbidden means the requester's access class is below what the operation needs.
	CodeForbidden
	// CodeNotFound means the document or target user does not exist.
	CodeNotFound
	// CodeLocked means another editor holds a live lock on the document.
	CodeLocked
	// CodeVersionConflict means a compare-and-swap write lost a race.
	CodeVersionConflict
	// CodeValidation means the input was malformed.
	CodeValidation
	// CodeInternal is everything else.
	CodeInternal
)

func (c StatusCode) String() string {
	switch c {
	case CodeUnauthenticated:
		return "unauthenticated"
	case CodeForbidden:
		return "forbidden"
	case CodeNotFound:
		return "not_found"
	case CodeLocked:
		return "locked"
	case CodeVersionConflict:
		return "version_conflict"
	case CodeValidation:
		return "validation"
	case CodeInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// StatusError is an error that carries a StatusCode and a stable string code.
type StatusError interface {
	error
	Status() StatusCode
	Code() string
	WithCode(code string) StatusError
}

type errorWithStatus struct {
	err    error
	status StatusCode
	code   string
}

func (e errorWithStatus) Error() string      { return e.err.Error() }
func (e errorWithStatus) Status() StatusCode { return e.status }
func (e errorWithStatus) Code() string       { return e.code }
func (e errorWithStatus) Unwrap() error      { return e.err }

// WithCode returns a copy of the error with the given code.
func (e errorWithStatus) WithCode(code string) StatusError {
	return errorWithStatus{err: e.err, status: e.status, code: code}
}

func newError(message string, status StatusCode) StatusError {
	return errorWithStatus{err: errors.New(message), status: status}
}

// Unauthenticated creates an error for missing or invalid credentials.
func Unauthenticated(message string) StatusError { return newError(message, CodeUnauthenticated) }

// Forbidden creates an error for insufficient access.
func Forbidden(message string) StatusError { return newError(message, CodeForbidden) }

// NotFound creates an error for an absent resource.
func NotFound(message string) StatusError { return newError(message, CodeNotFound) }

// Locked creates an error for a write blocked by another lock holder.
func Locked(message string) StatusError { return newError(message, CodeLocked) }

// VersionConflict creates an error for a lost compare-and-swap.
func VersionConflict(message string) StatusError { return newError(message, CodeVersionConflict) }

// Validation creates an error for malformed input.
func Validation(message string) StatusError { return newError(message, CodeValidation) }

// Internal creates an error for unexpected failures.
func Internal(message string) StatusError { return newError(message, CodeInternal) }

// StatusOf returns the status of the first StatusError in err's chain, or
// CodeInternal when there is none. A nil error has status 0.
func StatusOf(err error) StatusCode {
	if err == nil {
		return 0
	}
	var statusErr StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status()
	}
	return CodeInternal
}

// CodeOf returns the string code of the first StatusError in err's chain.
func CodeOf(err error) string {
	var statusErr StatusError
	if errors.As(err, &statusErr) && statusErr.Code() != "" {
		return statusErr.Code()
	}
	return StatusOf(err).String()
}

// Is reports whether err carries the given status.
func Is(err error, status StatusCode) bool {
	return StatusOf(err) == status
}

// HTTPStatus maps an error to the response status the REST layer should use.
func HTTPStatus(err error) int {
	switch StatusOf(err) {
	case 0:
		return http.StatusOK
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeLocked:
		return http.StatusLocked
	case CodeVersionConflict:
		return http.StatusConflict
	case CodeValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
