// Package apierr defines the error taxonomy shared by the ingestion
// pipeline, the query engine, and the HTTP layer.
//
// Validation, auth, and rate-limit failures are synchronous and reach
// the client before any write is attempted. Persistence and usage
// failures are asynchronous and are only ever logged.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Code identifies the error category.
type Code string

const (
	// CodeValidation covers malformed or missing required fields,
	// including batch size violations.
	CodeValidation Code = "validation"

	// CodeTokenMissing means a write token was required but absent.
	CodeTokenMissing Code = "token_missing"
	// CodeTokenInvalid means the supplied write token matched no project.
	CodeTokenInvalid Code = "token_invalid"

	// CodeKeyMissing means no read key was supplied.
	CodeKeyMissing Code = "key_missing"
	// CodeKeyInvalid means the supplied read key matched no project.
	CodeKeyInvalid Code = "key_invalid"

	// CodeRateLimit means today's usage reached the configured limit.
	CodeRateLimit Code = "rate_limit"

	// CodeQuery means a metric, group-by, filter field, or operator fell
	// outside the allowlist.
	CodeQuery Code = "query"

	// CodeNotFound means the referenced resource does not exist.
	CodeNotFound Code = "not_found"

	// CodeInternal covers anything unexpected. The client sees a generic
	// message; detail stays in the logs.
	CodeInternal Code = "internal"
)

// Error is a structured error carrying the category and, where
// relevant, the rate limit value or the allowed set for enumeration in
// the response.
type Error struct {
	Code    Code
	Message string

	// Limit is the configured daily limit, set for CodeRateLimit.
	Limit int64

	// Allowed enumerates the permitted values, set for CodeQuery.
	Allowed []string

	// Err is the underlying cause, if any. Never shown to clients for
	// CodeInternal.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the category to its response status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidation, CodeQuery:
		return http.StatusBadRequest
	case CodeTokenMissing, CodeTokenInvalid:
		return http.StatusForbidden
	case CodeKeyMissing, CodeKeyInvalid:
		return http.StatusUnauthorized
	case CodeRateLimit:
		return http.StatusTooManyRequests
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Validation creates a 400 validation error.
func Validation(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// TokenMissing creates the distinct missing-token error.
func TokenMissing() *Error {
	return &Error{Code: CodeTokenMissing, Message: "project token required"}
}

// TokenInvalid creates the invalid-token error.
func TokenInvalid() *Error {
	return &Error{Code: CodeTokenInvalid, Message: "invalid project token"}
}

// KeyMissing creates the missing-key error.
func KeyMissing() *Error {
	return &Error{Code: CodeKeyMissing, Message: "API key required"}
}

// KeyInvalid creates the invalid-key error.
func KeyInvalid() *Error {
	return &Error{Code: CodeKeyInvalid, Message: "invalid API key"}
}

// RateLimited creates a 429 carrying the configured limit.
func RateLimited(limit int64) *Error {
	return &Error{
		Code:    CodeRateLimit,
		Message: fmt.Sprintf("daily limit of %d reached", limit),
		Limit:   limit,
	}
}

// Query creates a 400 enumerating the permitted values.
func Query(what, got string, allowed []string) *Error {
	return &Error{
		Code:    CodeQuery,
		Message: fmt.Sprintf("invalid %s %q: allowed values are %s", what, got, strings.Join(allowed, ", ")),
		Allowed: allowed,
	}
}

// NotFound creates a 404.
func NotFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps an unexpected error. The message shown to clients is
// always generic.
func Internal(err error) *Error {
	return &Error{Code: CodeInternal, Message: "internal error", Err: err}
}

// As extracts an *Error from err, converting anything unrecognized to
// CodeInternal so raw storage-engine errors never reach a response.
func As(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Internal(err)
}
