// Package apperr defines the error taxonomy shared by the bridge services and
// its HTTP boundary.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

type Kind string

const (
	KindValidation Kind = "validation"
	KindAuth       Kind = "auth"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindRateLimit  Kind = "rate_limited"
	KindTransport  Kind = "transport"
	KindTimeout    Kind = "timeout"
	KindInternal   Kind = "internal"
)

// Error carries a Kind, a message safe to show to end users and an optional cause.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(k Kind, msg string, cause error) *Error {
	return &Error{Kind: k, Message: msg, Err: cause}
}

func Validation(msg string) *Error { return newErr(KindValidation, msg, nil) }

func Auth(msg string, cause error) *Error { return newErr(KindAuth, msg, cause) }

func NotFound(msg string, cause error) *Error { return newErr(KindNotFound, msg, cause) }

func Conflict(msg string, cause error) *Error { return newErr(KindConflict, msg, cause) }

func Transport(msg string, cause error) *Error { return newErr(KindTransport, msg, cause) }

func Timeout(msg string) *Error { return newErr(KindTimeout, msg, nil) }

func Internal(cause error) *Error { return newErr(KindInternal, "internal error", cause) }

// RateLimited carries the wait before the caller may retry.
func RateLimited(msg string, retryAfter time.Duration) *Error {
	e := newErr(KindRateLimit, msg, nil)
	e.RetryAfter = retryAfter
	return e
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, KindInternal for foreign errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps err onto the response code table of the HTTP surface.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}
