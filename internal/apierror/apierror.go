// Package apierror defines the error taxonomy shared by the gateway core.
//
// Every error carries the operation that failed and, where one exists, the key
// or id it concerned, so the HTTP layer can log it and pick a status without
// inspecting message text.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ValidationError reports a malformed or incomplete request. It is surfaced
// to the caller unmodified and never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Validation builds a ValidationError.
func Validation(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// AuthError reports an invalid backend credential or an exhausted refresh.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: authentication failed", e.Op)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// RateLimitError reports a rejected admission for a caller key.
type RateLimitError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q, retry after %s", e.Key, e.RetryAfter)
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum one.
func (e *RateLimitError) RetryAfterSeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// UpstreamError reports a backend failure: a transport error or a non-2xx status.
type UpstreamError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Body != "":
		return fmt.Sprintf("%s: upstream status %d: %s", e.Op, e.Status, e.Body)
	default:
		return fmt.Sprintf("%s: upstream status %d", e.Op, e.Status)
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Retryable reports whether a safe (non-streaming) call may be retried.
func (e *UpstreamError) Retryable() bool {
	if e.Err != nil && e.Status == 0 {
		return true
	}
	return e.Status >= http.StatusInternalServerError || e.Status == http.StatusTooManyRequests
}

// StreamDecodeError reports an unparseable upstream chunk. It aborts only the
// affected stream session.
type StreamDecodeError struct {
	Op      string
	Session string
	Err     error
}

func (e *StreamDecodeError) Error() string {
	return fmt.Sprintf("%s (session %s): %v", e.Op, e.Session, e.Err)
}

func (e *StreamDecodeError) Unwrap() error { return e.Err }

// HTTPStatus maps an error from the core to the status surfaced to callers.
func HTTPStatus(err error) int {
	var (
		validation *ValidationError
		auth       *AuthError
		limited    *RateLimitError
		upstream   *UpstreamError
		decode     *StreamDecodeError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &auth):
		return http.StatusUnauthorized
	case errors.As(err, &limited):
		return http.StatusTooManyRequests
	case errors.As(err, &upstream):
		if upstream.Status >= 400 && upstream.Status < 500 && upstream.Status != http.StatusUnauthorized {
			return upstream.Status
		}
		return http.StatusBadGateway
	case errors.As(err, &decode):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
