package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies an upstream failure so callers can decide whether
// to retry, back off, or surface it.
type ErrorKind string

const (
	KindRateLimited       ErrorKind = "rate_limited"
	KindNotFound          ErrorKind = "not_found"
	KindUnauthorized      ErrorKind = "unauthorized"
	KindTransient         ErrorKind = "transient"
	KindMalformedResponse ErrorKind = "malformed_response"
)

// UpstreamError wraps a failed game-API call with its kind and, for
// rate-limited responses, the server-suggested retry delay.
type UpstreamError struct {
	Kind       ErrorKind
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream %s (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("upstream %s (status %d)", e.Kind, e.Status)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Retryable reports whether a bounded local retry makes sense.
// Unauthorized, NotFound and MalformedResponse indicate bad credentials,
// a deleted guild, or API contract drift; retrying cannot fix those.
func (e *UpstreamError) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindRateLimited
}

// UpstreamKind extracts the error kind, or "" when err is not an
// UpstreamError.
func UpstreamKind(err error) ErrorKind {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return ""
}

// ErrUnavailable is terminal: no cached data, no persisted data, and the
// live fetch failed. It is the only error that reaches an end user.
var ErrUnavailable = errors.New("guild data unavailable")

// ErrCircuitOpen is returned by the classification pipeline while the
// breaker is open; callers degrade to pending labels.
var ErrCircuitOpen = errors.New("classification circuit open")
