// Package fault defines the stable error taxonomy shared by every component.
//
// All errors cross component boundaries as an *Error carrying a Kind, a
// human-readable message, optional details, and a retryable flag. Classify
// maps arbitrary transport and domain errors onto the taxonomy.
package fault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/ensembleworks/ensemble/pkg/httpclient"
)

// Kind is an opaque label identifying an error class.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindNotFound     Kind = "not_found"
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindRateLimited  Kind = "rate_limited"
	KindTimeout      Kind = "timeout"
	KindNetwork      Kind = "network"
	KindTransport    Kind = "transport"
	KindRemote       Kind = "remote"
	KindUnavailable  Kind = "unavailable"
	KindInternal     Kind = "internal"
)

// Error is the uniform envelope surfaced to callers.
type Error struct {
	Kind      Kind           `json:"kind"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Retryable bool           `json:"retryable"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Retryable: retryableByDefault(kind)}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap creates an Error wrapping a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	e := New(kind, message)
	e.cause = cause
	return e
}

// WithDetail attaches a detail key/value and returns the same error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithRetryable overrides the retryable flag.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

func retryableByDefault(kind Kind) bool {
	switch kind {
	case KindRateLimited, KindTimeout, KindNetwork:
		return true
	}
	return false
}

// KindOf returns the kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether the classified form of err may be retried.
func IsRetryable(err error) bool {
	return Classify(err).Retryable
}

// FromStatus maps an HTTP status code to a kind.
func FromStatus(code int) Kind {
	switch {
	case code == http.StatusUnauthorized:
		return KindUnauthorized
	case code == http.StatusForbidden:
		return KindForbidden
	case code == http.StatusNotFound:
		return KindNotFound
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return KindTimeout
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return KindValidation
	case code >= 500:
		return KindRemote
	default:
		return KindInternal
	}
}

// Classify maps an arbitrary error to the taxonomy. Errors that are already
// an *Error pass through unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(KindTimeout, "operation timed out", err)
	case errors.Is(err, context.Canceled):
		return Wrap(KindTimeout, "operation canceled", err).WithRetryable(false)
	}

	var httpErr *httpclient.RetryableError
	if errors.As(err, &httpErr) {
		// The retry budget is per call; a fresh call may still succeed.
		if httpErr.StatusCode == 0 {
			return Wrap(KindNetwork, "upstream retries exhausted", err)
		}
		e := Wrap(FromStatus(httpErr.StatusCode), "upstream retries exhausted", err).WithRetryable(true)
		if httpErr.RetryAfter > 0 {
			e = e.WithDetail("retry_after", httpErr.RetryAfter.String())
		}
		return e
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Wrap(KindTimeout, "network timeout", err)
		}
		return Wrap(KindNetwork, "network error", err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return Wrap(KindNetwork, "connection failed", err)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return Wrap(KindTransport, "malformed payload", err)
	}

	// String matching is a last resort for errors that arrive flattened
	// through process or RPC boundaries.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"), strings.Contains(msg, "broken pipe"):
		return Wrap(KindNetwork, "connection failed", err)
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"), strings.Contains(msg, "deadline exceeded"):
		return Wrap(KindTimeout, "operation timed out", err)
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "http 429"), strings.Contains(msg, "too many requests"):
		return Wrap(KindRateLimited, "rate limited by upstream", err)
	case strings.Contains(msg, "not found"), strings.Contains(msg, "unknown tool"):
		return Wrap(KindNotFound, "not found", err)
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "token expired"), strings.Contains(msg, "invalid token"):
		return Wrap(KindUnauthorized, "unauthorized", err)
	case strings.Contains(msg, "forbidden"), strings.Contains(msg, "permission denied"):
		return Wrap(KindForbidden, "forbidden", err)
	}

	return Wrap(KindInternal, "internal error", err)
}
