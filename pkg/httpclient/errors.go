package httpclient

import (
	"fmt"
	"time"
)

// RetryableError reports that the client spent its whole retry budget. The
// last status code and the delay the upstream asked for ride along so
// callers can classify the failure and schedule a retry of their own. A
// zero StatusCode means the request never got a response.
type RetryableError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *RetryableError) Error() string {
	msg := e.Message
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	}
	if e.RetryAfter > 0 {
		msg = fmt.Sprintf("%s (retry after %v)", msg, e.RetryAfter)
	}
	return msg
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}
