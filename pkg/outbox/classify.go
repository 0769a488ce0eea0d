// Package outbox dispatches pending outbox rows to their transports and
// enforces the retry taxonomy: retryable failures reschedule with backoff,
// non-retryable ones dead-letter, exhausted ones park.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Failure classes recorded on the row and used for routing terminal rows.
const (
	ClassHTTP4xx     = "HTTP_4XX"
	ClassHTTP5xx     = "HTTP_5XX"
	ClassRateLimited = "RATE_LIMITED"
	ClassTimeout     = "TIMEOUT"
	ClassConnection  = "CONNECTION"
	ClassIO          = "IO"
	ClassUnknown     = "UNKNOWN"
)

// Failure is a classified transport error.
type Failure struct {
	Class      string
	HTTPStatus int
	RetryAfter time.Duration // 0 when the sink gave no hint
	Err        error
}

func (f *Failure) Error() string {
	if f.HTTPStatus > 0 {
		return fmt.Sprintf("%s (http %d): %v", f.Class, f.HTTPStatus, f.Err)
	}
	return fmt.Sprintf("%s: %v", f.Class, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Retryable reports whether the dispatcher should reschedule the row.
// Timeouts, connection faults, 5xx, 429 and 408 are transient; every other
// 4xx means the sink rejected the event and a replay cannot help.
func (f *Failure) Retryable() bool {
	switch f.Class {
	case ClassHTTP4xx:
		return false
	case ClassHTTP5xx, ClassRateLimited, ClassTimeout, ClassConnection, ClassIO, ClassUnknown:
		return true
	}
	return true
}

// classifyStatus maps a non-2xx HTTP status to a failure class.
func classifyStatus(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return ClassRateLimited
	case status == http.StatusRequestTimeout:
		return ClassTimeout
	case status >= 500:
		return ClassHTTP5xx
	case status >= 400:
		return ClassHTTP4xx
	}
	return ClassUnknown
}

// classifyErr maps a transport-level error (no HTTP response) to a Failure.
func classifyErr(err error) *Failure {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Failure{Class: ClassTimeout, Err: err}
	case errors.Is(err, context.Canceled):
		return &Failure{Class: ClassConnection, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &Failure{Class: ClassTimeout, Err: err}
		}
		return &Failure{Class: ClassConnection, Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &Failure{Class: ClassConnection, Err: err}
	}
	return &Failure{Class: ClassIO, Err: err}
}

// asFailure normalizes any transport error into a *Failure.
func asFailure(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return classifyErr(err)
}
