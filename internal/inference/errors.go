package inference

import (
	"context"
	"errors"
	"net"
)

var (
	// ErrTransient marks a failure where a retry may succeed: rate limit,
	// timeout, or a 5xx-class backend response.
	ErrTransient = errors.New("transient inference failure")
	// ErrRejected marks a permanent failure: malformed request or content
	// policy rejection. Never retried.
	ErrRejected = errors.New("inference rejected")
	// ErrUnavailable is surfaced by the gateway once every backend has
	// exhausted its retry budget.
	ErrUnavailable = errors.New("inference unavailable")
)

// IsTransient reports whether err belongs to the retryable failure class.
// Context deadline expiry counts as transient per the timeout policy;
// caller cancellation does not.
func IsTransient(err error) bool {
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// classifyStatus maps an HTTP status code onto the failure taxonomy.
func classifyStatus(code int) error {
	switch {
	case code == 408 || code == 429 || code >= 500:
		return ErrTransient
	case code == 400 || code == 403 || code == 422:
		return ErrRejected
	default:
		return ErrTransient
	}
}
