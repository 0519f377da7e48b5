package errors

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// IsTransient reports whether err looks like a temporary infrastructure
// failure worth retrying. Only idempotent reads should be retried on this
// signal; writes surface their error to the caller.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Context cancellation is the caller's decision, not a transient fault.
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"i/o timeout",
		"unexpected eof",
		"conn closed",
		"server is shutting down",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}

	return false
}
