package verrors

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// IsTransient reports whether err is worth a single retry with backoff.
//
// Timeouts and network-level failures are transient; everything carrying a
// structured Kind other than Timeout is not, since those kinds describe
// plan-level faults that retrying the same call cannot fix.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var structured *Error
	if errors.As(err, &structured) {
		return structured.Kind == KindTimeout
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"timeout",
		"deadline exceeded",
		"temporarily unavailable",
		"status 429",
		"status 500",
		"status 502",
		"status 503",
		"status 504",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// FromExternal classifies an error returned by a tool or LLM call into a
// structured record: deadline overruns become Timeout, context cancellation
// becomes Cancelled, everything else ToolFailed.
func FromExternal(err error) *Error {
	if err == nil {
		return nil
	}
	var structured *Error
	if errors.As(err, &structured) {
		return structured
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTimeout, err, "call deadline exceeded")
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(KindCancelled, err, "call cancelled")
	}
	return Wrap(KindToolFailed, err, "%v", err)
}
