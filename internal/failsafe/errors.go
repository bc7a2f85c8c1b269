// Package failsafe classifies transport failures and decides how the rest of
// the gateway reacts to them: retry, back off, or degrade into manual mode.
package failsafe

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrDataUnavailable is the terminal market-data failure. The gateway returns
// it instead of ever fabricating a quote; callers must handle absence
// explicitly.
var ErrDataUnavailable = errors.New("market data unavailable")

// AuthError means the credential is unusable and a human must re-authorize.
// Terminal for the current session.
type AuthError struct {
	Status int
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (status %d): %s", e.Status, e.Reason)
}

// RateLimitError is always recoverable after a cooldown.
type RateLimitError struct {
	RetryAfter string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter != "" {
		return fmt.Sprintf("rate limited (retry-after: %s)", e.RetryAfter)
	}
	return "rate limited"
}

// TransientServerError is a broker-side 5xx, recoverable up to the consecutive
// failure ceiling.
type TransientServerError struct {
	Status int
	Body   string
}

func (e *TransientServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Status, e.Body)
}

// NetworkError wraps transport-level failures (unreachable, reset, timeout).
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationError is a caller mistake. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

// IsNetworkError reports whether err looks like a transport failure: either
// our own NetworkError wrapper, a net.Error, or a context deadline.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
