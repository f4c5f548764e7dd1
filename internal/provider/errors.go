package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	// ErrNotFound means the external record does not exist (anymore).
	ErrNotFound = errors.New("provider: external record not found")

	// ErrNotConfigured means no connector is registered under the id.
	ErrNotConfigured = errors.New("provider: integration not configured")

	// ErrUnsupported means the connector lacks the requested capability.
	ErrUnsupported = errors.New("provider: capability not supported")
)

// AuthError means credentials were rejected or have expired.
type AuthError struct {
	Integration string
	Message     string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Integration, e.Message)
}

// TransientError wraps failures worth retrying on a later cycle: timeouts,
// rate limiting, 5xx responses and network errors.
type TransientError struct {
	Op         string
	Err        error
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error (%s): %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RejectedError means the external system refused a write, for example
// because no workflow transition leads to the requested status.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "rejected: " + e.Reason
}

// Kind classifies an error crossing the connector boundary.
type Kind string

const (
	KindNone      Kind = ""
	KindNotFound  Kind = "not_found"
	KindAuth      Kind = "auth"
	KindTransient Kind = "transient"
	KindRejected  Kind = "rejected"
	KindUnknown   Kind = "unknown"
)

// Classify maps err onto a Kind. Deadline expiry counts as transient.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	var (
		authErr     *AuthError
		rejectedErr *RejectedError
		transErr    *TransientError
		netErr      net.Error
	)
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.As(err, &authErr):
		return KindAuth
	case errors.As(err, &rejectedErr):
		return KindRejected
	case errors.As(err, &transErr):
		return KindTransient
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	case errors.As(err, &netErr) && netErr.Timeout():
		return KindTransient
	default:
		return KindUnknown
	}
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
