// Package apperr defines the error taxonomy shared by the session and analytics layers.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound means the session or resource does not exist or is not in the required state.
	ErrNotFound = errors.New("not found")
	// ErrForbidden means the caller does not own the resource being mutated.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidRange means a malformed date range or unsupported granularity.
	ErrInvalidRange = errors.New("invalid range")
	// ErrStoreUnavailable is a transient persistence failure; callers may retry.
	ErrStoreUnavailable = errors.New("store unavailable")
)

type unavailableError struct {
	op  string
	err error
}

func (e *unavailableError) Error() string {
	return fmt.Sprintf("%s: %v", e.op, e.err)
}

func (e *unavailableError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.err}
}

// Store classifies a persistence error. Connection-level failures and deadline
// expiry become ErrStoreUnavailable; everything else is wrapped with op as-is.
func Store(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) {
		return &unavailableError{op: op, err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsTransient reports whether err looks like a retryable store failure.
func IsTransient(err error) bool {
	if errors.Is(err, ErrStoreUnavailable) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// class 08: connection exception, 57P0x: operator intervention / shutdown
		return len(pgErr.Code) == 5 && (pgErr.Code[:2] == "08" || pgErr.Code[:4] == "57P0")
	}
	return false
}

// InvalidRange wraps a message as ErrInvalidRange.
func InvalidRange(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRange, fmt.Sprintf(format, args...))
}
