// Package store defines the storage port the credits engine consumes, and
// the error type adapters use to report backend failures.
package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/xraph/credits/account"
	"github.com/xraph/credits/audit"
	"github.com/xraph/credits/entry"
	"github.com/xraph/credits/idempotency"
)

// Store is the unified storage interface for all engine records.
type Store interface {
	account.Store
	entry.Store
	audit.Store
	idempotency.Store

	// Migrate creates or upgrades the schema.
	Migrate(ctx context.Context) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases resources. The store is unusable afterwards.
	Close() error
}

var (
	ErrClosed   = errors.New("credits: store is closed")
	ErrNotReady = errors.New("credits: store not ready")
)

// Error wraps a failure from a storage backend. Transient marks faults
// that may succeed if retried: lost connections, timeouts and lock
// contention. Constraint and syntax errors are never transient.
type Error struct {
	Op        string
	Err       error
	Transient bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("credits: store %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap returns err wrapped as an *Error, or nil. The error is transient
// when IsConnectionFault reports so or any of classify does.
func Wrap(op string, err error, classify ...func(error) bool) error {
	if err == nil {
		return nil
	}
	transient := IsConnectionFault(err)
	for _, fn := range classify {
		if transient {
			break
		}
		transient = fn(err)
	}
	return &Error{Op: op, Err: err, Transient: transient}
}

// IsConnectionFault reports whether err came from the network or a
// deadline rather than from the statement itself.
func IsConnectionFault(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsTransient reports whether err is a storage fault worth retrying.
func IsTransient(err error) bool {
	var se *Error
	if errors.As(err, &se) && se.Transient {
		return true
	}
	return errors.Is(err, ErrNotReady)
}
