package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"syscall"
)

var (
	// ErrTableExists reports that CreateTable lost a race with another creator.
	ErrTableExists = errors.New("storage: table already exists")

	// ErrConnLost marks errors after which the connection must be re-established.
	ErrConnLost = errors.New("storage: connection lost")
)

// ConnLost wraps err so errors.Is(err, ErrConnLost) holds. Backends call it
// after classifying a driver error.
func ConnLost(err error) error {
	if err == nil || errors.Is(err, ErrConnLost) {
		return err
	}
	return &connLostError{err: err}
}

type connLostError struct{ err error }

func (e *connLostError) Error() string   { return e.err.Error() }
func (e *connLostError) Unwrap() []error { return []error{e.err, ErrConnLost} }

// IsConnectionError reports whether err means the database session is gone:
// an explicit ErrConnLost, a broken driver connection, a closed pool or a
// network failure. Context cancellation is not a connection error.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrConnLost) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
