package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrDatabaseUnavailable wraps retryable failures that persisted past the single retry.
	ErrDatabaseUnavailable = errors.New("database unavailable")
	// ErrFatal wraps failures that are never retried.
	ErrFatal = errors.New("fatal database error")
)

// Class is the retry classification of an error.
type Class int

const (
	// ClassApplication is an ordinary SQL error such as a constraint violation.
	ClassApplication Class = iota
	// ClassRetryable covers connection exhaustion and transient network failures.
	ClassRetryable
	// ClassFatal covers protocol violations and shutdown signals.
	ClassFatal
	// ClassCanceled means the caller gave up.
	ClassCanceled
)

func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassFatal:
		return "fatal"
	case ClassCanceled:
		return "canceled"
	default:
		return "application"
	}
}

// Classify decides how the manager treats err.
func Classify(err error) Class {
	if err == nil {
		return ClassApplication
	}
	if errors.Is(err, ErrFatal) || errors.Is(err, ErrPoolClosed) {
		return ClassFatal
	}
	if errors.Is(err, ErrDatabaseUnavailable) || errors.Is(err, ErrAcquireTimeout) {
		return ClassRetryable
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifyCode(pgErr.Code)
	}
	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return ClassRetryable
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return ClassRetryable
	}
	if pgconn.SafeToRetry(err) {
		return ClassRetryable
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return ClassRetryable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassRetryable
	}
	return ClassApplication
}

func classifyCode(code string) Class {
	switch code {
	case pgerrcode.ProtocolViolation, pgerrcode.AdminShutdown, pgerrcode.CrashShutdown:
		return ClassFatal
	case pgerrcode.CannotConnectNow, pgerrcode.TooManyConnections:
		return ClassRetryable
	}
	if pgerrcode.IsConnectionException(code) || pgerrcode.IsInsufficientResources(code) {
		return ClassRetryable
	}
	return ClassApplication
}

// surface wraps retryable and fatal errors in their sentinel so callers can errors.Is them.
func surface(err error) error {
	if err == nil {
		return nil
	}
	switch Classify(err) {
	case ClassRetryable:
		if errors.Is(err, ErrDatabaseUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrDatabaseUnavailable, err)
	case ClassFatal:
		if errors.Is(err, ErrFatal) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrFatal, err)
	}
	return err
}
