package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/matryer/is"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"too many connections", &pgconn.PgError{Code: "53300"}, ClassRetryable},
		{"out of memory", &pgconn.PgError{Code: "53200"}, ClassRetryable},
		{"connection failure", &pgconn.PgError{Code: "08006"}, ClassRetryable},
		{"cannot connect now", &pgconn.PgError{Code: "57P03"}, ClassRetryable},
		{"protocol violation", &pgconn.PgError{Code: "08P01"}, ClassFatal},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, ClassFatal},
		{"crash shutdown", &pgconn.PgError{Code: "57P02"}, ClassFatal},
		{"unique violation", &pgconn.PgError{Code: "23505"}, ClassApplication},
		{"syntax error", &pgconn.PgError{Code: "42601"}, ClassApplication},
		{"acquire timeout", fmt.Errorf("wrapped: %w", ErrAcquireTimeout), ClassRetryable},
		{"closed pool", ErrPoolClosed, ClassFatal},
		{"reset by peer", fmt.Errorf("read: %w", syscall.ECONNRESET), ClassRetryable},
		{"unexpected eof", io.ErrUnexpectedEOF, ClassRetryable},
		{"deadline", context.DeadlineExceeded, ClassRetryable},
		{"canceled", context.Canceled, ClassCanceled},
		{"plain", errors.New("no rows"), ClassApplication},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)
			is.Equal(Classify(tt.err), tt.want)
		})
	}
}

func TestSurfaceWrapsSentinels(t *testing.T) {
	is := is.New(t)
	err := surface(&pgconn.PgError{Code: "53300"})
	is.True(errors.Is(err, ErrDatabaseUnavailable))
	err = surface(&pgconn.PgError{Code: "57P01"})
	is.True(errors.Is(err, ErrFatal))
	plain := errors.New("constraint")
	is.Equal(surface(plain), plain)
	is.NoErr(surface(nil))
}

func TestLinearBackOffIsCapped(t *testing.T) {
	is := is.New(t)
	b := newLinearBackOff(10*time.Millisecond, 25*time.Millisecond)
	is.Equal(b.NextBackOff(), 10*time.Millisecond)
	is.Equal(b.NextBackOff(), 20*time.Millisecond)
	is.Equal(b.NextBackOff(), 25*time.Millisecond)
	b.Reset()
	is.Equal(b.NextBackOff(), 10*time.Millisecond)
}
