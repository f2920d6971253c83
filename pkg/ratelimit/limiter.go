// Package ratelimit admits requests per caller identity over a sliding window.
//
// Every admitted request leaves a timestamp in the caller's bucket; timestamps older than
// the window are pruned before each check, so the limit always reads "requests in the last
// window" with no burst at fixed-window boundaries. Limiters fail open: when the backing
// store errors the request is admitted.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var defaultWindow = time.Minute

// ErrLimited is matched by every LimitError.
var ErrLimited = errors.New("rate limit exceeded")

// LimitError is returned by callers that turn a rejected Decision into an error.
type LimitError struct {
	Limiter    string
	Identifier string
	Limit      int
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit %q exceeded for %s (limit %d), retry after %s",
		e.Limiter, e.Identifier, e.Limit, e.RetryAfter)
}

func (e *LimitError) Is(target error) bool {
	return target == ErrLimited
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Store records admissions. Take admits when fewer than limit timestamps for key fall
// inside (now-window, now], appending now on admission.
type Store interface {
	Take(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error)
}

// Config describes one named limiter.
type Config struct {
	Name   string
	Limit  int
	Window time.Duration
}

// Limiter is one named admission policy.
type Limiter struct {
	name   string
	limit  int
	window time.Duration
	store  Store
	logger *zap.Logger
	clock  func() time.Time
	warn   rate.Sometimes
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) {
		l.clock = clock
	}
}

func New(config Config, store Store, logger *zap.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		name:   config.Name,
		limit:  config.Limit,
		window: config.Window,
		store:  store,
		logger: logger.With(zap.String("limiter", config.Name)),
		clock:  time.Now,
		warn:   rate.Sometimes{First: 1, Interval: time.Minute},
	}
	if reflect.ValueOf(l.window).IsZero() {
		l.window = defaultWindow
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) Name() string {
	return l.name
}

func (l *Limiter) Limit() int {
	return l.limit
}

func (l *Limiter) Window() time.Duration {
	return l.window
}

// Check admits identifier if it has fewer than limit requests in the trailing window.
func (l *Limiter) Check(ctx context.Context, identifier string, limit int) bool {
	return l.Decide(ctx, identifier, limit).Allowed
}

// Allow is Check with the limiter's configured limit.
func (l *Limiter) Allow(ctx context.Context, identifier string) bool {
	return l.Check(ctx, identifier, l.limit)
}

// Decide is Check with the remaining budget and, on rejection, how long until the
// oldest request leaves the window.
func (l *Limiter) Decide(ctx context.Context, identifier string, limit int) Decision {
	if limit <= 0 {
		return Decision{Allowed: false, Limit: limit, RetryAfter: l.window}
	}
	d, err := l.store.Take(ctx, l.name+":"+identifier, limit, l.window, l.clock())
	if err != nil {
		l.warn.Do(func() {
			l.logger.Warn("rate limiter store failed, admitting request", zap.Error(err))
		})
		return Decision{Allowed: true, Limit: limit, Remaining: limit}
	}
	if !d.Allowed {
		l.logger.Debug("rate limit exceeded", zap.String("identifier", identifier),
			zap.Int("limit", limit), zap.Duration("retryAfter", d.RetryAfter))
	}
	return d
}

// Err converts a rejected decision into a *LimitError; it returns nil for admissions.
func (l *Limiter) Err(identifier string, d Decision) error {
	if d.Allowed {
		return nil
	}
	return &LimitError{Limiter: l.name, Identifier: identifier, Limit: d.Limit, RetryAfter: d.RetryAfter}
}
