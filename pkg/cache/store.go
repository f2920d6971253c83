package cache

import (
	"context"
	"time"
)

// Entry is one cached value. A zero ExpiresAt never expires.
type Entry struct {
	Key       string
	Value     []byte
	ExpiresAt time.Time
}

func (e *Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Store is the raw byte store behind a Service. Get reports a miss with ok=false and a
// nil error. DeletePattern takes a glob in Redis syntax and returns the number of keys removed.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) (int, error)
	DeletePattern(ctx context.Context, pattern string) (int, error)
}
