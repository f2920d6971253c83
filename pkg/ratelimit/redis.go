package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// takeScript is the sliding-window admission over a sorted set scored in milliseconds.
var takeScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
if count < limit then
  redis.call('ZADD', KEYS[1], now, ARGV[4])
  redis.call('PEXPIRE', KEYS[1], window)
  return {1, limit - count - 1, 0}
end
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
local retry = window
if oldest[2] then
  retry = tonumber(oldest[2]) + window - now
end
return {0, 0, retry}
`)

// RedisStore shares buckets between processes. Redis calls go through a trip switch so
// an unreachable Redis is not retried on every request.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	cb        *gobreaker.CircuitBreaker
	seq       atomic.Uint64
}

func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "dal:ratelimit:"
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "ratelimit-redis",
			MaxRequests: 1,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (s *RedisStore) Take(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error) {
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + strconv.FormatUint(s.seq.Add(1), 10)
	res, err := s.cb.Execute(func() (interface{}, error) {
		return takeScript.Run(ctx, s.client, []string{s.keyPrefix + key},
			now.UnixMilli(), window.Milliseconds(), limit, member).Int64Slice()
	})
	if err != nil {
		return Decision{}, fmt.Errorf("take %q: %w", key, err)
	}
	vals, ok := res.([]int64)
	if !ok || len(vals) != 3 {
		return Decision{}, errors.New("unexpected rate limit script reply")
	}
	return Decision{
		Allowed:    vals[0] == 1,
		Limit:      limit,
		Remaining:  int(vals[1]),
		RetryAfter: time.Duration(vals[2]) * time.Millisecond,
	}, nil
}
