package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

const scanBatch = 200

// RedisStore shares cached values between processes. After repeated Redis failures the
// trip switch opens and calls fail fast until it probes again.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	cb        *gobreaker.CircuitBreaker
}

func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "cache-redis",
			MaxRequests: 1,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	res, err := s.cb.Execute(func() (interface{}, error) {
		b, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return b, err
	})
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	b, _ := res.([]byte)
	return b, b != nil, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Set(ctx, s.keyPrefix+key, value, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = s.keyPrefix + k
	}
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.Del(ctx, prefixed...).Result()
	})
	if err != nil {
		return 0, fmt.Errorf("delete %d keys: %w", len(keys), err)
	}
	return int(res.(int64)), nil
}

// DeletePattern walks the keyspace with SCAN and deletes each batch as it is found.
func (s *RedisStore) DeletePattern(ctx context.Context, pattern string) (int, error) {
	res, err := s.cb.Execute(func() (interface{}, error) {
		var (
			cursor  uint64
			deleted int64
		)
		for {
			keys, next, err := s.client.Scan(ctx, cursor, s.keyPrefix+pattern, scanBatch).Result()
			if err != nil {
				return deleted, err
			}
			if len(keys) > 0 {
				n, err := s.client.Del(ctx, keys...).Result()
				if err != nil {
					return deleted, err
				}
				deleted += n
			}
			if next == 0 {
				return deleted, nil
			}
			cursor = next
		}
	})
	if err != nil {
		return 0, fmt.Errorf("delete pattern %q: %w", pattern, err)
	}
	return int(res.(int64)), nil
}
