package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

var (
	defaultStateTTL  = time.Second * 60
	defaultLocalTTL  = time.Second
	defaultKeyPrefix = "dal:breaker:"
)

// RedisStoreConfig configures a RedisStore.
type RedisStoreConfig struct {
	KeyPrefix string
	// StateTTL is the expiry applied to every write.
	StateTTL time.Duration
	// LocalTTL is how long a fetched snapshot is reused before Redis is asked again.
	// Negative disables the local copy.
	LocalTTL time.Duration
}

// RedisStore shares snapshots between processes through Redis hashes. Redis calls go
// through a trip switch so a hung Redis fails fast after repeated errors.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	stateTTL  time.Duration
	localTTL  time.Duration
	cb        *gobreaker.CircuitBreaker

	mu    sync.Mutex
	local map[string]cachedSnapshot
}

type cachedSnapshot struct {
	snap      *Snapshot
	fetchedAt time.Time
}

// saveScript writes the snapshot unless the stored one changed state more recently.
var saveScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'lsc')
if current and tonumber(current) > tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'lsc', ARGV[1], 'data', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

func NewRedisStore(client redis.UniversalClient, config RedisStoreConfig) *RedisStore {
	s := &RedisStore{
		client:    client,
		keyPrefix: config.KeyPrefix,
		stateTTL:  config.StateTTL,
		localTTL:  config.LocalTTL,
		local:     map[string]cachedSnapshot{},
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "breaker-redis",
			MaxRequests: 1,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
	if s.keyPrefix == "" {
		s.keyPrefix = defaultKeyPrefix
	}
	if reflect.ValueOf(s.stateTTL).IsZero() {
		s.stateTTL = defaultStateTTL
	}
	if reflect.ValueOf(s.localTTL).IsZero() {
		s.localTTL = defaultLocalTTL
	}
	return s
}

func (s *RedisStore) key(name string) string {
	return s.keyPrefix + name
}

func (s *RedisStore) Load(ctx context.Context, name string) (*Snapshot, error) {
	if snap, ok := s.cached(name); ok {
		return snap, nil
	}
	res, err := s.cb.Execute(func() (interface{}, error) {
		data, err := s.client.HGet(ctx, s.key(name), "data").Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return data, err
	})
	if err != nil {
		return nil, fmt.Errorf("load breaker %q: %w", name, err)
	}
	data, _ := res.([]byte)
	if data == nil {
		s.remember(name, nil)
		return nil, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode breaker %q: %w", name, err)
	}
	s.remember(name, &snap)
	out := snap
	return &out, nil
}

func (s *RedisStore) Save(ctx context.Context, snap *Snapshot) (bool, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return false, fmt.Errorf("encode breaker %q: %w", snap.Name, err)
	}
	res, err := s.cb.Execute(func() (interface{}, error) {
		return saveScript.Run(ctx, s.client, []string{s.key(snap.Name)},
			snap.LastStateChange.UnixMilli(), data, s.stateTTL.Milliseconds()).Int()
	})
	if err != nil {
		return false, fmt.Errorf("save breaker %q: %w", snap.Name, err)
	}
	if res.(int) == 1 {
		copied := *snap
		s.remember(snap.Name, &copied)
		return true, nil
	}
	s.forget(snap.Name)
	return false, nil
}

func (s *RedisStore) cached(name string) (*Snapshot, bool) {
	if s.localTTL < 0 {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.local[name]
	if !ok || time.Since(c.fetchedAt) >= s.localTTL {
		return nil, false
	}
	if c.snap == nil {
		return nil, true
	}
	out := *c.snap
	return &out, true
}

func (s *RedisStore) remember(name string, snap *Snapshot) {
	if s.localTTL < 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.local[name] = cachedSnapshot{snap: snap, fetchedAt: time.Now()}
}

func (s *RedisStore) forget(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.local, name)
}
