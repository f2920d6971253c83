package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultMaxIdentifiers = 10000

// bucket is the per-identifier admission log. tokens and lastRefill are refreshed on
// every check from the pruned timestamps.
type bucket struct {
	mu         sync.Mutex
	tokens     int
	lastRefill time.Time
	timestamps []time.Time
}

// MemoryStore keeps buckets in process memory, evicting the least recently used
// identifier once maxIdentifiers are tracked.
type MemoryStore struct {
	buckets *lru.Cache[string, *bucket]
}

func NewMemoryStore(maxIdentifiers int) (*MemoryStore, error) {
	if maxIdentifiers <= 0 {
		maxIdentifiers = defaultMaxIdentifiers
	}
	cache, err := lru.New[string, *bucket](maxIdentifiers)
	if err != nil {
		return nil, fmt.Errorf("create bucket cache: %w", err)
	}
	return &MemoryStore{buckets: cache}, nil
}

// Len is the number of identifiers currently tracked.
func (s *MemoryStore) Len() int {
	return s.buckets.Len()
}

func (s *MemoryStore) bucket(key string) *bucket {
	if b, ok := s.buckets.Get(key); ok {
		return b
	}
	created := &bucket{}
	if prev, ok, _ := s.buckets.PeekOrAdd(key, created); ok {
		return prev
	}
	return created
}

func (s *MemoryStore) Take(_ context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error) {
	b := s.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.prune(now, window)
	if len(b.timestamps) < limit {
		b.insert(now)
		b.tokens = limit - len(b.timestamps)
		return Decision{Allowed: true, Limit: limit, Remaining: b.tokens}, nil
	}
	b.tokens = 0
	return Decision{
		Allowed:    false,
		Limit:      limit,
		RetryAfter: b.timestamps[0].Add(window).Sub(now),
	}, nil
}

func (b *bucket) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := sort.Search(len(b.timestamps), func(i int) bool {
		return b.timestamps[i].After(cutoff)
	})
	if i > 0 {
		b.timestamps = append(b.timestamps[:0], b.timestamps[i:]...)
	}
	b.lastRefill = now
}

// insert keeps timestamps ordered; callers read the clock before taking the bucket lock.
func (b *bucket) insert(at time.Time) {
	i := sort.Search(len(b.timestamps), func(i int) bool {
		return b.timestamps[i].After(at)
	})
	b.timestamps = append(b.timestamps, time.Time{})
	copy(b.timestamps[i+1:], b.timestamps[i:])
	b.timestamps[i] = at
}
