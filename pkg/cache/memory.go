package cache

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/gobwas/glob"
)

const (
	defaultShards          = 16
	defaultEntriesPerShard = 4096
)

type shard struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// MemoryStore is a process-local Store split into independently locked shards. Expired
// entries are dropped lazily on access and when a full shard needs room.
type MemoryStore struct {
	shards     []*shard
	maxEntries int
	clock      func() time.Time
}

type MemoryConfig struct {
	Shards          int
	EntriesPerShard int
	Clock           func() time.Time
}

func NewMemoryStore(config MemoryConfig) *MemoryStore {
	if config.Shards <= 0 {
		config.Shards = defaultShards
	}
	if config.EntriesPerShard <= 0 {
		config.EntriesPerShard = defaultEntriesPerShard
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	s := &MemoryStore{
		shards:     make([]*shard, config.Shards),
		maxEntries: config.EntriesPerShard,
		clock:      config.Clock,
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*Entry)}
	}
	return s
}

func (s *MemoryStore) shard(key string) *shard {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum64()%uint64(len(s.shards))]
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	sh := s.shard(key)
	now := s.clock()

	sh.mu.RLock()
	e, ok := sh.entries[key]
	sh.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if e.expired(now) {
		sh.mu.Lock()
		if cur, ok := sh.entries[key]; ok && cur == e {
			delete(sh.entries, key)
		}
		sh.mu.Unlock()
		return nil, false, nil
	}
	return e.Value, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		return fmt.Errorf("negative ttl for %q", key)
	}
	now := s.clock()
	e := &Entry{Key: key, Value: value}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}

	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.entries[key]; !exists && len(sh.entries) >= s.maxEntries {
		sh.makeRoom(now, s.maxEntries)
	}
	sh.entries[key] = e
	return nil
}

// makeRoom drops expired entries, then the entry closest to expiry if the shard is still full.
func (sh *shard) makeRoom(now time.Time, limit int) {
	var victim *Entry
	for k, e := range sh.entries {
		if e.expired(now) {
			delete(sh.entries, k)
			continue
		}
		if victim == nil || expiresBefore(e, victim) {
			victim = e
		}
	}
	if victim != nil && len(sh.entries) >= limit {
		delete(sh.entries, victim.Key)
	}
}

func expiresBefore(a, b *Entry) bool {
	if a.ExpiresAt.IsZero() {
		return false
	}
	return b.ExpiresAt.IsZero() || a.ExpiresAt.Before(b.ExpiresAt)
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) (int, error) {
	n := 0
	for _, key := range keys {
		sh := s.shard(key)
		sh.mu.Lock()
		if _, ok := sh.entries[key]; ok {
			delete(sh.entries, key)
			n++
		}
		sh.mu.Unlock()
	}
	return n, nil
}

// DeletePattern removes keys matching a Redis-style glob, where * spans any characters.
func (s *MemoryStore) DeletePattern(_ context.Context, pattern string) (int, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return 0, fmt.Errorf("pattern %q: %w", pattern, err)
	}
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k := range sh.entries {
			if g.Match(k) {
				delete(sh.entries, k)
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n, nil
}

// Len counts stored entries, including expired ones not yet dropped.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}
