package breaker

import (
	"context"
	"sync"
)

// MemoryStore keeps snapshots in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: map[string]Snapshot{}}
}

func (s *MemoryStore) Load(_ context.Context, name string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[name]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (s *MemoryStore) Save(_ context.Context, snap *Snapshot) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.snapshots[snap.Name]; ok && current.LastStateChange.After(snap.LastStateChange) {
		return false, nil
	}
	s.snapshots[snap.Name] = *snap
	return true, nil
}
