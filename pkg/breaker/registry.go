package breaker

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry hands out named breakers that share one Store and one set of Settings.
// A breaker is created CLOSED the first time its name is requested.
type Registry struct {
	store    Store
	settings Settings
	logger   *zap.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

func NewRegistry(store Store, settings Settings, logger *zap.Logger) *Registry {
	return &Registry{
		store:    store,
		settings: settings,
		logger:   logger,
		breakers: map[string]*Breaker{},
	}
}

func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = New(name, r.store, r.settings, r.logger)
	r.breakers[name] = b
	return b
}

// Breakers returns every breaker created so far, ordered by name.
func (r *Registry) Breakers() []*Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (r *Registry) Snapshots(ctx context.Context) []Snapshot {
	breakers := r.Breakers()
	out := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot(ctx))
	}
	return out
}
