package ratelimit

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// Well-known limiter names.
const (
	Strict   = "strict"
	Standard = "standard"
	Public   = "public"
)

// Registry holds named limiters with independent thresholds over one Store.
type Registry struct {
	limiters map[string]*Limiter
}

func NewRegistry(store Store, configs []Config, logger *zap.Logger, opts ...Option) (*Registry, error) {
	r := &Registry{limiters: make(map[string]*Limiter, len(configs))}
	for _, c := range configs {
		if c.Name == "" {
			return nil, fmt.Errorf("limiter name cannot be empty")
		}
		if c.Limit <= 0 {
			return nil, fmt.Errorf("limiter %q: limit must be > 0", c.Name)
		}
		if _, dup := r.limiters[c.Name]; dup {
			return nil, fmt.Errorf("limiter %q defined twice", c.Name)
		}
		r.limiters[c.Name] = New(c, store, logger, opts...)
	}
	return r, nil
}

func (r *Registry) Get(name string) (*Limiter, bool) {
	l, ok := r.limiters[name]
	return l, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.limiters))
	for name := range r.limiters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
