package cache

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Resource tags a mutating operation for invalidation.
type Resource string

const (
	ResourceProduct   Resource = "product"
	ResourcePricing   Resource = "pricing"
	ResourceInventory Resource = "inventory"
	ResourceOrder     Resource = "order"
	ResourceCart      Resource = "cart"
	ResourceCategory  Resource = "category"
	ResourceUser      Resource = "user"
)

const idPlaceholder = "{id}"

// Patterns maps a resource to the key globs a successful mutation of it must clear.
// {id} is replaced by the mutated resource's id, or * when the id is unknown.
type Patterns map[Resource][]string

func DefaultPatterns() Patterns {
	return Patterns{
		ResourceProduct:   {"product:{id}", "products:*", "pricing:{id}", "bundle:*", "inventory:{id}"},
		ResourcePricing:   {"pricing:{id}", "product:{id}", "products:*", "bundle:*"},
		ResourceInventory: {"inventory:{id}", "product:{id}", "products:*"},
		ResourceOrder:     {"order:{id}", "orders:*", "inventory:*"},
		ResourceCart:      {"cart:{id}"},
		ResourceCategory:  {"category:{id}", "categories:*", "products:*"},
		ResourceUser:      {"user:{id}", "cart:{id}", "orders:{id}:*"},
	}
}

type Invalidator struct {
	cache    *Service
	patterns Patterns
	logger   *zap.Logger
}

func NewInvalidator(cache *Service, patterns Patterns, logger *zap.Logger) *Invalidator {
	if patterns == nil {
		patterns = DefaultPatterns()
	}
	return &Invalidator{
		cache:    cache,
		patterns: patterns,
		logger:   logger.With(zap.String("component", "invalidator")),
	}
}

// Patterns returns the globs a mutation of resource id clears.
func (i *Invalidator) Patterns(resource Resource, id string) []string {
	templates := i.patterns[resource]
	out := make([]string, 0, len(templates))
	replacement := "*"
	if id != "" {
		replacement = escapeGlob(id)
	}
	for _, t := range templates {
		out = append(out, strings.ReplaceAll(t, idPlaceholder, replacement))
	}
	return out
}

// Resources lists the resources with registered patterns.
func (i *Invalidator) Resources() []Resource {
	out := make([]Resource, 0, len(i.patterns))
	for r := range i.patterns {
		out = append(out, r)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// InvalidateOnMutation clears every pattern registered for resource and returns the
// number of keys removed. Failures are logged; the mutation has already committed.
func (i *Invalidator) InvalidateOnMutation(ctx context.Context, resource Resource, id string) int {
	patterns := i.Patterns(resource, id)
	if len(patterns) == 0 {
		i.logger.Warn("no invalidation patterns registered", zap.String("resource", string(resource)))
		return 0
	}
	total := 0
	for _, p := range patterns {
		n, err := i.cache.DeletePattern(ctx, p)
		if err != nil {
			i.logger.Error("cache invalidation failed", zap.String("resource", string(resource)),
				zap.String("id", id), zap.String("pattern", p), zap.Error(err))
			continue
		}
		total += n
	}
	i.logger.Debug("cache invalidated", zap.String("resource", string(resource)),
		zap.String("id", id), zap.Int("deleted", total))
	return total
}

func escapeGlob(s string) string {
	if !strings.ContainsAny(s, `*?[]{}\`) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '{', '}', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
