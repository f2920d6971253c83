// Package router is the only entry point request handlers use to reach the database.
//
// Every call runs the same pipeline: rate-limit admission, cache lookup for reads,
// a fail-fast health check, the circuit breaker for the target pool, the pool manager
// itself, and finally performance bookkeeping and cache fill or invalidation.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kong/pg-resilient-dal/pkg/breaker"
	"github.com/kong/pg-resilient-dal/pkg/cache"
	"github.com/kong/pg-resilient-dal/pkg/monitor"
	"github.com/kong/pg-resilient-dal/pkg/pool"
	"github.com/kong/pg-resilient-dal/pkg/ratelimit"
)

// Database is the part of *pool.Manager the router drives.
type Database interface {
	Execute(ctx context.Context, kind pool.Kind, op pool.Operation) error
	Transaction(ctx context.Context, op pool.Operation) error
	Health() pool.Health
}

// Op describes one call from a handler.
type Op struct {
	// Endpoint names the call site in the performance monitor, e.g. "GET /products".
	Endpoint string
	// Identifier is the rate-limit subject. Empty skips admission.
	Identifier string
	// Limiter names the limiter to consult; empty selects the default for the call kind.
	Limiter string

	CacheKey string
	CacheTTL time.Duration

	// Resource and ResourceID tag a mutation for cache invalidation.
	Resource   cache.Resource
	ResourceID string
}

type Components struct {
	Database    Database
	Breakers    *breaker.Registry
	Limiters    *ratelimit.Registry
	Cache       *cache.Service
	Invalidator *cache.Invalidator
	Monitor     *monitor.Monitor
	// ReadLimiter and WriteLimiter default to ratelimit.Public and ratelimit.Standard.
	ReadLimiter  string
	WriteLimiter string
}

type Router struct {
	db           Database
	breakers     *breaker.Registry
	limiters     *ratelimit.Registry
	cache        *cache.Service
	invalidator  *cache.Invalidator
	monitor      *monitor.Monitor
	readLimiter  string
	writeLimiter string
	logger       *zap.Logger
}

func New(c Components, logger *zap.Logger) (*Router, error) {
	if c.Database == nil {
		return nil, fmt.Errorf("router requires a database")
	}
	if c.Breakers == nil {
		return nil, fmt.Errorf("router requires a breaker registry")
	}
	if c.Monitor == nil {
		c.Monitor = monitor.New(monitor.Config{})
	}
	if c.Invalidator == nil && c.Cache != nil {
		c.Invalidator = cache.NewInvalidator(c.Cache, nil, logger)
	}
	if c.ReadLimiter == "" {
		c.ReadLimiter = ratelimit.Public
	}
	if c.WriteLimiter == "" {
		c.WriteLimiter = ratelimit.Standard
	}
	return &Router{
		db:           c.Database,
		breakers:     c.Breakers,
		limiters:     c.Limiters,
		cache:        c.Cache,
		invalidator:  c.Invalidator,
		monitor:      c.Monitor,
		readLimiter:  c.ReadLimiter,
		writeLimiter: c.WriteLimiter,
		logger:       logger.With(zap.String("component", "router")),
	}, nil
}

// BreakerName is the circuit guarding calls of kind.
func BreakerName(kind pool.Kind) string {
	return "postgres-" + kind.String()
}

// TripsBreaker reports whether err says something about database health. Application
// errors and caller cancellation leave the circuit alone.
func TripsBreaker(err error) bool {
	switch pool.Classify(err) {
	case pool.ClassRetryable, pool.ClassFatal:
		return true
	default:
		return false
	}
}

func Read[T any](ctx context.Context, r *Router, op Op, fn func(ctx context.Context, q pool.Querier) (T, error)) (T, error) {
	var zero T
	if err := r.admit(ctx, op, pool.KindRead); err != nil {
		return zero, err
	}
	if op.CacheKey != "" && r.cache != nil {
		var cached T
		if r.cache.Get(ctx, op.CacheKey, &cached) {
			return cached, nil
		}
	}
	var out T
	err := r.call(ctx, op, pool.KindRead, func(ctx context.Context) error {
		return r.db.Execute(ctx, pool.KindRead, func(ctx context.Context, q pool.Querier) error {
			v, err := fn(ctx, q)
			out = v
			return err
		})
	})
	if err != nil {
		return zero, err
	}
	if op.CacheKey != "" && r.cache != nil {
		r.cache.Set(ctx, op.CacheKey, out, op.CacheTTL)
	}
	return out, nil
}

func Write[T any](ctx context.Context, r *Router, op Op, fn func(ctx context.Context, q pool.Querier) (T, error)) (T, error) {
	var zero T
	if err := r.admit(ctx, op, pool.KindWrite); err != nil {
		return zero, err
	}
	var out T
	err := r.call(ctx, op, pool.KindWrite, func(ctx context.Context) error {
		return r.db.Execute(ctx, pool.KindWrite, func(ctx context.Context, q pool.Querier) error {
			v, err := fn(ctx, q)
			out = v
			return err
		})
	})
	if err != nil {
		return zero, err
	}
	r.afterMutation(ctx, op)
	return out, nil
}

// Transaction is Write inside BEGIN/COMMIT. fn's statements all commit or none do.
func Transaction[T any](ctx context.Context, r *Router, op Op, fn func(ctx context.Context, tx pool.Querier) (T, error)) (T, error) {
	var zero T
	if err := r.admit(ctx, op, pool.KindWrite); err != nil {
		return zero, err
	}
	var out T
	err := r.call(ctx, op, pool.KindWrite, func(ctx context.Context) error {
		return r.db.Transaction(ctx, func(ctx context.Context, tx pool.Querier) error {
			v, err := fn(ctx, tx)
			out = v
			return err
		})
	})
	if err != nil {
		return zero, err
	}
	r.afterMutation(ctx, op)
	return out, nil
}

func (r *Router) admit(ctx context.Context, op Op, kind pool.Kind) error {
	if op.Identifier == "" || r.limiters == nil {
		return nil
	}
	name := op.Limiter
	if name == "" {
		name = r.readLimiter
		if kind == pool.KindWrite {
			name = r.writeLimiter
		}
	}
	l, ok := r.limiters.Get(name)
	if !ok {
		r.logger.Warn("unknown rate limiter, admitting", zap.String("limiter", name))
		return nil
	}
	return l.Err(op.Identifier, l.Decide(ctx, op.Identifier, l.Limit()))
}

func (r *Router) call(ctx context.Context, op Op, kind pool.Kind, exec func(ctx context.Context) error) error {
	start := time.Now()
	err := r.available(kind)
	if err == nil {
		err = r.breakers.Get(BreakerName(kind)).Execute(ctx, exec)
	}
	r.monitor.Record(op.Endpoint, kind, time.Since(start), err == nil)
	if err != nil && !errors.Is(err, breaker.ErrOpen) {
		r.logger.Debug("database call failed", zap.String("endpoint", op.Endpoint),
			zap.String("kind", kind.String()), zap.Error(err))
	}
	return err
}

// available fails fast when the last health check found no pool able to serve kind.
func (r *Router) available(kind pool.Kind) error {
	h := r.db.Health()
	if h.Write {
		return nil
	}
	if kind == pool.KindRead && h.ReadWriteSplitEnabled && h.Read {
		return nil
	}
	return fmt.Errorf("%w: no healthy pool for %s", pool.ErrDatabaseUnavailable, kind)
}

func (r *Router) afterMutation(ctx context.Context, op Op) {
	if op.Resource == "" || r.invalidator == nil {
		return
	}
	r.invalidator.InvalidateOnMutation(context.WithoutCancel(ctx), op.Resource, op.ResourceID)
}

// Invalidate clears the cache entries registered for resource id.
func (r *Router) Invalidate(ctx context.Context, resource cache.Resource, id string) int {
	if r.invalidator == nil {
		return 0
	}
	return r.invalidator.InvalidateOnMutation(ctx, resource, id)
}

func (r *Router) Health() pool.Health {
	return r.db.Health()
}

// Metrics is the administrative view of the performance monitor.
type Metrics struct {
	Summary         monitor.Metric   `json:"summary"`
	Endpoints       []monitor.Metric `json:"endpoints"`
	Recommendations []string         `json:"recommendations"`
}

func (r *Router) Metrics() Metrics {
	recs := r.monitor.Recommendations(r.db.Health())
	if recs == nil {
		recs = []string{}
	}
	return Metrics{
		Summary:         r.monitor.SummaryAll(),
		Endpoints:       r.monitor.Endpoints(),
		Recommendations: recs,
	}
}

func (r *Router) ResetMetrics() {
	r.monitor.Reset()
	r.logger.Info("performance metrics reset")
}

// Cache returns the cache service handlers use for their own read-through keys, or nil.
func (r *Router) Cache() *cache.Service {
	return r.cache
}
