// Package dal assembles the data-access layer from configuration. A Layer is built once at
// process start, handed to request handlers, and closed on shutdown.
package dal

import (
	"context"
	"fmt"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kong/pg-resilient-dal/internal/config"
	"github.com/kong/pg-resilient-dal/internal/metrics"
	"github.com/kong/pg-resilient-dal/pkg/breaker"
	"github.com/kong/pg-resilient-dal/pkg/cache"
	"github.com/kong/pg-resilient-dal/pkg/monitor"
	"github.com/kong/pg-resilient-dal/pkg/pool"
	"github.com/kong/pg-resilient-dal/pkg/ratelimit"
	"github.com/kong/pg-resilient-dal/pkg/router"
)

type Layer struct {
	Config      *config.Config
	Manager     *pool.Manager
	Breakers    *breaker.Registry
	Limiters    *ratelimit.Registry
	Cache       *cache.Service
	Invalidator *cache.Invalidator
	Monitor     *monitor.Monitor
	Router      *router.Router
	Prometheus  *prometheus.Registry

	logger *zap.Logger
	redis  redis.UniversalClient
	statsd statsd.ClientInterface
}

// New opens the pools described by cfg and wires every component around them.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Layer, error) {
	sd, err := metrics.NewStatsd(cfg.StatsdAddr, []string{"app:" + cfg.Pool.ApplicationName})
	if err != nil {
		return nil, err
	}
	emitter := metrics.Emitter(sd, logger)

	mc := cfg.ManagerConfig()
	mc.MetricsEmitter = emitter
	manager, err := pool.Open(ctx, mc, logger)
	if err != nil {
		_ = sd.Close()
		return nil, err
	}

	l, err := Assemble(cfg, manager, sd, logger)
	if err != nil {
		manager.Close()
		_ = sd.Close()
		return nil, err
	}
	return l, nil
}

// Assemble wires every component around an already-open manager. The Layer takes
// ownership of manager and sd.
func Assemble(cfg *config.Config, manager *pool.Manager, sd statsd.ClientInterface, logger *zap.Logger) (_ *Layer, err error) {
	l := &Layer{
		Config:  cfg,
		Manager: manager,
		logger:  logger,
		statsd:  sd,
	}
	if usesRedis(cfg) {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		l.redis = newRedisClient(opts)
	}
	defer func() {
		if err != nil && l.redis != nil {
			_ = l.redis.Close()
		}
	}()

	var emitter pool.MetricsEmitterFunction
	if sd != nil {
		emitter = metrics.Emitter(sd, logger)
	}
	l.Monitor = monitor.New(monitor.Config{
		SlowThreshold:  cfg.SlowQueryThreshold,
		MetricsEmitter: emitter,
	})

	var breakerStore breaker.Store = breaker.NewMemoryStore()
	if cfg.Breaker.Store == config.StoreRedis {
		breakerStore = breaker.NewRedisStore(l.redis, breaker.RedisStoreConfig{})
	}
	l.Breakers = breaker.NewRegistry(breakerStore, breaker.Settings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		IsFailure:        router.TripsBreaker,
		OnStateChange: func(name string, from, to breaker.State) {
			logger.Warn("circuit breaker state changed", zap.String("breaker", name),
				zap.Stringer("from", from), zap.Stringer("to", to))
		},
	}, logger)

	var limitStore ratelimit.Store
	if cfg.RateLimit.Store == config.StoreRedis {
		limitStore = ratelimit.NewRedisStore(l.redis, "")
	} else {
		ms, err := ratelimit.NewMemoryStore(cfg.RateLimit.MaxIdentifiers)
		if err != nil {
			return nil, err
		}
		limitStore = ms
	}
	limiters, err := ratelimit.NewRegistry(limitStore, []ratelimit.Config{
		{Name: ratelimit.Strict, Limit: cfg.RateLimit.Strict, Window: cfg.RateLimit.Window},
		{Name: ratelimit.Standard, Limit: cfg.RateLimit.Standard, Window: cfg.RateLimit.Window},
		{Name: ratelimit.Public, Limit: cfg.RateLimit.Public, Window: cfg.RateLimit.Window},
	}, logger)
	if err != nil {
		return nil, err
	}
	l.Limiters = limiters

	var cacheStore cache.Store
	if cfg.Cache.Store == config.StoreRedis {
		cacheStore = cache.NewRedisStore(l.redis, "dal:cache:")
	} else {
		cacheStore = cache.NewMemoryStore(cache.MemoryConfig{})
	}
	l.Cache = cache.New(cacheStore, cache.TTLs{
		Default: cfg.Cache.TTLDefault,
		Product: cfg.Cache.TTLProduct,
		Pricing: cfg.Cache.TTLPricing,
	}, logger)
	l.Invalidator = cache.NewInvalidator(l.Cache, cache.DefaultPatterns(), logger)

	l.Router, err = router.New(router.Components{
		Database:    manager,
		Breakers:    l.Breakers,
		Limiters:    l.Limiters,
		Cache:       l.Cache,
		Invalidator: l.Invalidator,
		Monitor:     l.Monitor,
	}, logger)
	if err != nil {
		return nil, err
	}

	l.Prometheus = prometheus.NewRegistry()
	if err := l.Prometheus.Register(metrics.NewCollector(metrics.Source{
		Breakers:  l.Breakers,
		Monitor:   l.Monitor,
		PoolStats: l.PoolStats,
		Health:    manager.Health,
	})); err != nil {
		return nil, fmt.Errorf("register collector: %w", err)
	}

	// Register the default circuits so they show up before first use.
	l.Breakers.Get(router.BreakerName(pool.KindWrite))
	l.Breakers.Get(router.BreakerName(pool.KindRead))
	return l, nil
}

var newRedisClient = func(opts *redis.Options) redis.UniversalClient {
	return redis.NewClient(opts)
}

func usesRedis(cfg *config.Config) bool {
	return cfg.Breaker.Store == config.StoreRedis ||
		cfg.RateLimit.Store == config.StoreRedis ||
		cfg.Cache.Store == config.StoreRedis
}

// PoolStats returns the write pool statistics and, when a replica is configured, the
// read pool statistics.
func (l *Layer) PoolStats() []pool.PoolStats {
	stats := []pool.PoolStats{l.Manager.Stats(pool.KindWrite)}
	if l.Manager.Health().ReadWriteSplitEnabled {
		stats = append(stats, l.Manager.Stats(pool.KindRead))
	}
	return stats
}

// Close stops the health loop and closes pools and clients.
func (l *Layer) Close() {
	l.Manager.Close()
	if l.redis != nil {
		if err := l.redis.Close(); err != nil {
			l.logger.Warn("closing redis client", zap.Error(err))
		}
	}
	if l.statsd != nil {
		if err := l.statsd.Close(); err != nil {
			l.logger.Warn("closing statsd client", zap.Error(err))
		}
	}
	l.logger.Info("data access layer closed")
}
