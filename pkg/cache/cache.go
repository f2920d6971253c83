// Package cache is a read-through cache in front of the database with explicit,
// resource-driven invalidation.
//
// Values are stored as JSON. A failing store never fails the request: reads degrade to
// a miss and writes are logged and dropped.
package cache

import (
	"context"
	"encoding/json"
	"reflect"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// TTLs are the expiry presets applied by key family.
type TTLs struct {
	Default time.Duration
	Product time.Duration
	Pricing time.Duration
}

var defaultTTLs = TTLs{
	Default: 5 * time.Minute,
	Product: 10 * time.Minute,
	Pricing: time.Minute,
}

func (t TTLs) withDefaults() TTLs {
	if reflect.ValueOf(t.Default).IsZero() {
		t.Default = defaultTTLs.Default
	}
	if reflect.ValueOf(t.Product).IsZero() {
		t.Product = defaultTTLs.Product
	}
	if reflect.ValueOf(t.Pricing).IsZero() {
		t.Pricing = defaultTTLs.Pricing
	}
	return t
}

type Service struct {
	store  Store
	ttls   TTLs
	logger *zap.Logger
	warn   rate.Sometimes
}

func New(store Store, ttls TTLs, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		ttls:   ttls.withDefaults(),
		logger: logger.With(zap.String("component", "cache")),
		warn:   rate.Sometimes{First: 1, Interval: time.Minute},
	}
}

func (c *Service) TTLs() TTLs {
	return c.ttls
}

// Get decodes the value at key into dst and reports whether it was found.
func (c *Service) Get(ctx context.Context, key string, dst interface{}) bool {
	b, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.degraded("get", key, err)
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(b, dst); err != nil {
		c.logger.Warn("dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		_, _ = c.store.Delete(ctx, key)
		return false
	}
	return true
}

// Set stores value under key. A zero ttl uses the default preset.
func (c *Service) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.ttls.Default
	}
	b, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("value not cacheable", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.store.Set(ctx, key, b, ttl); err != nil {
		c.degraded("set", key, err)
	}
}

func (c *Service) Delete(ctx context.Context, key string) {
	if _, err := c.store.Delete(ctx, key); err != nil {
		c.degraded("delete", key, err)
	}
}

// DeletePattern removes every key matching the glob and returns how many were removed.
func (c *Service) DeletePattern(ctx context.Context, pattern string) (int, error) {
	return c.store.DeletePattern(ctx, pattern)
}

func (c *Service) degraded(op, key string, err error) {
	c.warn.Do(func() {
		c.logger.Warn("cache store failed, passing through", zap.String("op", op),
			zap.String("key", key), zap.Error(err))
	})
}

// GetOrSet returns the cached value at key or computes, stores and returns it. Concurrent
// misses on one key may each call compute.
func GetOrSet[T any](ctx context.Context, c *Service, key string, ttl time.Duration, compute func(ctx context.Context) (T, error)) (T, error) {
	var cached T
	if c.Get(ctx, key, &cached) {
		return cached, nil
	}
	v, err := compute(ctx)
	if err != nil {
		return v, err
	}
	c.Set(ctx, key, v, ttl)
	return v, nil
}
