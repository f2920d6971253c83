// Package metrics ships pool, breaker and query statistics to statsd and Prometheus.
package metrics

import (
	"fmt"

	"github.com/DataDog/datadog-go/v5/statsd"
	"go.uber.org/zap"

	"github.com/kong/pg-resilient-dal/pkg/monitor"
	"github.com/kong/pg-resilient-dal/pkg/pool"
)

// NewStatsd dials addr, or returns a no-op client when addr is empty.
func NewStatsd(addr string, tags []string) (statsd.ClientInterface, error) {
	if addr == "" {
		return &statsd.NoOpClient{}, nil
	}
	client, err := statsd.New(addr, statsd.WithTags(tags))
	if err != nil {
		return nil, fmt.Errorf("create statsd client: %w", err)
	}
	return client, nil
}

// Emitter adapts client to pool.MetricsEmitterFunction. It understands pool.PoolStats,
// pool.Metric and monitor.Observation; anything else is logged and dropped.
func Emitter(client statsd.ClientInterface, logger *zap.Logger) pool.MetricsEmitterFunction {
	return func(metrics interface{}, tags []pool.MetricsTag) {
		t := statsdTags(tags)
		var err error
		switch m := metrics.(type) {
		case pool.PoolStats:
			err = emitPoolStats(client, m, t)
		case pool.Metric:
			err = client.Gauge(m.Key, m.Value, t, 1)
		case monitor.Observation:
			err = client.Timing("dal.query.duration", m.Duration, t, 1)
			if err == nil && !m.Success {
				err = client.Incr("dal.query.error", t, 1)
			}
			if err == nil && m.Slow {
				err = client.Incr("dal.query.slow", t, 1)
			}
		default:
			logger.Debug("unsupported metric type", zap.String("type", fmt.Sprintf("%T", metrics)))
			return
		}
		if err != nil {
			logger.Debug("statsd emit failed", zap.Error(err))
		}
	}
}

func emitPoolStats(client statsd.ClientInterface, s pool.PoolStats, tags []string) error {
	gauges := []struct {
		key   string
		value float64
	}{
		{"dal.pool.acquired_conns", float64(s.AcquiredConns)},
		{"dal.pool.idle_conns", float64(s.IdleConns)},
		{"dal.pool.total_conns", float64(s.TotalConns)},
		{"dal.pool.max_conns", float64(s.MaxConns)},
		{"dal.pool.acquire_count", float64(s.AcquireCount)},
		{"dal.pool.empty_acquires", float64(s.EmptyAcquires)},
	}
	for _, g := range gauges {
		if err := client.Gauge(g.key, g.value, tags, 1); err != nil {
			return err
		}
	}
	return client.Timing("dal.pool.acquire_duration", s.AcquireDuration, tags, 1)
}

func statsdTags(tags []pool.MetricsTag) []string {
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = t.Key + ":" + t.Value
	}
	return out
}

// Tee fans every emission out to each emitter.
func Tee(emitters ...pool.MetricsEmitterFunction) pool.MetricsEmitterFunction {
	return func(metrics interface{}, tags []pool.MetricsTag) {
		for _, e := range emitters {
			if e != nil {
				e(metrics, tags)
			}
		}
	}
}
