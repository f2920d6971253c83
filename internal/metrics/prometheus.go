package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kong/pg-resilient-dal/pkg/breaker"
	"github.com/kong/pg-resilient-dal/pkg/monitor"
	"github.com/kong/pg-resilient-dal/pkg/pool"
)

// Source is what the Collector reads on every scrape.
type Source struct {
	Breakers *breaker.Registry
	Monitor  *monitor.Monitor
	// PoolStats returns the statistics of every distinct pool.
	PoolStats func() []pool.PoolStats
	Health    func() pool.Health
}

// Collector exposes current breaker, query and pool state. Values are read at scrape time.
type Collector struct {
	src Source

	breakerState    *prometheus.Desc
	breakerDegraded *prometheus.Desc
	queries         *prometheus.Desc
	queryErrors     *prometheus.Desc
	slowQueries     *prometheus.Desc
	avgDuration     *prometheus.Desc
	poolConns       *prometheus.Desc
	poolMaxConns    *prometheus.Desc
	poolHealthy     *prometheus.Desc
}

func NewCollector(src Source) *Collector {
	return &Collector{
		src: src,
		breakerState: prometheus.NewDesc("dal_breaker_state",
			"Circuit state: 0 closed, 1 half-open, 2 open.", []string{"name"}, nil),
		breakerDegraded: prometheus.NewDesc("dal_breaker_degraded",
			"1 when the breaker runs on local state because its shared store failed.", []string{"name"}, nil),
		queries: prometheus.NewDesc("dal_queries_total",
			"Database calls routed, by endpoint and kind.", []string{"endpoint", "kind"}, nil),
		queryErrors: prometheus.NewDesc("dal_query_errors_total",
			"Failed database calls, by endpoint.", []string{"endpoint"}, nil),
		slowQueries: prometheus.NewDesc("dal_query_slow_total",
			"Database calls slower than the slow query threshold, by endpoint.", []string{"endpoint"}, nil),
		avgDuration: prometheus.NewDesc("dal_query_duration_avg_ms",
			"Average call duration in milliseconds, by endpoint.", []string{"endpoint"}, nil),
		poolConns: prometheus.NewDesc("dal_pool_connections",
			"Connections by pool and state.", []string{"pool", "state"}, nil),
		poolMaxConns: prometheus.NewDesc("dal_pool_max_connections",
			"Configured connection cap by pool.", []string{"pool"}, nil),
		poolHealthy: prometheus.NewDesc("dal_pool_healthy",
			"1 when the last health check passed.", []string{"pool"}, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.breakerState
	ch <- c.breakerDegraded
	ch <- c.queries
	ch <- c.queryErrors
	ch <- c.slowQueries
	ch <- c.avgDuration
	ch <- c.poolConns
	ch <- c.poolMaxConns
	ch <- c.poolHealthy
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.src.Breakers != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		for _, b := range c.src.Breakers.Breakers() {
			ch <- prometheus.MustNewConstMetric(c.breakerState, prometheus.GaugeValue,
				stateValue(b.State(ctx)), b.Name())
			ch <- prometheus.MustNewConstMetric(c.breakerDegraded, prometheus.GaugeValue,
				boolValue(b.Degraded()), b.Name())
		}
	}
	if c.src.Monitor != nil {
		for _, m := range c.src.Monitor.Endpoints() {
			ch <- prometheus.MustNewConstMetric(c.queries, prometheus.CounterValue, float64(m.ReadQueries), m.Endpoint, pool.KindRead.String())
			ch <- prometheus.MustNewConstMetric(c.queries, prometheus.CounterValue, float64(m.WriteQueries), m.Endpoint, pool.KindWrite.String())
			ch <- prometheus.MustNewConstMetric(c.queryErrors, prometheus.CounterValue, float64(m.Errors), m.Endpoint)
			ch <- prometheus.MustNewConstMetric(c.slowQueries, prometheus.CounterValue, float64(m.SlowQueries), m.Endpoint)
			ch <- prometheus.MustNewConstMetric(c.avgDuration, prometheus.GaugeValue, m.AvgDurationMs, m.Endpoint)
		}
	}
	if c.src.PoolStats != nil {
		for _, s := range c.src.PoolStats() {
			ch <- prometheus.MustNewConstMetric(c.poolConns, prometheus.GaugeValue, float64(s.AcquiredConns), s.Name, "acquired")
			ch <- prometheus.MustNewConstMetric(c.poolConns, prometheus.GaugeValue, float64(s.IdleConns), s.Name, "idle")
			ch <- prometheus.MustNewConstMetric(c.poolConns, prometheus.GaugeValue, float64(s.TotalConns), s.Name, "total")
			ch <- prometheus.MustNewConstMetric(c.poolMaxConns, prometheus.GaugeValue, float64(s.MaxConns), s.Name)
		}
	}
	if c.src.Health != nil {
		h := c.src.Health()
		ch <- prometheus.MustNewConstMetric(c.poolHealthy, prometheus.GaugeValue, boolValue(h.Write), "write")
		if h.ReadWriteSplitEnabled {
			ch <- prometheus.MustNewConstMetric(c.poolHealthy, prometheus.GaugeValue, boolValue(h.Read), "read")
		}
	}
}

func stateValue(s breaker.State) float64 {
	switch s {
	case breaker.StateHalfOpen:
		return 1
	case breaker.StateOpen:
		return 2
	default:
		return 0
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
