// Package monitor accumulates per-endpoint query statistics for the routing layer.
//
// Recording is O(1) and lock-free once an endpoint has been seen: counters are atomics and
// derived figures (averages, rates, ratios) are computed only when a summary is read.
package monitor

import (
	"math"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kong/pg-resilient-dal/pkg/pool"
)

const defaultSlowThreshold = time.Second

// Metric is a point-in-time summary for one endpoint, or for all of them when Endpoint is empty.
type Metric struct {
	Endpoint        string    `json:"endpoint,omitempty"`
	TotalQueries    int64     `json:"totalQueries"`
	ReadQueries     int64     `json:"readQueries"`
	WriteQueries    int64     `json:"writeQueries"`
	Errors          int64     `json:"errors"`
	SlowQueries     int64     `json:"slowQueries"`
	TotalDurationMs float64   `json:"totalDurationMs"`
	MaxDurationMs   float64   `json:"maxDurationMs"`
	AvgDurationMs   float64   `json:"avgDurationMs"`
	ErrorRate       float64   `json:"errorRate"`
	ReadWriteRatio  float64   `json:"readWriteRatio"`
	SlowRate        float64   `json:"slowRate"`
	LastRecorded    time.Time `json:"lastRecorded,omitempty"`
}

// Observation is emitted for every recorded call when an emitter is configured.
type Observation struct {
	Endpoint string
	Kind     pool.Kind
	Duration time.Duration
	Success  bool
	Slow     bool
}

type counters struct {
	reads    atomic.Int64
	writes   atomic.Int64
	errors   atomic.Int64
	slow     atomic.Int64
	totalNs  atomic.Int64
	maxNs    atomic.Int64
	lastUnix atomic.Int64
}

type Config struct {
	SlowThreshold  time.Duration
	MetricsEmitter pool.MetricsEmitterFunction
	Clock          func() time.Time
}

type Monitor struct {
	slowThreshold time.Duration
	emitter       pool.MetricsEmitterFunction
	clock         func() time.Time

	mu        sync.RWMutex
	endpoints map[string]*counters
}

func New(config Config) *Monitor {
	if reflect.ValueOf(config.SlowThreshold).IsZero() {
		config.SlowThreshold = defaultSlowThreshold
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	return &Monitor{
		slowThreshold: config.SlowThreshold,
		emitter:       config.MetricsEmitter,
		clock:         config.Clock,
		endpoints:     make(map[string]*counters),
	}
}

func (m *Monitor) SlowThreshold() time.Duration {
	return m.slowThreshold
}

func (m *Monitor) counters(endpoint string) *counters {
	m.mu.RLock()
	c, ok := m.endpoints[endpoint]
	m.mu.RUnlock()
	if ok {
		return c
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.endpoints[endpoint]; !ok {
		c = &counters{}
		m.endpoints[endpoint] = c
	}
	return c
}

// Record adds one call to endpoint's running totals.
func (m *Monitor) Record(endpoint string, kind pool.Kind, d time.Duration, success bool) {
	c := m.counters(endpoint)
	if kind == pool.KindWrite {
		c.writes.Add(1)
	} else {
		c.reads.Add(1)
	}
	if !success {
		c.errors.Add(1)
	}
	slow := d >= m.slowThreshold
	if slow {
		c.slow.Add(1)
	}
	ns := int64(d)
	c.totalNs.Add(ns)
	for {
		cur := c.maxNs.Load()
		if ns <= cur || c.maxNs.CompareAndSwap(cur, ns) {
			break
		}
	}
	c.lastUnix.Store(m.clock().UnixNano())

	if m.emitter != nil {
		m.emitter(Observation{Endpoint: endpoint, Kind: kind, Duration: d, Success: success, Slow: slow},
			[]pool.MetricsTag{{Key: "endpoint", Value: endpoint}, {Key: "kind", Value: kind.String()}})
	}
}

// Summary returns the statistics for endpoint; ok is false when nothing was recorded for it.
func (m *Monitor) Summary(endpoint string) (Metric, bool) {
	m.mu.RLock()
	c, ok := m.endpoints[endpoint]
	m.mu.RUnlock()
	if !ok {
		return Metric{Endpoint: endpoint}, false
	}
	return c.snapshot(endpoint).derive(), true
}

// SummaryAll aggregates every tracked endpoint.
func (m *Monitor) SummaryAll() Metric {
	var total Metric
	for _, e := range m.raw() {
		total.ReadQueries += e.ReadQueries
		total.WriteQueries += e.WriteQueries
		total.Errors += e.Errors
		total.SlowQueries += e.SlowQueries
		total.TotalDurationMs += e.TotalDurationMs
		total.MaxDurationMs = math.Max(total.MaxDurationMs, e.MaxDurationMs)
		if e.LastRecorded.After(total.LastRecorded) {
			total.LastRecorded = e.LastRecorded
		}
	}
	return total.derive()
}

// Endpoints returns one summary per tracked endpoint, sorted by name.
func (m *Monitor) Endpoints() []Metric {
	raw := m.raw()
	out := make([]Metric, len(raw))
	for i, e := range raw {
		out[i] = e.derive()
	}
	return out
}

func (m *Monitor) raw() []Metric {
	m.mu.RLock()
	out := make([]Metric, 0, len(m.endpoints))
	for name, c := range m.endpoints {
		out = append(out, c.snapshot(name))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// Reset discards every accumulated statistic.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.endpoints = make(map[string]*counters)
	m.mu.Unlock()
}

// Recommendations evaluates the current statistics against health.
func (m *Monitor) Recommendations(health pool.Health) []string {
	return Recommend(m.SummaryAll(), m.Endpoints(), health, Thresholds{SlowThreshold: m.slowThreshold})
}

func (c *counters) snapshot(endpoint string) Metric {
	mt := Metric{
		Endpoint:        endpoint,
		ReadQueries:     c.reads.Load(),
		WriteQueries:    c.writes.Load(),
		Errors:          c.errors.Load(),
		SlowQueries:     c.slow.Load(),
		TotalDurationMs: nsToMs(c.totalNs.Load()),
		MaxDurationMs:   nsToMs(c.maxNs.Load()),
	}
	if last := c.lastUnix.Load(); last != 0 {
		mt.LastRecorded = time.Unix(0, last).UTC()
	}
	return mt
}

func (mt Metric) derive() Metric {
	mt.TotalQueries = mt.ReadQueries + mt.WriteQueries
	if mt.TotalQueries == 0 {
		return mt
	}
	total := float64(mt.TotalQueries)
	mt.AvgDurationMs = mt.TotalDurationMs / total
	mt.ErrorRate = float64(mt.Errors) / total
	mt.SlowRate = float64(mt.SlowQueries) / total
	if mt.WriteQueries == 0 {
		mt.ReadWriteRatio = float64(mt.ReadQueries)
	} else {
		mt.ReadWriteRatio = float64(mt.ReadQueries) / float64(mt.WriteQueries)
	}
	return mt
}

func nsToMs(ns int64) float64 {
	return float64(ns) / float64(time.Millisecond)
}
