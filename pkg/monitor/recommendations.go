package monitor

import (
	"fmt"
	"reflect"
	"time"

	"github.com/kong/pg-resilient-dal/pkg/pool"
)

// Thresholds tune when Recommend flags an endpoint.
type Thresholds struct {
	ErrorRate      float64
	SlowRate       float64
	SlowThreshold  time.Duration
	HighAvgLatency time.Duration
	// MinSamples is the number of calls an endpoint needs before it is judged.
	MinSamples int64
}

var defaultThresholds = Thresholds{
	ErrorRate:      0.05,
	SlowRate:       0.10,
	SlowThreshold:  defaultSlowThreshold,
	HighAvgLatency: 500 * time.Millisecond,
	MinSamples:     20,
}

func (t Thresholds) withDefaults() Thresholds {
	if reflect.ValueOf(t.ErrorRate).IsZero() {
		t.ErrorRate = defaultThresholds.ErrorRate
	}
	if reflect.ValueOf(t.SlowRate).IsZero() {
		t.SlowRate = defaultThresholds.SlowRate
	}
	if reflect.ValueOf(t.SlowThreshold).IsZero() {
		t.SlowThreshold = defaultThresholds.SlowThreshold
	}
	if reflect.ValueOf(t.HighAvgLatency).IsZero() {
		t.HighAvgLatency = defaultThresholds.HighAvgLatency
	}
	if reflect.ValueOf(t.MinSamples).IsZero() {
		t.MinSamples = defaultThresholds.MinSamples
	}
	return t
}

// Recommend returns operator hints for the given statistics and pool health. It has no
// side effects.
func Recommend(summary Metric, endpoints []Metric, health pool.Health, t Thresholds) []string {
	t = t.withDefaults()
	var out []string

	if !health.Write {
		out = append(out, "write pool unhealthy: writes and fallback reads are failing")
	}
	if health.ReadWriteSplitEnabled && !health.Read {
		out = append(out, "read replica unavailable: all reads routed to write pool")
	}
	if !health.ReadWriteSplitEnabled && summary.ReadQueries > summary.WriteQueries && summary.TotalQueries >= t.MinSamples {
		out = append(out, fmt.Sprintf("read/write split disabled with a read-heavy workload (%.1f reads per write): configure a read replica",
			summary.ReadWriteRatio))
	}

	for _, e := range endpoints {
		if e.TotalQueries < t.MinSamples {
			continue
		}
		if e.ErrorRate > t.ErrorRate {
			out = append(out, fmt.Sprintf("endpoint %s has elevated error rate (%.1f%%)", e.Endpoint, e.ErrorRate*100))
		}
		if e.SlowRate > t.SlowRate {
			out = append(out, fmt.Sprintf("endpoint %s: %.1f%% of queries slower than %s; review indexes or add caching",
				e.Endpoint, e.SlowRate*100, t.SlowThreshold))
		}
		if e.AvgDurationMs > float64(t.HighAvgLatency.Milliseconds()) {
			out = append(out, fmt.Sprintf("endpoint %s has high average latency (%.0fms)", e.Endpoint, e.AvgDurationMs))
		}
		if e.WriteQueries > e.ReadQueries {
			out = append(out, fmt.Sprintf("endpoint %s is write-heavy (%d writes, %d reads): consider batching writes",
				e.Endpoint, e.WriteQueries, e.ReadQueries))
		}
	}
	return out
}
