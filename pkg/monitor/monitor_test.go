package monitor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kong/pg-resilient-dal/pkg/pool"
)

func TestMonitor_Summary(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m := New(Config{SlowThreshold: 100 * time.Millisecond, Clock: func() time.Time { return now }})

	m.Record("GET /products", pool.KindRead, 20*time.Millisecond, true)
	m.Record("GET /products", pool.KindRead, 40*time.Millisecond, true)
	m.Record("GET /products", pool.KindRead, 150*time.Millisecond, false)
	m.Record("POST /orders", pool.KindWrite, 30*time.Millisecond, true)

	s, ok := m.Summary("GET /products")
	require.True(t, ok)
	assert.Equal(t, int64(3), s.TotalQueries)
	assert.Equal(t, int64(3), s.ReadQueries)
	assert.Equal(t, int64(1), s.Errors)
	assert.Equal(t, int64(1), s.SlowQueries)
	assert.InDelta(t, 70.0, s.AvgDurationMs, 0.001)
	assert.InDelta(t, 150.0, s.MaxDurationMs, 0.001)
	assert.InDelta(t, 1.0/3, s.ErrorRate, 0.001)
	assert.InDelta(t, 3.0, s.ReadWriteRatio, 0.001)
	assert.Equal(t, now, s.LastRecorded)

	all := m.SummaryAll()
	assert.Empty(t, all.Endpoint)
	assert.Equal(t, int64(4), all.TotalQueries)
	assert.Equal(t, int64(1), all.WriteQueries)
	assert.InDelta(t, 60.0, all.AvgDurationMs, 0.001)
	assert.InDelta(t, 0.25, all.ErrorRate, 0.001)

	eps := m.Endpoints()
	require.Len(t, eps, 2)
	assert.Equal(t, "GET /products", eps[0].Endpoint)
	assert.Equal(t, "POST /orders", eps[1].Endpoint)

	_, ok = m.Summary("GET /missing")
	assert.False(t, ok)
}

func TestMonitor_Reset(t *testing.T) {
	m := New(Config{})
	m.Record("GET /cart", pool.KindRead, time.Millisecond, true)
	m.Reset()
	assert.Empty(t, m.Endpoints())
	assert.Equal(t, int64(0), m.SummaryAll().TotalQueries)
	assert.Equal(t, time.Second, m.SlowThreshold())
}

func TestMonitor_ConcurrentRecord(t *testing.T) {
	m := New(Config{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				kind := pool.KindRead
				if j%5 == 0 {
					kind = pool.KindWrite
				}
				m.Record("GET /products", kind, time.Duration(i+1)*time.Millisecond, true)
			}
		}(i)
	}
	wg.Wait()
	s, _ := m.Summary("GET /products")
	assert.Equal(t, int64(4000), s.TotalQueries)
	assert.Equal(t, int64(800), s.WriteQueries)
	assert.InDelta(t, 8.0, s.MaxDurationMs, 0.001)
}

func TestMonitor_Emitter(t *testing.T) {
	var got []Observation
	var tags [][]pool.MetricsTag
	m := New(Config{SlowThreshold: 10 * time.Millisecond, MetricsEmitter: func(metrics interface{}, t []pool.MetricsTag) {
		got = append(got, metrics.(Observation))
		tags = append(tags, t)
	}})
	m.Record("DELETE /cart", pool.KindWrite, 12*time.Millisecond, false)

	require.Len(t, got, 1)
	assert.Equal(t, Observation{Endpoint: "DELETE /cart", Kind: pool.KindWrite, Duration: 12 * time.Millisecond, Slow: true}, got[0])
	assert.Equal(t, []pool.MetricsTag{{Key: "endpoint", Value: "DELETE /cart"}, {Key: "kind", Value: "write"}}, tags[0])
}

func TestRecommend(t *testing.T) {
	healthy := pool.Health{Write: true, Read: true, ReadWriteSplitEnabled: true}

	assert.Empty(t, Recommend(Metric{}, nil, healthy, Thresholds{}))

	recs := Recommend(Metric{}, nil, pool.Health{Write: true, ReadWriteSplitEnabled: true}, Thresholds{})
	assert.Equal(t, []string{"read replica unavailable: all reads routed to write pool"}, recs)

	m := New(Config{SlowThreshold: 100 * time.Millisecond})
	for i := 0; i < 100; i++ {
		m.Record("GET /products", pool.KindRead, 5*time.Millisecond, i%10 != 0)
		m.Record("GET /search", pool.KindRead, 900*time.Millisecond, true)
	}
	for i := 0; i < 30; i++ {
		m.Record("POST /orders", pool.KindWrite, 5*time.Millisecond, true)
	}
	m.Record("GET /rare", pool.KindRead, 5*time.Second, false)

	recs = m.Recommendations(healthy)
	assert.Contains(t, recs, "endpoint GET /products has elevated error rate (10.0%)")
	assert.Contains(t, recs, "endpoint GET /search: 100.0% of queries slower than 100ms; review indexes or add caching")
	assert.Contains(t, recs, "endpoint GET /search has high average latency (900ms)")
	assert.Contains(t, recs, "endpoint POST /orders is write-heavy (30 writes, 0 reads): consider batching writes")
	for _, r := range recs {
		assert.NotContains(t, r, "GET /rare", "endpoints below the sample floor are not judged")
	}

	recs = m.Recommendations(pool.Health{Write: true, Read: true})
	assert.Contains(t, recs, "read/write split disabled with a read-heavy workload (6.7 reads per write): configure a read replica")
}
