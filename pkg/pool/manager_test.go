package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

var (
	tooManyConnections = &pgconn.PgError{Code: "53300", Message: "too many connections"}
	adminShutdown      = &pgconn.PgError{Code: "57P01", Message: "terminating connection due to administrator command"}
	uniqueViolation    = &pgconn.PgError{Code: "23505", Message: "duplicate key"}
)

func testManager(t *testing.T, write, read ConnPool) *Manager {
	t.Helper()
	m := NewManager(context.Background(), write, read, &ManagerConfig{
		HealthCheckInterval: time.Hour,
		RetryBaseDelay:      time.Millisecond,
		RetryMaxDelay:       2 * time.Millisecond,
		Validator:           healthValidator,
	}, zaptest.NewLogger(t))
	t.Cleanup(m.Close)
	return m
}

func TestManager_ReadsUseReplicaWhenHealthy(t *testing.T) {
	db := newFakeDB()
	write, read := newFakePool("write", db), newFakePool("read", db)
	m := testManager(t, write, read)

	for i := 0; i < 5; i++ {
		err := m.Execute(context.Background(), KindRead, func(ctx context.Context, q Querier) error {
			require.Equal(t, "read", poolOf(q))
			return nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, int64(5), read.acquires.Load())
	assert.Equal(t, int64(0), write.acquires.Load())
	assert.Equal(t, int64(5), read.releases.Load())
}

func TestManager_ReadsUseWritePoolWhenReplicaUnhealthy(t *testing.T) {
	db := newFakeDB()
	write, read := newFakePool("write", db), newFakePool("read", db)
	m := testManager(t, write, read)

	read.healthy.Store(false)
	h := m.CheckHealth(context.Background())
	require.True(t, h.Write)
	require.False(t, h.Read)
	require.Same(t, ConnPool(write), m.GetPool(KindRead))

	for i := 0; i < 3; i++ {
		err := m.Execute(context.Background(), KindRead, func(ctx context.Context, q Querier) error {
			require.Equal(t, "write", poolOf(q))
			return nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, int64(0), read.acquires.Load())
	assert.Equal(t, int64(3), write.acquires.Load())

	read.healthy.Store(true)
	m.CheckHealth(context.Background())
	require.Same(t, ConnPool(read), m.GetPool(KindRead))
}

func TestManager_WritesAlwaysUseWritePool(t *testing.T) {
	db := newFakeDB()
	write, read := newFakePool("write", db), newFakePool("read", db)
	m := testManager(t, write, read)

	err := m.Execute(context.Background(), KindWrite, func(ctx context.Context, q Querier) error {
		_, err := q.Exec(ctx, "SET", "sku-1", "10")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), write.acquires.Load())
	assert.Equal(t, int64(0), read.acquires.Load())
}

func TestManager_ReadFailureRetriesOnceOnWritePool(t *testing.T) {
	db := newFakeDB()
	write, read := newFakePool("write", db), newFakePool("read", db)
	m := testManager(t, write, read)

	var seen []string
	err := m.Execute(context.Background(), KindRead, func(ctx context.Context, q Querier) error {
		seen = append(seen, poolOf(q))
		if poolOf(q) == "read" {
			return tooManyConnections
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"read", "write"}, seen)
	assert.Equal(t, int64(1), read.releases.Load())
	assert.Equal(t, int64(1), write.releases.Load())
}

func TestManager_RetryIsBoundedToOne(t *testing.T) {
	db := newFakeDB()
	write, read := newFakePool("write", db), newFakePool("read", db)
	m := testManager(t, write, read)

	calls := 0
	err := m.Execute(context.Background(), KindRead, func(ctx context.Context, q Querier) error {
		calls++
		return tooManyConnections
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDatabaseUnavailable)
	assert.ErrorIs(t, err, tooManyConnections)
	assert.Equal(t, 2, calls)

	calls = 0
	err = m.Execute(context.Background(), KindWrite, func(ctx context.Context, q Querier) error {
		calls++
		return tooManyConnections
	})
	assert.ErrorIs(t, err, ErrDatabaseUnavailable)
	assert.Equal(t, 2, calls)
}

func TestManager_FatalAndApplicationErrorsAreNotRetried(t *testing.T) {
	db := newFakeDB()
	m := testManager(t, newFakePool("write", db), newFakePool("read", db))

	calls := 0
	err := m.Execute(context.Background(), KindRead, func(ctx context.Context, q Querier) error {
		calls++
		return adminShutdown
	})
	assert.ErrorIs(t, err, ErrFatal)
	assert.Equal(t, 1, calls)

	calls = 0
	err = m.Execute(context.Background(), KindWrite, func(ctx context.Context, q Querier) error {
		calls++
		return uniqueViolation
	})
	assert.ErrorIs(t, err, uniqueViolation)
	assert.NotErrorIs(t, err, ErrDatabaseUnavailable)
	assert.Equal(t, 1, calls)
}

func TestManager_AcquireFailureFallsBackToWritePool(t *testing.T) {
	db := newFakeDB()
	write, read := newFakePool("write", db), newFakePool("read", db)
	read.acquireErr = ErrAcquireTimeout
	m := testManager(t, write, read)

	err := m.Execute(context.Background(), KindRead, func(ctx context.Context, q Querier) error {
		require.Equal(t, "write", poolOf(q))
		return nil
	})
	require.NoError(t, err)
}

func TestManager_ReleasesConnectionOnPanicAndCancel(t *testing.T) {
	db := newFakeDB()
	write := newFakePool("write", db)
	m := testManager(t, write, nil)

	require.Panics(t, func() {
		_ = m.Execute(context.Background(), KindWrite, func(ctx context.Context, q Querier) error {
			panic("boom")
		})
	})
	assert.Equal(t, write.acquires.Load(), write.releases.Load())

	ctx, cancel := context.WithCancel(context.Background())
	err := m.Execute(ctx, KindWrite, func(ctx context.Context, q Querier) error {
		cancel()
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, write.acquires.Load(), write.releases.Load())
}

func TestManager_TransactionRollbackLeavesNoPartialState(t *testing.T) {
	db := newFakeDB()
	write := newFakePool("write", db)
	m := testManager(t, write, nil)

	failure := errors.New("payment declined")
	err := m.Transaction(context.Background(), func(ctx context.Context, q Querier) error {
		if _, err := q.Exec(ctx, "SET", "order-1", "pending"); err != nil {
			return err
		}
		if _, err := q.Exec(ctx, "SET", "stock-1", "9"); err != nil {
			return err
		}
		return failure
	})
	require.ErrorIs(t, err, failure)

	err = m.Execute(context.Background(), KindRead, func(ctx context.Context, q Querier) error {
		var v string
		return q.QueryRow(ctx, "GET", "order-1").Scan(&v)
	})
	require.Error(t, err)
	_, ok := db.get("stock-1")
	assert.False(t, ok)
	assert.Equal(t, write.acquires.Load(), write.releases.Load())
}

func TestManager_TransactionCommits(t *testing.T) {
	db := newFakeDB()
	write := newFakePool("write", db)
	m := testManager(t, write, nil)

	err := m.Transaction(context.Background(), func(ctx context.Context, q Querier) error {
		_, err := q.Exec(ctx, "SET", "order-2", "paid")
		return err
	})
	require.NoError(t, err)
	v, ok := db.get("order-2")
	require.True(t, ok)
	assert.Equal(t, "paid", v)
}

func TestManager_TransactionRollsBackOnPanic(t *testing.T) {
	db := newFakeDB()
	write := newFakePool("write", db)
	m := testManager(t, write, nil)

	require.Panics(t, func() {
		_ = m.Transaction(context.Background(), func(ctx context.Context, q Querier) error {
			_, _ = q.Exec(ctx, "SET", "order-3", "pending")
			panic("handler bug")
		})
	})
	_, ok := db.get("order-3")
	assert.False(t, ok)
	assert.Equal(t, int64(1), write.releases.Load())
}

func TestManager_HealthWithoutReplicaMirrorsWrite(t *testing.T) {
	write := newFakePool("write", newFakeDB())
	m := testManager(t, write, nil)

	h := m.Health()
	assert.True(t, h.Write)
	assert.True(t, h.Read)
	assert.False(t, h.ReadWriteSplitEnabled)
	require.Same(t, ConnPool(write), m.GetPool(KindRead))

	write.healthy.Store(false)
	h = m.CheckHealth(context.Background())
	assert.False(t, h.Write)
	assert.False(t, h.Read)
}

func TestManager_HealthChecksDoNotBlockEachOther(t *testing.T) {
	db := newFakeDB()
	write, read := newFakePool("write", db), newFakePool("read", db)
	var mu sync.Mutex
	var emitted []interface{}
	m := NewManager(context.Background(), write, read, &ManagerConfig{
		HealthCheckInterval: time.Hour,
		HealthCheckTimeout:  50 * time.Millisecond,
		Validator: func(ctx context.Context, p ConnPool, _ *zap.Logger) error {
			if p.Name() == "read" {
				<-ctx.Done()
				return ctx.Err()
			}
			return nil
		},
		MetricsEmitter: func(metrics interface{}, tags []MetricsTag) {
			mu.Lock()
			defer mu.Unlock()
			emitted = append(emitted, metrics)
		},
	}, zaptest.NewLogger(t))
	defer m.Close()

	h := m.Health()
	assert.True(t, h.Write)
	assert.False(t, h.Read)
	assert.True(t, h.ReadWriteSplitEnabled)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, emitted, 4)
	stats, ok := emitted[0].(PoolStats)
	require.True(t, ok)
	assert.Equal(t, "write", stats.Name)
}
