package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// fakeDB is a tiny transactional key/value store. Statements are "SET" with (key, value)
// arguments and "GET" with a key argument.
type fakeDB struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeDB() *fakeDB {
	return &fakeDB{data: map[string]string{}}
}

func (db *fakeDB) get(key string) (string, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	v, ok := db.data[key]
	return v, ok
}

func (db *fakeDB) apply(writes map[string]string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for k, v := range writes {
		db.data[k] = v
	}
}

type fakePool struct {
	name       string
	db         *fakeDB
	acquireErr error
	healthy    atomic.Bool
	acquires   atomic.Int64
	releases   atomic.Int64
}

func newFakePool(name string, db *fakeDB) *fakePool {
	p := &fakePool{name: name, db: db}
	p.healthy.Store(true)
	return p
}

func (p *fakePool) Name() string { return p.name }

func (p *fakePool) Acquire(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	p.acquires.Add(1)
	return &fakeConn{pool: p}, nil
}

func (p *fakePool) Stat() PoolStats {
	return PoolStats{Name: p.name, AcquireCount: p.acquires.Load(), MaxConns: 10}
}

func (p *fakePool) Close() {}

type fakeConn struct {
	pool *fakePool
}

func (c *fakeConn) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if sql != "SET" || len(args) != 2 {
		return pgconn.CommandTag{}, fmt.Errorf("unsupported statement %q", sql)
	}
	c.pool.db.apply(map[string]string{args[0].(string): args[1].(string)})
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (c *fakeConn) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeConn) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	if sql != "GET" || len(args) != 1 {
		return fakeRow{err: fmt.Errorf("unsupported statement %q", sql)}
	}
	v, ok := c.pool.db.get(args[0].(string))
	if !ok {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{value: v}
}

func (c *fakeConn) Begin(context.Context) (Tx, error) {
	return &fakeTx{conn: c, writes: map[string]string{}}, nil
}

func (c *fakeConn) Release() {
	c.pool.releases.Add(1)
}

type fakeTx struct {
	conn       *fakeConn
	writes     map[string]string
	committed  bool
	rolledBack bool
}

func (tx *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if sql != "SET" || len(args) != 2 {
		return pgconn.CommandTag{}, fmt.Errorf("unsupported statement %q", sql)
	}
	tx.writes[args[0].(string)] = args[1].(string)
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (tx *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return tx.conn.Query(ctx, sql, args...)
}

func (tx *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if v, ok := tx.writes[args[0].(string)]; ok && sql == "GET" {
		return fakeRow{value: v}
	}
	return tx.conn.QueryRow(ctx, sql, args...)
}

func (tx *fakeTx) Commit(context.Context) error {
	tx.committed = true
	tx.conn.pool.db.apply(tx.writes)
	return nil
}

func (tx *fakeTx) Rollback(context.Context) error {
	tx.rolledBack = true
	tx.writes = nil
	return nil
}

type fakeRow struct {
	value string
	err   error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*string)) = r.value
	return nil
}

func poolOf(q Querier) string {
	if c, ok := q.(*fakeConn); ok {
		return c.pool.name
	}
	return ""
}

func healthValidator(ctx context.Context, p ConnPool, _ *zap.Logger) error {
	fp := p.(*fakePool)
	if !fp.healthy.Load() {
		return fmt.Errorf("%s unreachable", fp.name)
	}
	return nil
}
