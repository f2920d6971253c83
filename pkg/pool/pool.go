package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Querier is the statement surface handed to operations. Pooled connections and
// transactions both satisfy it.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Tx is an open transaction on a checked-out connection.
type Tx interface {
	Querier
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Conn is a connection checked out of a ConnPool. Release must be called exactly once.
type Conn interface {
	Querier
	Begin(ctx context.Context) (Tx, error)
	Release()
}

// ConnPool is a bounded set of connections to one database host.
type ConnPool interface {
	Name() string
	Acquire(ctx context.Context) (Conn, error)
	Stat() PoolStats
	Close()
}

type (
	Metric struct {
		Key   string
		Value float64
	}
	MetricsTag struct {
		Key   string
		Value string
	}
	// MetricsEmitterFunction the manager can emit PoolStats or raw metrics
	MetricsEmitterFunction func(metrics interface{}, tags []MetricsTag)
)

type PoolStats struct {
	Name            string        `json:"name"`
	Host            string        `json:"host"`
	AcquireCount    int64         `json:"acquireCount"`
	AcquireDuration time.Duration `json:"acquireDuration"`
	AcquiredConns   int32         `json:"acquiredConns"`
	IdleConns       int32         `json:"idleConns"`
	TotalConns      int32         `json:"totalConns"`
	MaxConns        int32         `json:"maxConns"`
	EmptyAcquires   int64         `json:"emptyAcquires"`
}

var (
	// ErrAcquireTimeout is returned when no connection frees up within the connect timeout.
	ErrAcquireTimeout = errors.New("connection acquire timed out")
	// ErrPoolClosed is returned by pools after Close.
	ErrPoolClosed = errors.New("pool is closed")
)

// PGPool is a ConnPool backed by pgxpool.
type PGPool struct {
	name           string
	host           string
	innerPool      *pgxpool.Pool
	connectTimeout time.Duration
	logger         *zap.Logger
	closed         atomic.Bool
	closeOnce      sync.Once
}

// NewPGPool creates the pool. Connections are established lazily; use Ping to verify reachability.
func NewPGPool(ctx context.Context, name string, config *Config, logger *zap.Logger) (*PGPool, error) {
	pgxConfig, err := config.PGXConfig()
	if err != nil {
		return nil, fmt.Errorf("%s pool config: %w", name, err)
	}
	dbpool, err := pgxpool.NewWithConfig(ctx, pgxConfig)
	if err != nil {
		return nil, fmt.Errorf("create %s pool: %w", name, err)
	}
	cfg := config.withDefaults()
	p := &PGPool{
		name:           name,
		host:           pgxConfig.ConnConfig.Host,
		innerPool:      dbpool,
		connectTimeout: cfg.ConnectTimeout,
		logger:         logger.With(zap.String("pool", name)),
	}
	p.logger.Info("created connection pool", zap.String("host", p.host),
		zap.Int32("max", pgxConfig.MaxConns), zap.Int32("min", pgxConfig.MinConns))
	return p, nil
}

func (p *PGPool) Name() string {
	return p.name
}

func (p *PGPool) Host() string {
	return p.host
}

func (p *PGPool) Acquire(ctx context.Context) (Conn, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	acquireCtx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	defer cancel()
	conn, err := p.innerPool.Acquire(acquireCtx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(acquireCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s pool after %s", ErrAcquireTimeout, p.name, p.connectTimeout)
		}
		return nil, err
	}
	return &pgxConn{conn: conn}, nil
}

func (p *PGPool) Ping(ctx context.Context) error {
	return p.innerPool.Ping(ctx)
}

func (p *PGPool) Stat() PoolStats {
	stat := p.innerPool.Stat()
	return PoolStats{
		Name:            p.name,
		Host:            p.host,
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration(),
		AcquiredConns:   stat.AcquiredConns(),
		IdleConns:       stat.IdleConns(),
		TotalConns:      stat.TotalConns(),
		MaxConns:        stat.MaxConns(),
		EmptyAcquires:   stat.EmptyAcquireCount(),
	}
}

func (p *PGPool) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.innerPool.Close()
		p.logger.Info("connection pool closed")
	})
}

type pgxConn struct {
	conn *pgxpool.Conn
}

func (c *pgxConn) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return c.conn.Exec(ctx, sql, arguments...)
}

func (c *pgxConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return c.conn.Query(ctx, sql, args...)
}

func (c *pgxConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return c.conn.QueryRow(ctx, sql, args...)
}

func (c *pgxConn) Begin(ctx context.Context) (Tx, error) {
	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (c *pgxConn) Release() {
	c.conn.Release()
}
