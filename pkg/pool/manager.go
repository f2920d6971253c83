package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Kind selects the pool an operation is routed to.
type Kind int

const (
	KindRead Kind = iota
	KindWrite
)

func (k Kind) String() string {
	if k == KindWrite {
		return "write"
	}
	return "read"
}

// Operation runs statements against a checked-out connection or transaction.
type Operation func(ctx context.Context, q Querier) error

// Health is the last-known liveness of both pools.
type Health struct {
	Write                 bool      `json:"write"`
	Read                  bool      `json:"read"`
	ReadWriteSplitEnabled bool      `json:"readWriteSplitEnabled"`
	CheckedAt             time.Time `json:"checkedAt"`
}

// Manager owns the write pool and the read pool and routes operations between them.
type Manager struct {
	write  ConnPool
	read   ConnPool
	split  bool
	health atomic.Pointer[Health]

	healthCheckInterval time.Duration
	healthCheckTimeout  time.Duration
	retryBaseDelay      time.Duration
	retryMaxDelay       time.Duration
	statementTimeout    time.Duration
	validator           ValidationFunction
	metricsEmitter      MetricsEmitterFunction

	logger    *zap.Logger
	closeChan chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open creates the pgx pools described by config and returns a running Manager.
// The write pool must be reachable; an unreachable replica only marks reads unhealthy.
func Open(ctx context.Context, config *ManagerConfig, logger *zap.Logger) (*Manager, error) {
	if config.Write == nil {
		return nil, fmt.Errorf("write pool config is required")
	}
	rwPool, err := NewPGPool(ctx, "write", config.Write, logger)
	if err != nil {
		return nil, err
	}
	if err := pingWithRetry(ctx, rwPool, logger); err != nil {
		rwPool.Close()
		return nil, fmt.Errorf("write pool unreachable: %w", err)
	}
	logger.Info("established rw db connection", zap.String("host", rwPool.Host()))

	var roPool ConnPool
	if config.Read != nil {
		p, err := NewPGPool(ctx, "read", config.Read, logger)
		if err != nil {
			rwPool.Close()
			return nil, err
		}
		if err := pingWithRetry(ctx, p, logger); err != nil {
			logger.Warn("read replica unreachable at startup, reads will use the write pool",
				zap.String("host", p.Host()), zap.Error(err))
		} else {
			logger.Info("established ro db connection", zap.String("host", p.Host()))
		}
		roPool = p
	}
	return NewManager(ctx, rwPool, roPool, config, logger), nil
}

var (
	startupPingAttempts uint64 = 3
	startupPingInterval        = time.Millisecond * 200
)

func pingWithRetry(ctx context.Context, p *PGPool, logger *zap.Logger) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = startupPingInterval
	b := backoff.WithContext(backoff.WithMaxRetries(eb, startupPingAttempts), ctx)
	return backoff.RetryNotify(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, p.connectTimeout)
		defer cancel()
		return p.Ping(pingCtx)
	}, b, func(err error, next time.Duration) {
		logger.Warn("ping failed, retrying", zap.String("pool", p.Name()),
			zap.Duration("next", next), zap.Error(err))
	})
}

// NewManager wires already-created pools. A nil read pool aliases the write pool.
// The health record is populated before NewManager returns and the background
// health loop is started.
func NewManager(ctx context.Context, write, read ConnPool, config *ManagerConfig, logger *zap.Logger) *Manager {
	cfg := config.withDefaults()
	m := &Manager{
		write:               write,
		read:                read,
		split:               read != nil,
		healthCheckInterval: cfg.HealthCheckInterval,
		healthCheckTimeout:  cfg.HealthCheckTimeout,
		retryBaseDelay:      cfg.RetryBaseDelay,
		retryMaxDelay:       cfg.RetryMaxDelay,
		validator:           cfg.Validator,
		metricsEmitter:      cfg.MetricsEmitter,
		logger:              logger,
		closeChan:           make(chan struct{}),
	}
	if cfg.Write != nil {
		m.statementTimeout = cfg.Write.StatementTimeout
	}
	if !m.split {
		m.read = write
	}
	m.CheckHealth(ctx)
	m.wg.Add(1)
	go m.backgroundHealthCheck()
	return m
}

// GetPool returns the write pool for writes. Reads get the read pool while it is
// healthy and the write pool otherwise.
func (m *Manager) GetPool(kind Kind) ConnPool {
	if kind == KindWrite {
		return m.write
	}
	if m.split && !m.Health().Read {
		return m.write
	}
	return m.read
}

// Health returns the last-known health record without blocking.
func (m *Manager) Health() Health {
	return *m.health.Load()
}

// Stats returns the pool statistics for the pool serving kind.
func (m *Manager) Stats(kind Kind) PoolStats {
	if kind == KindWrite {
		return m.write.Stat()
	}
	return m.read.Stat()
}

// Execute runs op on a connection from the pool selected for kind. The connection is
// released however op returns. A retryable failure is retried once, always against the
// write pool, after a capped backoff.
func (m *Manager) Execute(ctx context.Context, kind Kind, op Operation) error {
	first := m.GetPool(kind)
	attempt := 0
	b := backoff.WithContext(
		backoff.WithMaxRetries(newLinearBackOff(m.retryBaseDelay, m.retryMaxDelay), maxRetriesPerCall), ctx)
	err := backoff.Retry(func() error {
		attempt++
		p := first
		if attempt > 1 {
			p = m.write
		}
		err := m.run(ctx, p, op)
		if err == nil {
			return nil
		}
		class := Classify(err)
		if class != ClassRetryable {
			return backoff.Permanent(err)
		}
		if attempt == 1 {
			m.logger.Warn("operation failed, retrying on write pool",
				zap.String("kind", kind.String()), zap.String("pool", p.Name()), zap.Error(err))
		}
		return err
	}, b)
	return surface(err)
}

func (m *Manager) run(ctx context.Context, p ConnPool, op Operation) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	if m.statementTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.statementTimeout)
		defer cancel()
	}
	return op(ctx, conn)
}

var rollbackTimeout = time.Second * 5

// Transaction runs op inside BEGIN/COMMIT on the write pool. Any error or panic from op
// rolls back. The connection is always released. Transactions are not retried.
func (m *Manager) Transaction(ctx context.Context, op Operation) error {
	conn, err := m.write.Acquire(ctx)
	if err != nil {
		return surface(err)
	}
	defer conn.Release()
	tx, err := conn.Begin(ctx)
	if err != nil {
		return surface(fmt.Errorf("begin: %w", err))
	}
	finished := false
	defer func() {
		if finished {
			return
		}
		rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
		defer cancel()
		if rbErr := tx.Rollback(rbCtx); rbErr != nil {
			m.logger.Warn("rollback failed", zap.Error(rbErr))
		}
	}()
	if err := op(ctx, tx); err != nil {
		return err
	}
	finished = true
	if err := tx.Commit(ctx); err != nil {
		return surface(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (m *Manager) backgroundHealthCheck() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.closeChan:
			m.logger.Info("backgroundHealthCheck exited..")
			return
		case <-ticker.C:
			m.CheckHealth(context.Background())
		}
	}
}

// CheckHealth probes both pools concurrently and atomically replaces the health record.
func (m *Manager) CheckHealth(ctx context.Context) Health {
	var wg sync.WaitGroup
	var writeOK, readOK bool
	wg.Add(1)
	go func() {
		defer wg.Done()
		writeOK = m.probe(ctx, m.write)
	}()
	if m.split {
		wg.Add(1)
		go func() {
			defer wg.Done()
			readOK = m.probe(ctx, m.read)
		}()
	}
	wg.Wait()
	if !m.split {
		readOK = writeOK
	}
	next := &Health{
		Write:                 writeOK,
		Read:                  readOK,
		ReadWriteSplitEnabled: m.split,
		CheckedAt:             time.Now(),
	}
	prev := m.health.Swap(next)
	m.logTransitions(prev, next)
	m.emit(next)
	return *next
}

func (m *Manager) probe(ctx context.Context, p ConnPool) bool {
	tCtx, tCancel := context.WithTimeout(ctx, m.healthCheckTimeout)
	defer tCancel()
	if err := m.validator(tCtx, p, m.logger); err != nil {
		m.logger.Warn("pool liveness check failed", zap.String("pool", p.Name()), zap.Error(err))
		return false
	}
	return true
}

func (m *Manager) logTransitions(prev, next *Health) {
	if prev == nil {
		m.logger.Info("initial pool health", zap.Bool("write", next.Write), zap.Bool("read", next.Read),
			zap.Bool("readWriteSplitEnabled", next.ReadWriteSplitEnabled))
		return
	}
	if prev.Write != next.Write {
		m.logger.Warn("write pool health changed", zap.Bool("healthy", next.Write))
	}
	if m.split && prev.Read != next.Read {
		m.logger.Warn("read pool health changed", zap.Bool("healthy", next.Read))
	}
}

func (m *Manager) emit(h *Health) {
	if m.metricsEmitter == nil {
		return
	}
	m.emitPool(m.write, h.Write)
	if m.split {
		m.emitPool(m.read, h.Read)
	}
}

func (m *Manager) emitPool(p ConnPool, healthy bool) {
	tags := []MetricsTag{{"pool", p.Name()}}
	m.metricsEmitter(p.Stat(), tags)
	value := 0.0
	if healthy {
		value = 1
	}
	m.metricsEmitter(Metric{"dal.pool.healthy", value}, tags)
}

// Close stops the health loop and closes both pools.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.closeChan)
		m.wg.Wait()
		m.write.Close()
		if m.split {
			m.read.Close()
		}
	})
}
