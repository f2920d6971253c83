package pool

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var (
	defaultHealthCheckInterval = time.Second * 30
	defaultHealthCheckTimeout  = time.Second * 2
	defaultIdleTimeout         = time.Minute * 5
	defaultConnectTimeout      = time.Second * 5
	defaultRetryBaseDelay      = time.Millisecond * 50
	defaultRetryMaxDelay       = time.Millisecond * 500
)

const defaultApplicationName = "pg-resilient-dal"

// Config describes one connection pool.
type Config struct {
	ConnString       string
	MaxConns         int32
	MinConns         int32
	IdleTimeout      time.Duration
	ConnectTimeout   time.Duration
	StatementTimeout time.Duration
	ApplicationName  string
}

// Validate checks pool sizing and the connection string.
func (c *Config) Validate() error {
	if c.ConnString == "" {
		return fmt.Errorf("connection string cannot be empty")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("max pool size must be > 0, got %d", c.MaxConns)
	}
	if c.MinConns < 0 {
		return fmt.Errorf("min pool size must be >= 0, got %d", c.MinConns)
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("min pool size %d exceeds max pool size %d", c.MinConns, c.MaxConns)
	}
	return nil
}

func (c *Config) withDefaults() Config {
	out := *c
	if reflect.ValueOf(out.IdleTimeout).IsZero() {
		out.IdleTimeout = defaultIdleTimeout
	}
	if reflect.ValueOf(out.ConnectTimeout).IsZero() {
		out.ConnectTimeout = defaultConnectTimeout
	}
	if out.ApplicationName == "" {
		out.ApplicationName = defaultApplicationName
	}
	return out
}

// PGXConfig translates the pool configuration into a pgxpool config.
func (c *Config) PGXConfig() (*pgxpool.Config, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	cfg := c.withDefaults()
	pgxConfig, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	pgxConfig.MaxConns = cfg.MaxConns
	pgxConfig.MinConns = cfg.MinConns
	pgxConfig.MaxConnIdleTime = cfg.IdleTimeout
	pgxConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	// Intentionally not being aggressive since the manager runs its own liveness loop
	pgxConfig.HealthCheckPeriod = time.Minute * 5
	if pgxConfig.ConnConfig.RuntimeParams == nil {
		pgxConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	pgxConfig.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	if cfg.StatementTimeout > 0 {
		pgxConfig.ConnConfig.RuntimeParams["statement_timeout"] =
			strconv.FormatInt(cfg.StatementTimeout.Milliseconds(), 10)
	}
	return pgxConfig, nil
}

// ValidationFunction is the liveness probe issued against a pool by the health loop.
type ValidationFunction func(ctx context.Context, p ConnPool, logger *zap.Logger) error

var livenessQuery = `SELECT 1`

func pingValidator(ctx context.Context, p ConnPool, logger *zap.Logger) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire for liveness: %w", err)
	}
	defer conn.Release()
	var one int
	if err := conn.QueryRow(ctx, livenessQuery).Scan(&one); err != nil {
		logger.Debug("liveness query failed", zap.String("pool", p.Name()), zap.Error(err))
		return err
	}
	return nil
}

// DefaultValidator issues a trivial round-trip query on one pooled connection.
var DefaultValidator ValidationFunction = pingValidator

// ManagerConfig configures the Manager. Read is optional; when nil the read pool
// aliases the write pool.
type ManagerConfig struct {
	Write *Config
	Read  *Config

	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	Validator           ValidationFunction
	MetricsEmitter      MetricsEmitterFunction
}

func (mc *ManagerConfig) withDefaults() ManagerConfig {
	out := *mc
	if reflect.ValueOf(out.HealthCheckInterval).IsZero() {
		out.HealthCheckInterval = defaultHealthCheckInterval
	}
	if reflect.ValueOf(out.HealthCheckTimeout).IsZero() {
		out.HealthCheckTimeout = defaultHealthCheckTimeout
	}
	if reflect.ValueOf(out.RetryBaseDelay).IsZero() {
		out.RetryBaseDelay = defaultRetryBaseDelay
	}
	if reflect.ValueOf(out.RetryMaxDelay).IsZero() {
		out.RetryMaxDelay = defaultRetryMaxDelay
	}
	if out.Validator == nil {
		out.Validator = DefaultValidator
	}
	return out
}
