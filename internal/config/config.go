// Package config reads the process configuration from the environment once at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/kong/pg-resilient-dal/pkg/pool"
)

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

var dsnNoTLS = "postgres://%s:%s@%s:%s/%s?sslmode=disable"

var dsnTLS = "postgres://%s:%s@%s:%s/%s?sslmode=verify-ca&sslrootcert=%s"

const caBundleFSPath = "/config/ca_certs/aws-postgres-cabundle-secret"

type Postgres struct {
	User           string
	Password       string
	Host           string
	ROHost         string
	Port           string
	Database       string
	EnableTLS      bool
	CABundleFSPath string
	// URL and ReplicaURL take precedence over the individual fields.
	URL        string
	ReplicaURL string
}

type Pool struct {
	MaxConns            int32
	MinConns            int32
	ReadMaxConns        int32
	ReadMinConns        int32
	IdleTimeout         time.Duration
	ConnectTimeout      time.Duration
	StatementTimeout    time.Duration
	ApplicationName     string
	HealthCheckInterval time.Duration
}

type RateLimit struct {
	Strict         int
	Standard       int
	Public         int
	Window         time.Duration
	MaxIdentifiers int
	Store          string
}

type Breaker struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
	Store            string
}

type Cache struct {
	Store      string
	TTLDefault time.Duration
	TTLProduct time.Duration
	TTLPricing time.Duration
}

type Config struct {
	Postgres           Postgres
	Pool               Pool
	RateLimit          RateLimit
	Breaker            Breaker
	Cache              Cache
	RedisURL           string
	SlowQueryThreshold time.Duration
	StatsdAddr         string
	LogLevel           string
	HTTPAddr           string
}

// Load reads an optional .env file and then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from lookup, which has the signature of os.LookupEnv.
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	e := &env{lookup: lookup}
	tls := e.str("ENABLE_TLS", "")

	c := &Config{
		Postgres: Postgres{
			User:           e.str("PG_USER", ""),
			Password:       e.str("PG_PASSWORD", ""),
			Host:           e.str("PG_HOST", ""),
			ROHost:         e.str("PG_RO_HOST", ""),
			Port:           e.str("PG_PORT", "5432"),
			Database:       e.str("PG_DATABASE", ""),
			EnableTLS:      tls == "yes" || tls == "true",
			CABundleFSPath: e.str("PG_CA_BUNDLE_FS_PATH", caBundleFSPath),
			URL:            e.str("DATABASE_URL", ""),
			ReplicaURL:     e.str("DATABASE_REPLICA_URL", ""),
		},
		Pool: Pool{
			MaxConns:            e.int32("PG_MAX_CONNS", 20),
			MinConns:            e.int32("PG_MIN_CONNS", 2),
			IdleTimeout:         e.duration("PG_IDLE_TIMEOUT", 30*time.Second),
			ConnectTimeout:      e.duration("PG_CONNECT_TIMEOUT", 5*time.Second),
			StatementTimeout:    e.duration("PG_STATEMENT_TIMEOUT", 30*time.Second),
			ApplicationName:     e.str("PG_APP_NAME", "pg-resilient-dal"),
			HealthCheckInterval: e.duration("HEALTH_CHECK_INTERVAL", 30*time.Second),
		},
		RateLimit: RateLimit{
			Strict:         e.int("RATE_LIMIT_STRICT", 10),
			Standard:       e.int("RATE_LIMIT_STANDARD", 100),
			Public:         e.int("RATE_LIMIT_PUBLIC", 300),
			Window:         e.duration("RATE_LIMIT_WINDOW", time.Minute),
			MaxIdentifiers: e.int("RATE_LIMIT_MAX_IDENTIFIERS", 10000),
			Store:          strings.ToLower(e.str("RATE_LIMIT_STORE", StoreMemory)),
		},
		Breaker: Breaker{
			FailureThreshold: e.int("BREAKER_FAILURE_THRESHOLD", 5),
			SuccessThreshold: e.int("BREAKER_SUCCESS_THRESHOLD", 3),
			ResetTimeout:     e.duration("BREAKER_RESET_TIMEOUT", 30*time.Second),
			Store:            strings.ToLower(e.str("BREAKER_STORE", StoreMemory)),
		},
		Cache: Cache{
			Store:      strings.ToLower(e.str("CACHE_STORE", StoreMemory)),
			TTLDefault: e.duration("CACHE_TTL_DEFAULT", 5*time.Minute),
			TTLProduct: e.duration("CACHE_TTL_PRODUCT", 10*time.Minute),
			TTLPricing: e.duration("CACHE_TTL_PRICING", time.Minute),
		},
		RedisURL:           e.str("REDIS_URL", ""),
		SlowQueryThreshold: e.duration("SLOW_QUERY_THRESHOLD", time.Second),
		StatsdAddr:         e.str("STATSD_ADDR", ""),
		LogLevel:           e.str("LOG_LEVEL", "info"),
		HTTPAddr:           e.str("HTTP_ADDR", ":8080"),
	}
	c.Pool.ReadMaxConns = e.int32("PG_READ_MAX_CONNS", c.Pool.MaxConns)
	c.Pool.ReadMinConns = e.int32("PG_READ_MIN_CONNS", c.Pool.MinConns)

	if e.err != nil {
		return nil, e.err
	}
	if err := validate(c); err != nil {
		return nil, err
	}
	return c, nil
}

func validate(c *Config) error {
	pgc := c.Postgres
	if pgc.URL == "" {
		if pgc.User == "" {
			return fmt.Errorf("PG_USER cannot be empty")
		}
		if pgc.Password == "" {
			return fmt.Errorf("PG_PASSWORD cannot be empty")
		}
		if pgc.Host == "" {
			return fmt.Errorf("PG_HOST cannot be empty")
		}
		if pgc.Port == "" {
			return fmt.Errorf("PG_PORT cannot be empty")
		}
		if pgc.Database == "" {
			return fmt.Errorf("PG_DATABASE cannot be empty")
		}
		if pgc.EnableTLS && pgc.CABundleFSPath == "" {
			return fmt.Errorf("ENABLE_TLS requires a valid PG_CA_BUNDLE_FS_PATH")
		}
	}
	if c.Pool.MaxConns <= 0 {
		return fmt.Errorf("PG_MAX_CONNS must be > 0")
	}
	if c.Pool.MinConns < 0 || c.Pool.MinConns > c.Pool.MaxConns {
		return fmt.Errorf("PG_MIN_CONNS must be between 0 and PG_MAX_CONNS")
	}
	if c.Pool.ReadMaxConns <= 0 {
		return fmt.Errorf("PG_READ_MAX_CONNS must be > 0")
	}
	if c.Pool.ReadMinConns < 0 || c.Pool.ReadMinConns > c.Pool.ReadMaxConns {
		return fmt.Errorf("PG_READ_MIN_CONNS must be between 0 and PG_READ_MAX_CONNS")
	}
	for name, v := range map[string]int{
		"RATE_LIMIT_STRICT":         c.RateLimit.Strict,
		"RATE_LIMIT_STANDARD":       c.RateLimit.Standard,
		"RATE_LIMIT_PUBLIC":         c.RateLimit.Public,
		"BREAKER_FAILURE_THRESHOLD": c.Breaker.FailureThreshold,
		"BREAKER_SUCCESS_THRESHOLD": c.Breaker.SuccessThreshold,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	for name, store := range map[string]string{
		"RATE_LIMIT_STORE": c.RateLimit.Store,
		"BREAKER_STORE":    c.Breaker.Store,
		"CACHE_STORE":      c.Cache.Store,
	} {
		switch store {
		case StoreMemory:
		case StoreRedis:
			if c.RedisURL == "" {
				return fmt.Errorf("%s=redis requires REDIS_URL", name)
			}
		default:
			return fmt.Errorf("%s must be %q or %q", name, StoreMemory, StoreRedis)
		}
	}
	return nil
}

// DSN is the primary connection string.
func (p Postgres) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	return p.dsn(p.Host)
}

// ReplicaDSN is the replica connection string; ok is false when no replica is configured.
func (p Postgres) ReplicaDSN() (string, bool) {
	if p.ReplicaURL != "" {
		return p.ReplicaURL, true
	}
	if p.URL != "" || p.ROHost == "" {
		return "", false
	}
	return p.dsn(p.ROHost), true
}

func (p Postgres) dsn(host string) string {
	if !p.EnableTLS {
		return fmt.Sprintf(dsnNoTLS, p.User, p.Password, host, p.Port, p.Database)
	}
	return fmt.Sprintf(dsnTLS, p.User, p.Password, host, p.Port, p.Database, p.CABundleFSPath)
}

// ManagerConfig translates the pool settings into a pool.ManagerConfig.
func (c *Config) ManagerConfig() *pool.ManagerConfig {
	mc := &pool.ManagerConfig{
		Write: &pool.Config{
			ConnString:       c.Postgres.DSN(),
			MaxConns:         c.Pool.MaxConns,
			MinConns:         c.Pool.MinConns,
			IdleTimeout:      c.Pool.IdleTimeout,
			ConnectTimeout:   c.Pool.ConnectTimeout,
			StatementTimeout: c.Pool.StatementTimeout,
			ApplicationName:  c.Pool.ApplicationName,
		},
		HealthCheckInterval: c.Pool.HealthCheckInterval,
	}
	if dsn, ok := c.Postgres.ReplicaDSN(); ok {
		mc.Read = &pool.Config{
			ConnString:       dsn,
			MaxConns:         c.Pool.ReadMaxConns,
			MinConns:         c.Pool.ReadMinConns,
			IdleTimeout:      c.Pool.IdleTimeout,
			ConnectTimeout:   c.Pool.ConnectTimeout,
			StatementTimeout: c.Pool.StatementTimeout,
			ApplicationName:  c.Pool.ApplicationName,
		}
	}
	return mc
}

// env parses variables and keeps the first error.
type env struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *env) str(key, fallback string) string {
	if v, ok := e.lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func (e *env) int(key string, fallback int) int {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(fmt.Errorf("%s: %q is not an integer", key, v))
		return fallback
	}
	return n
}

func (e *env) int32(key string, fallback int32) int32 {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		e.fail(fmt.Errorf("%s: %q is not an integer", key, v))
		return fallback
	}
	return int32(n)
}

// duration accepts Go durations ("1500ms", "30s") or a bare number of milliseconds.
func (e *env) duration(key string, fallback time.Duration) time.Duration {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return fallback
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(fmt.Errorf("%s: %q is not a duration", key, v))
		return fallback
	}
	return d
}

func (e *env) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}
