package redisstore

import (
	"context"
	"crypto/tls"
	"errors"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
)

// Options configures the Redis connection used by MarQS.
type Options struct {
	// Host/Port/Username/Password/TLS are the raw connection parameters; auth
	// and tenant resolution upstream are expected to supply these, not MarQS.
	Host     string
	Port     int
	Username string
	Password string
	TLS      bool

	// KeyPrefix is prepended to every key MarQS touches. Fixed to "marqs:" by
	// convention but overridable for tests that need isolated namespaces.
	KeyPrefix string

	// DialTimeout/ReadTimeout/WriteTimeout bound round trips to the store.
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Metrics allows observing command latencies. Optional.
	Metrics MetricsHook

	// Tracing enables OpenTelemetry instrumentation of the underlying client
	// via redisotel. MarQS's own spans (see internal/marqs) cover broker
	// operations; this additionally traces the raw Redis round trips.
	Tracing bool
}

// MetricsHook is a minimal hook surface for storage observations.
type MetricsHook interface {
	ObserveCommand(name string, elapsed time.Duration, err error)
}

// NoopMetrics is used when no metrics hook is provided.
type NoopMetrics struct{}

func (NoopMetrics) ObserveCommand(string, time.Duration, error) {}

// DB wraps a go-redis client with MarQS's key prefix and metrics policy.
type DB struct {
	rdb       redis.UniversalClient
	keyPrefix string
	metrics   MetricsHook
}

const defaultKeyPrefix = "marqs:"

// Open creates a Redis client and verifies connectivity with a PING.
func Open(ctx context.Context, opts Options) (*DB, error) {
	if opts.Host == "" {
		return nil, errors.New("redisstore: Options.Host is required")
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = defaultKeyPrefix
	}

	ropts := &redis.Options{
		Addr:         addr(opts.Host, opts.Port),
		Username:     opts.Username,
		Password:     opts.Password,
		DialTimeout:  orDefault(opts.DialTimeout, 5*time.Second),
		ReadTimeout:  orDefault(opts.ReadTimeout, 3*time.Second),
		WriteTimeout: orDefault(opts.WriteTimeout, 3*time.Second),
	}
	if opts.TLS {
		ropts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(ropts)

	if opts.Tracing {
		if err := redisotel.InstrumentTracing(client); err != nil {
			return nil, err
		}
	}

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}

	return &DB{rdb: client, keyPrefix: opts.KeyPrefix, metrics: metrics}, nil
}

// OpenFromClient wraps a pre-constructed redis.UniversalClient. Used by tests
// that talk to an in-process miniredis instance instead of a real server.
func OpenFromClient(rdb redis.UniversalClient, keyPrefix string) *DB {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &DB{rdb: rdb, keyPrefix: keyPrefix, metrics: NoopMetrics{}}
}

// Close closes the underlying client.
func (db *DB) Close() error {
	if db == nil || db.rdb == nil {
		return nil
	}
	return db.rdb.Close()
}

// Client exposes the underlying redis.UniversalClient for script evaluation
// and raw command access by internal/marqs.
func (db *DB) Client() redis.UniversalClient { return db.rdb }

// KeyPrefix returns the configured key prefix.
func (db *DB) KeyPrefix() string { return db.keyPrefix }

// Ping checks connectivity.
func (db *DB) Ping(ctx context.Context) error {
	return db.rdb.Ping(ctx).Err()
}

// Observe reports a command/script invocation's latency and outcome to the
// configured MetricsHook. Callers outside this package (internal/marqs's
// Broker, around each script invocation) use this to make the Metrics hook
// configured in Options actually fire.
func (db *DB) Observe(name string, start time.Time, err error) {
	db.metrics.ObserveCommand(name, time.Since(start), err)
}

func addr(host string, port int) string {
	if port == 0 {
		port = 6379
	}
	return host + ":" + itoa(port)
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
