// Package config loads MarQS's runtime configuration: Redis connection
// parameters and the default concurrency ceilings the broker falls back
// to when a queue, environment, or organization has no explicit limit
// set in Redis.
package config

import "time"

// RedisConfig configures the connection to the Redis instance backing
// every MarQS structure.
type RedisConfig struct {
	Host        string
	Port        int
	Username    string
	Password    string
	TLSDisabled bool

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Config is MarQS's full runtime configuration.
type Config struct {
	Redis RedisConfig

	// KeyPrefix namespaces every key MarQS touches in the shared Redis
	// instance.
	KeyPrefix string

	// DefaultQueueConcurrency/DefaultEnvConcurrency/DefaultOrgConcurrency
	// are the ceilings a queue, environment, or organization gets when it
	// has no explicit limit key set.
	DefaultQueueConcurrency int
	DefaultEnvConcurrency   int
	DefaultOrgConcurrency   int

	// VisibilityTimeoutMs is how long a dequeued message stays invisible
	// to other consumers before the requeuer considers it abandoned.
	VisibilityTimeoutMs int64

	// RequeuerWorkers is the number of background goroutines scanning for
	// expired visibility leases.
	RequeuerWorkers int

	// Log controls the structured logging facade.
	Log LogConfig

	// Tracing enables OpenTelemetry instrumentation of both MarQS's own
	// spans and the underlying Redis client.
	Tracing bool

	// Enabled is loaded from V3_ENABLED. Nothing in this module reads it:
	// runtime.Open and the CLI wire up the broker whatever its value.
	Enabled bool
}

// LogConfig mirrors log.Config but lives in this package so FromEnv
// doesn't need to import pkg/log just to parse two strings.
type LogConfig struct {
	Level  string
	Format string
}

// Default returns the configuration MarQS runs with when nothing is
// overridden: a local Redis instance, generous but finite concurrency
// ceilings, and a five-minute visibility timeout.
func Default() Config {
	return Config{
		Redis: RedisConfig{
			Host:         "127.0.0.1",
			Port:         6379,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		KeyPrefix:               "marqs:",
		DefaultQueueConcurrency: 10,
		DefaultEnvConcurrency:   100,
		DefaultOrgConcurrency:   1000,
		VisibilityTimeoutMs:     300_000,
		RequeuerWorkers:         4,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
