package config

import (
	"os"
	"strconv"
	"time"
)

// FromEnv overlays environment variables onto cfg, leaving any variable
// that is unset or unparseable untouched. Grounded in the same
// getenv-and-overlay idiom as the rest of the operator tooling: callers
// build a Config with Default() and then let the environment override
// only what it explicitly sets.
func FromEnv(cfg Config) Config {
	if v, ok := envBool("V3_ENABLED"); ok {
		cfg.Enabled = v
	}
	if v, ok := os.LookupEnv("REDIS_HOST"); ok {
		cfg.Redis.Host = v
	}
	if v, ok := envInt("REDIS_PORT"); ok {
		cfg.Redis.Port = v
	}
	if v, ok := os.LookupEnv("REDIS_USERNAME"); ok {
		cfg.Redis.Username = v
	}
	if v, ok := os.LookupEnv("REDIS_PASSWORD"); ok {
		cfg.Redis.Password = v
	}
	if v, ok := envBool("REDIS_TLS_DISABLED"); ok {
		cfg.Redis.TLSDisabled = v
	}
	if v, ok := envDuration("REDIS_DIAL_TIMEOUT_MS"); ok {
		cfg.Redis.DialTimeout = v
	}
	if v, ok := envDuration("REDIS_READ_TIMEOUT_MS"); ok {
		cfg.Redis.ReadTimeout = v
	}
	if v, ok := envDuration("REDIS_WRITE_TIMEOUT_MS"); ok {
		cfg.Redis.WriteTimeout = v
	}

	if v, ok := os.LookupEnv("MARQS_KEY_PREFIX"); ok {
		cfg.KeyPrefix = v
	}

	if v, ok := envInt("DEFAULT_QUEUE_EXECUTION_CONCURRENCY_LIMIT"); ok {
		cfg.DefaultQueueConcurrency = v
	}
	if v, ok := envInt("DEFAULT_ENV_EXECUTION_CONCURRENCY_LIMIT"); ok {
		cfg.DefaultEnvConcurrency = v
	}
	if v, ok := envInt("DEFAULT_ORG_EXECUTION_CONCURRENCY_LIMIT"); ok {
		cfg.DefaultOrgConcurrency = v
	}
	if v, ok := envInt64("MARQS_VISIBILITY_TIMEOUT_MS"); ok {
		cfg.VisibilityTimeoutMs = v
	}
	if v, ok := envInt("MARQS_REQUEUER_WORKERS"); ok {
		cfg.RequeuerWorkers = v
	}

	if v, ok := os.LookupEnv("MARQS_LOG_LEVEL"); ok {
		cfg.Log.Level = v
	}
	if v, ok := os.LookupEnv("MARQS_LOG_FORMAT"); ok {
		cfg.Log.Format = v
	}
	if v, ok := envBool("MARQS_TRACING_ENABLED"); ok {
		cfg.Tracing = v
	}

	return cfg
}

func envInt(key string) (int, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envInt64(key string) (int64, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(key string) (time.Duration, bool) {
	n, ok := envInt64(key)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * time.Millisecond, true
}

func envBool(key string) (bool, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}
