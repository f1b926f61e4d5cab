package config

import (
	"os"
	"testing"
)

func TestFromEnvOverlaysOnlySetVars(t *testing.T) {
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("DEFAULT_QUEUE_EXECUTION_CONCURRENCY_LIMIT", "25")
	_ = os.Unsetenv("REDIS_PORT")

	cfg := FromEnv(Default())

	if cfg.Redis.Host != "redis.internal" {
		t.Fatalf("host = %q, want redis.internal", cfg.Redis.Host)
	}
	if cfg.DefaultQueueConcurrency != 25 {
		t.Fatalf("queue concurrency = %d, want 25", cfg.DefaultQueueConcurrency)
	}
	if cfg.Redis.Port != Default().Redis.Port {
		t.Fatalf("port should be untouched, got %d", cfg.Redis.Port)
	}
}

func TestFromEnvIgnoresUnparseableValues(t *testing.T) {
	t.Setenv("DEFAULT_ENV_EXECUTION_CONCURRENCY_LIMIT", "not-a-number")

	cfg := FromEnv(Default())

	if cfg.DefaultEnvConcurrency != Default().DefaultEnvConcurrency {
		t.Fatalf("env concurrency should fall back to default when unparseable, got %d", cfg.DefaultEnvConcurrency)
	}
}
