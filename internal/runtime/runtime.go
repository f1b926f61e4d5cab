// Package runtime wires MarQS's configuration, Redis store, broker, and
// requeuer workers into a single handle, and owns the lifecycle of the
// one global broker instance a process needs.
package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/triggerdotdev/marqs/internal/config"
	"github.com/triggerdotdev/marqs/internal/marqs"
	redisstore "github.com/triggerdotdev/marqs/internal/storage/redis"
	"github.com/triggerdotdev/marqs/pkg/log"
)

// Runtime bundles the store, broker, and background workers a MarQS
// deployment needs.
type Runtime struct {
	db       *redisstore.DB
	broker   *marqs.Broker
	requeuer *marqs.Requeuer
	config   config.Config
	logger   log.Logger

	started bool
	mu      sync.Mutex
}

// Open connects to Redis and constructs the broker. It does not start the
// requeuer workers; call Start for that once the caller is ready to run in
// the foreground.
func Open(ctx context.Context, cfg config.Config, logger log.Logger) (*Runtime, error) {
	db, err := redisstore.Open(ctx, redisstore.Options{
		Host:         cfg.Redis.Host,
		Port:         cfg.Redis.Port,
		Username:     cfg.Redis.Username,
		Password:     cfg.Redis.Password,
		TLS:          !cfg.Redis.TLSDisabled,
		KeyPrefix:    cfg.KeyPrefix,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		Tracing:      cfg.Tracing,
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: open redis: %w", err)
	}

	broker := marqs.NewBroker(db, marqs.Options{
		DefaultQueueConcurrency: cfg.DefaultQueueConcurrency,
		DefaultEnvConcurrency:   cfg.DefaultEnvConcurrency,
		DefaultOrgConcurrency:   cfg.DefaultOrgConcurrency,
		VisibilityTimeoutMs:     cfg.VisibilityTimeoutMs,
	})

	workers := cfg.RequeuerWorkers
	if workers <= 0 {
		workers = 1
	}
	requeuer := marqs.NewRequeuer(broker, workers, logger)

	return &Runtime{db: db, broker: broker, requeuer: requeuer, config: cfg, logger: logger}, nil
}

// Start launches the requeuer's background workers. Safe to call at most
// once; a second call is a no-op.
func (r *Runtime) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.requeuer.Start(ctx)
	r.started = true
}

// Close stops the requeuer workers and closes the Redis connection. The
// requeuer must stop before the connection closes, or its in-flight scan
// would error against a dead client instead of exiting cleanly.
func (r *Runtime) Close() error {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if started {
		r.requeuer.Stop()
	}
	return r.db.Close()
}

func (r *Runtime) Broker() *marqs.Broker { return r.broker }
func (r *Runtime) Config() config.Config { return r.config }

func (r *Runtime) CheckHealth(ctx context.Context) error {
	return r.db.Ping(ctx)
}
