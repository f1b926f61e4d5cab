package runtime

import (
	"context"
	"sync"

	"github.com/triggerdotdev/marqs/internal/config"
	"github.com/triggerdotdev/marqs/pkg/log"
)

var (
	globalOnce sync.Once
	globalRT   *Runtime
	globalErr  error
)

// Global returns the process-wide Runtime, constructing it on first call.
// The broker and its requeuer workers are expensive enough (a live Redis
// connection, N background goroutines) that a process should have exactly
// one; callers that need isolated instances (tests, the CLI's one-shot
// commands) should call Open directly instead.
func Global(ctx context.Context, cfg config.Config, logger log.Logger) (*Runtime, error) {
	globalOnce.Do(func() {
		globalRT, globalErr = Open(ctx, cfg, logger)
		if globalErr == nil {
			globalRT.Start(ctx)
		}
	})
	return globalRT, globalErr
}

// CloseGlobal stops the global Runtime's requeuer workers and closes its
// Redis connection, if one was ever constructed. It resets the guard so a
// subsequent Global call builds a fresh Runtime.
func CloseGlobal() error {
	if globalRT == nil {
		return nil
	}
	err := globalRT.Close()
	globalRT = nil
	globalErr = nil
	globalOnce = sync.Once{}
	return err
}
