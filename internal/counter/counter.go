// Package counter provides the distributed atomic counters backing rate
// limits, throttles, IP limits, and quotas. All mutations go through
// the backend's atomic increment; the application never does
// read-modify-write.
package counter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/doorman-project/doorman/internal/config"
)

// Counter is the shared-state counter interface.
type Counter interface {
	// Incr atomically increments key and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
	// Get returns the current value, 0 when absent.
	Get(ctx context.Context, key string) (int64, error)
	// Expire sets the TTL for key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Close() error
}

// New selects a backend from config. Starting more than one worker on
// the in-process backend is refused: per-worker counters multiply
// effective rate limits by the worker count.
func New(cfg *config.Config, client *redis.Client) (Counter, error) {
	if cfg.Backend.Distributed() {
		if client == nil {
			return nil, fmt.Errorf("counter: distributed mode requires a redis client")
		}
		return NewRedis(client, ""), nil
	}
	if cfg.Server.Workers > 1 {
		return nil, fmt.Errorf("counter: %d workers configured with in-process backend; shared counters require %s or %s mode",
			cfg.Server.Workers, config.ModeRedis, config.ModeExternal)
	}
	return NewMemory(), nil
}
