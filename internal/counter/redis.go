package counter

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the distributed backend, required whenever more than one
// worker runs.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis creates a Redis-backed counter namespaced under prefix
// (default "doorman:ctr:").
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "doorman:ctr:"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	return r.client.Incr(ctx, r.prefix+key).Result()
}

func (r *Redis) Get(ctx context.Context, key string) (int64, error) {
	v, err := r.client.Get(ctx, r.prefix+key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, r.prefix+key, ttl).Err()
}

func (r *Redis) Close() error { return nil }
