package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Cache shared by every instance pointed at the same server.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedis creates a Redis-backed cache. Keys are stored under prefix.
func NewRedis(client redis.UniversalClient, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+key, 1, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("presence claim %s: %w", key, err)
	}
	return ok, nil
}

func (r *Redis) Held(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("presence lookup %s: %w", key, err)
	}
	return n > 0, nil
}

func (r *Redis) Release(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.prefix + k
	}
	if err := r.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("presence release: %w", err)
	}
	return nil
}
