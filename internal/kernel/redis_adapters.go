package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimitAdapter is the distributed RateLimitAdapter
// implementation spec §5 calls for: "a distributed implementation uses
// an atomic increment-and-check primitive." INCR+EXPIRE on a fixed
// window key is exactly that primitive.
type RedisRateLimitAdapter struct {
	client *redis.Client
	window time.Duration
}

func NewRedisRateLimitAdapter(client *redis.Client) *RedisRateLimitAdapter {
	return &RedisRateLimitAdapter{client: client, window: time.Minute}
}

func (r *RedisRateLimitAdapter) Check(ctx context.Context, apiKeyID, action string, limit int) (RateLimitResult, error) {
	key := fmt.Sprintf("acp:ratelimit:%s:%s", apiKeyID, action)
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return RateLimitResult{}, err
	}
	if count == 1 {
		r.client.Expire(ctx, key, r.window)
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitResult{Allowed: int(count) <= limit, Limit: limit, Remaining: remaining}, nil
}

// RedisIdempotencyAdapter is a distributed IdempotencyAdapter backed by
// Redis SET/GET with the adapter-supplied TTL.
type RedisIdempotencyAdapter struct {
	client *redis.Client
}

func NewRedisIdempotencyAdapter(client *redis.Client) *RedisIdempotencyAdapter {
	return &RedisIdempotencyAdapter{client: client}
}

func (r *RedisIdempotencyAdapter) GetReplay(ctx context.Context, tenant, action, key string) (map[string]interface{}, bool, error) {
	raw, err := r.client.Get(ctx, fmt.Sprintf("acp:idempotency:%s", idempotencyKey(tenant, action, key))).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (r *RedisIdempotencyAdapter) StoreReplay(ctx context.Context, tenant, action, key string, response map[string]interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(response)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, fmt.Sprintf("acp:idempotency:%s", idempotencyKey(tenant, action, key)), raw, ttl).Err()
}
