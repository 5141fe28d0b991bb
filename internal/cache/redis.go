package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisEnvelope wraps a cached value with its freshness deadline; the
// Redis key TTL handles hard eviction.
type redisEnvelope struct {
	Value      []byte    `json:"v"`
	FreshUntil time.Time `json:"fresh_until"`
}

// Redis is a Cache backed by a Redis server, for gateways running more
// than one replica behind a load balancer. Backend errors are logged
// and reported as misses; the gateway keeps working without its cache.
type Redis struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedis creates a Redis cache and verifies connectivity.
func NewRedis(ctx context.Context, addr, password string, db int, logger *slog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Redis{client: client, prefix: "aurora:cache:", logger: logger}, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, bool) {
	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.logger.Warn("redis get failed", "key", key, "error", err)
		}
		return nil, false, false
	}

	var env redisEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		r.logger.Warn("discarding corrupt cache entry", "key", key, "error", err)
		r.client.Del(ctx, r.prefix+key)
		return nil, false, false
	}
	return env.Value, time.Now().Before(env.FreshUntil), true
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	env := redisEnvelope{Value: value, FreshUntil: time.Now().Add(ttl)}
	raw, err := json.Marshal(env)
	if err != nil {
		r.logger.Warn("marshaling cache entry", "key", key, "error", err)
		return
	}
	if err := r.client.Set(ctx, r.prefix+key, raw, ttl*staleFactor).Err(); err != nil {
		r.logger.Warn("redis set failed", "key", key, "error", err)
	}
}

func (r *Redis) Invalidate(ctx context.Context, key string) {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		r.logger.Warn("redis del failed", "key", key, "error", err)
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}
