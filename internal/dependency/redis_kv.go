package dependency

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/guild/internal/config"
)

// RedisKVResolverName selects a Redis-backed key/value store per scope key.
const RedisKVResolverName = "redis_kv"

const defaultKVPrefix = "guild:kv"

// RedisKVConfig is the typed properties of the redis_kv resolver.
type RedisKVConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

func redisKVFactory(props map[string]any) (Resolver, error) {
	var cfg RedisKVConfig
	if err := config.DecodeStrict(props, &cfg); err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaultKVPrefix
	}
	return ResolverFunc(func(ctx context.Context, req Request) (any, error) {
		return NewRedisKV(ctx, redis.NewClient(opts), cfg.Prefix+":"+req.ScopeKey)
	}), nil
}

// RedisKV is a KV whose keys live under one Redis key prefix. It owns its client.
type RedisKV struct {
	client    *redis.Client
	namespace string
}

// NewRedisKV checks the connection and returns a store that prefixes every key with
// namespace. The client is closed if the check fails.
func NewRedisKV(ctx context.Context, client *redis.Client, namespace string) (*RedisKV, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisKV{client: client, namespace: namespace}, nil
}

func (r *RedisKV) key(k string) string { return r.namespace + ":" + k }

func (r *RedisKV) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get %s: %w", key, err)
	}
	return v, nil
}

func (r *RedisKV) Set(ctx context.Context, key, value string) error {
	if err := r.client.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (r *RedisKV) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (r *RedisKV) Incr(ctx context.Context, key string) (int64, error) {
	return r.IncrBy(ctx, key, 1)
}

func (r *RedisKV) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := r.client.IncrBy(ctx, r.key(key), delta).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", key, err)
	}
	return n, nil
}

func (r *RedisKV) Swap(ctx context.Context, key, value string) (string, bool, error) {
	previous, err := r.client.GetSet(ctx, r.key(key), value).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to swap %s: %w", key, err)
	}
	return previous, true, nil
}

func (r *RedisKV) Keys(ctx context.Context) ([]string, error) {
	prefix := r.namespace + ":"
	var keys []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close releases the Redis connection pool.
func (r *RedisKV) Close() error {
	return r.client.Close()
}
