package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// appendScript pushes to the tail and trims the head past ARGV[2].
var appendScript = redis.NewScript(`
local n = redis.call('RPUSH', KEYS[1], ARGV[1])
local max = tonumber(ARGV[2])
if max > 0 and n > max then
  redis.call('LTRIM', KEYS[1], n - max, -1)
  return max
end
return n
`)

// zaddCappedScript inserts and evicts the lowest ranks past ARGV[3].
var zaddCappedScript = redis.NewScript(`
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
local max = tonumber(ARGV[3])
local n = redis.call('ZCARD', KEYS[1])
if max > 0 and n > max then
  redis.call('ZREMRANGEBYRANK', KEYS[1], 0, n - max - 1)
  return max
end
return n
`)

// RedisStore implements Store on Redis.
type RedisStore struct {
	client *redis.Client
	cfg    *Config
}

// NewRedisStore connects using a redis:// URL and verifies the connection.
func NewRedisStore(ctx context.Context, url string, opts ...Option) (*RedisStore, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse store url: %w", err)
	}
	redisOpts.PoolSize = cfg.PoolSize
	redisOpts.PoolTimeout = cfg.PoolTimeout
	redisOpts.MinIdleConns = cfg.MinIdleConns

	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisStore{client: client, cfg: cfg}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, opts ...Option) *RedisStore {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return &RedisStore{client: client, cfg: cfg}
}

// Client returns the underlying redis client.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) key(k string) string {
	return wrapKey(s.cfg.Prefix, k)
}

func (s *RedisStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, s.key(key), value, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, s.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", err
	}
	return val, nil
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, s.key(key)).Result()
}

func (s *RedisStore) Append(ctx context.Context, key, value string, maxLen int64) (int64, error) {
	return appendScript.Run(ctx, s.client, []string{s.key(key)}, value, maxLen).Int64()
}

func (s *RedisStore) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.client.LRange(ctx, s.key(key), start, stop).Result()
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string, maxSize int64) (int64, error) {
	scoreArg := strconv.FormatFloat(score, 'f', -1, 64)
	return zaddCappedScript.Run(ctx, s.client, []string{s.key(key)}, scoreArg, member, maxSize).Int64()
}

func (s *RedisStore) ZRange(ctx context.Context, key string, start, stop int64, withScores bool) ([]Z, error) {
	if !withScores {
		members, err := s.client.ZRange(ctx, s.key(key), start, stop).Result()
		if err != nil {
			return nil, err
		}
		out := make([]Z, len(members))
		for i, m := range members {
			out[i] = Z{Member: m}
		}
		return out, nil
	}

	items, err := s.client.ZRangeWithScores(ctx, s.key(key), start, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Z, len(items))
	for i, item := range items {
		member, _ := item.Member.(string)
		out[i] = Z{Member: member, Score: item.Score}
	}
	return out, nil
}

func (s *RedisStore) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.client.ZRem(ctx, s.key(key), args...).Result()
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	return s.client.ZCard(ctx, s.key(key)).Result()
}

func (s *RedisStore) Watch(ctx context.Context, keys ...string) (<-chan Change, error) {
	return pollWatch(ctx, s.cfg.WatchInterval, keys, s.Get), nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
