package session

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces session keys in a shared Redis.
const DefaultRedisPrefix = "command-center:session:"

// RedisStore shares session state between command-center processes.
// Keys are stored as "<prefix><key>"; a non-zero ttl bounds how long an idle
// session survives.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed Store. An empty prefix uses DefaultRedisPrefix.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(k Key) string {
	return s.prefix + string(k)
}

func (s *RedisStore) Get(ctx context.Context, key Key) (string, bool, error) {
	v, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key Key, value string) error {
	return s.client.Set(ctx, s.key(key), value, s.ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, keys ...Key) error {
	if len(keys) == 0 {
		return nil
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, s.key(k))
	}
	return s.client.Del(ctx, names...).Err()
}
