package kv

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Store backed by a Redis-compatible server, the same role
// dex's storage/redis adapter plays for its own object storage, updated to
// the go-redis/v9 client used across the rest of the retrieved pack.
type RedisStore struct {
	client redis.UniversalClient
}

// Config configures a RedisStore.
type Config struct {
	Addrs            []string
	Password         string
	SentinelPassword string
	MasterName       string
}

// Open creates a RedisStore from Config.
func (c *Config) Open() *RedisStore {
	opts := &redis.UniversalOptions{
		Addrs:            c.Addrs,
		Password:         c.Password,
		SentinelPassword: c.SentinelPassword,
		MasterName:       c.MasterName,
	}
	return &RedisStore{client: redis.NewUniversalClient(opts)}
}

// NewFromClient wraps an existing client, letting tests inject a miniredis
// client without going through Config.
func NewFromClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
