package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDetailsStore keeps details as JSON values in Redis, so several
// pixelgate instances sharing a cache volume agree on what is stored.
type RedisDetailsStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

type RedisConfig struct {
	Prefix string
	TTL    time.Duration
}

// NewRedisDetailsStore creates a Redis-backed store. A non-positive TTL
// stores entries without expiry.
func NewRedisDetailsStore(client *redis.Client, config RedisConfig) *RedisDetailsStore {
	return &RedisDetailsStore{
		client: client,
		prefix: config.Prefix,
		ttl:    config.TTL,
	}
}

// key builds the final Redis key with prefix.
func (s *RedisDetailsStore) key(uri string) string {
	if s.prefix == "" {
		return "details:" + uri
	}
	return s.prefix + ":details:" + uri
}

// Get reads the details for uri. A missing key is a clean miss.
func (s *RedisDetailsStore) Get(ctx context.Context, uri string) (Details, bool, error) {
	if err := ctx.Err(); err != nil {
		return Details{}, false, fmt.Errorf("context error: %w", err)
	}

	res, err := s.client.Get(ctx, s.key(uri)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Details{}, false, nil
	}
	if err != nil {
		return Details{}, false, fmt.Errorf("redis get failed: %w", err)
	}

	d, err := decodeDetails(res)
	if err != nil {
		return Details{}, false, err
	}
	return d, true, nil
}

func (s *RedisDetailsStore) Set(ctx context.Context, uri string, d Details) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}

	value, err := encodeDetails(d)
	if err != nil {
		return err
	}

	ttl := s.ttl
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key(uri), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	return nil
}

func (s *RedisDetailsStore) Delete(ctx context.Context, uri string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	return s.client.Del(ctx, s.key(uri)).Err()
}

// Ping checks if the Redis connection is healthy.
func (s *RedisDetailsStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	return s.client.Ping(ctx).Err()
}

// Close is a no-op: the client is owned by the caller.
func (s *RedisDetailsStore) Close() error {
	return nil
}
