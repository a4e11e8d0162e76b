package anchor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps anchors in Redis. A plain SET per thread key is the
// atomic last-write-wins replace the Store contract asks for.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed anchor store. Anchors expire after
// ttl of inactivity (zero means no expiry); staleness against draft status
// is the Manager's job, the TTL only bounds abandoned threads.
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: "anchor:", ttl: ttl}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: "anchor:", ttl: ttl}
}

func (s *RedisStore) key(threadID string) string {
	return s.prefix + threadID
}

func (s *RedisStore) Set(ctx context.Context, threadID string, p Pointer) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal anchor: %w", err)
	}
	if err := s.client.Set(ctx, s.key(threadID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("set anchor: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, threadID string) (Pointer, bool, error) {
	data, err := s.client.Get(ctx, s.key(threadID)).Result()
	if errors.Is(err, redis.Nil) {
		return Pointer{}, false, nil
	}
	if err != nil {
		return Pointer{}, false, fmt.Errorf("get anchor: %w", err)
	}

	var p Pointer
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return Pointer{}, false, fmt.Errorf("unmarshal anchor: %w", err)
	}
	return p, true, nil
}

func (s *RedisStore) Clear(ctx context.Context, threadID string) error {
	if err := s.client.Del(ctx, s.key(threadID)).Err(); err != nil {
		return fmt.Errorf("clear anchor: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
