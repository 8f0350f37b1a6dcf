package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key prefix for conversation sessions
const sessionKeyPrefix = "session:"

// RedisSessionStore persists sessions in Redis so conversation affinity
// survives process restarts and is shared between replicas.
type RedisSessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSessionStore creates a Redis-backed session store.
func NewRedisSessionStore(client *redis.Client, ttl time.Duration) *RedisSessionStore {
	return &RedisSessionStore{
		client: client,
		ttl:    ttl,
	}
}

// Get implements SessionStore. The TTL is refreshed on every read so active
// conversations never expire mid-exchange.
func (s *RedisSessionStore) Get(ctx context.Context, key string) (*Session, error) {
	val, err := s.client.Get(ctx, s.redisKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, fmt.Errorf("reading session from redis: %w", err)
	}

	var session Session
	if err := json.Unmarshal([]byte(val), &session); err != nil {
		return nil, fmt.Errorf("decoding session payload: %w", err)
	}

	// Refresh TTL on read; a failed refresh is not worth failing the lookup.
	_ = s.client.Expire(ctx, s.redisKey(key), s.ttl).Err()

	return &session, nil
}

// Set implements SessionStore.
func (s *RedisSessionStore) Set(ctx context.Context, key string, session *Session) error {
	val, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encoding session payload: %w", err)
	}
	if err := s.client.Set(ctx, s.redisKey(key), val, s.ttl).Err(); err != nil {
		return fmt.Errorf("writing session to redis: %w", err)
	}
	return nil
}

// Delete implements SessionStore.
func (s *RedisSessionStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.redisKey(key)).Err()
}

// Close implements SessionStore.
func (s *RedisSessionStore) Close() error {
	return s.client.Close()
}

func (s *RedisSessionStore) redisKey(key string) string {
	return sessionKeyPrefix + key
}
