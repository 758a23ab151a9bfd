package cachekit

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/councilkit/engine/internal/corekit"
)

const defaultKeyPrefix = "cachekit:"

// RedisStore backs the cache store with Redis, grounded on
// RedisExecutionStore's options pattern (redis-url/db/prefix functional
// options, lazy client construction) but
// trimmed to the two operations C2 needs: no compression, no debug index,
// since cached values here are bounded JSON blobs, not execution traces.
type RedisStore struct {
	client    *redis.Client
	logger    corekit.Logger
	keyPrefix string
	enabled   bool
	ttl       *time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisLogger attaches a structured logger.
func WithRedisLogger(l corekit.Logger) RedisOption {
	return func(s *RedisStore) { s.logger = l }
}

// WithRedisKeyPrefix overrides the default "cachekit:" prefix.
func WithRedisKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.keyPrefix = prefix }
}

// NewRedisStore builds a RedisStore against an already-configured
// *redis.Client (the caller owns connection lifecycle, matching the
// pattern of injecting rather than owning infrastructure
// clients at this layer).
func NewRedisStore(client *redis.Client, enabled bool, defaultTTL *time.Duration, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		logger:    corekit.NoOpLogger{},
		keyPrefix: defaultKeyPrefix,
		enabled:   enabled,
		ttl:       defaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) redisKey(key string) string {
	return s.keyPrefix + key
}

// Get returns the cached value, treating "not found" and transport errors
// alike as a miss so a Redis outage degrades to cache-disabled behavior
// rather than failing the calling stage.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	if !s.enabled {
		return "", false, nil
	}
	val, err := s.client.Get(ctx, s.redisKey(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		s.logger.Warn("cache get failed, treating as miss", map[string]interface{}{"error": err.Error()})
		return "", false, nil
	}
	return val, true, nil
}

// Set is an upsert with optional TTL, falling back to the store's default
// TTL when ttl is nil and to "no expiration" when both are nil.
func (s *RedisStore) Set(ctx context.Context, key string, valueJSON string, ttl *time.Duration) error {
	if !s.enabled {
		return nil
	}
	effective := ttl
	if effective == nil {
		effective = s.ttl
	}
	var expiration time.Duration
	if effective != nil {
		expiration = *effective
	}
	if err := s.client.Set(ctx, s.redisKey(key), valueJSON, expiration).Err(); err != nil {
		s.logger.Warn("cache set failed", map[string]interface{}{"error": err.Error()})
		return err
	}
	return nil
}
