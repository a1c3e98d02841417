package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the minimal client surface used by RedisCache.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisCache stores idempotency records in Redis. SetNX gives
// first-write-wins semantics and the TTL is enforced server side.
type RedisCache struct {
	client    RedisClient
	keyPrefix string
	ttl       time.Duration
}

type redisEntry struct {
	Record      Record `json:"record"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// NewRedisCache constructs a Redis-backed cache.
func NewRedisCache(client RedisClient, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client:    client,
		keyPrefix: "idem:",
		ttl:       ttl,
	}
}

func (c *RedisCache) Lookup(ctx context.Context, key, fingerprint string) (Record, bool, error) {
	raw, err := c.client.Get(ctx, c.keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}

	var entry redisEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return Record{}, false, err
	}
	if fingerprint != "" && entry.Fingerprint != "" && entry.Fingerprint != fingerprint {
		return Record{}, false, ErrKeyConflict
	}
	return entry.Record, true, nil
}

func (c *RedisCache) Store(ctx context.Context, key, fingerprint string, rec Record) (bool, error) {
	data, err := json.Marshal(redisEntry{Record: rec, Fingerprint: fingerprint})
	if err != nil {
		return false, err
	}
	return c.client.SetNX(ctx, c.keyPrefix+key, data, c.ttl).Result()
}
