// Copyright 2025 AgentGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"context"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cache is the narrow key/TTL interface the hot path depends on. Every
// implementation must degrade gracefully: a broken cache answers like an
// empty one and never surfaces an error to the caller, who always has the
// store as the source of truth. Values are opaque strings; decoding is the
// caller's job and invalid bytes are treated as a miss.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration) bool
	Delete(ctx context.Context, key string) bool
	DeletePattern(ctx context.Context, pattern string) int
}

// Key schemas used by the core.
func policyCacheKey(tenantID string) string   { return "policy:" + tenantID }
func credentialCacheKey(secret string) string { return "credential:" + secret }
func aggregatePattern(tenantID string) string { return "agg:" + tenantID + ":*" }

// NoopCache is the default when no Redis is configured: every read misses,
// every write is dropped.
type NoopCache struct{}

func (NoopCache) Get(context.Context, string) (string, bool) { return "", false }

func (NoopCache) Set(context.Context, string, string, time.Duration) bool { return false }

func (NoopCache) Delete(context.Context, string) bool { return false }

func (NoopCache) DeletePattern(context.Context, string) int { return 0 }

// RedisCache backs the Cache interface with Redis. Each operation gets a
// short deadline; exceeding it behaves as a miss rather than stalling a
// validation.
type RedisCache struct {
	client    *redis.Client
	opTimeout time.Duration
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &RedisCache{client: client, opTimeout: time.Second}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	value, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		log.Printf("Redis GET error for %s: %v", key, err)
		return "", false
	}
	return value, true
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		log.Printf("Redis SET error for %s: %v", key, err)
		return false
	}
	return true
}

func (c *RedisCache) Delete(ctx context.Context, key string) bool {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	if err := c.client.Del(ctx, key).Err(); err != nil {
		log.Printf("Redis DEL error for %s: %v", key, err)
		return false
	}
	return true
}

// DeletePattern removes all keys matching a glob pattern and returns how
// many were deleted. O(matched); used only on write paths.
func (c *RedisCache) DeletePattern(ctx context.Context, pattern string) int {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	keys, err := c.client.Keys(ctx, pattern).Result()
	if err != nil {
		log.Printf("Redis KEYS error for %s: %v", pattern, err)
		return 0
	}
	if len(keys) == 0 {
		return 0
	}
	deleted, err := c.client.Del(ctx, keys...).Result()
	if err != nil {
		log.Printf("Redis DEL error for pattern %s: %v", pattern, err)
		return 0
	}
	return int(deleted)
}

// Close releases the underlying connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
