// Package cache caches the filter vocabulary (pipelines and stages) in
// Redis so the listing UI does not hit Postgres on every page load.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"dealmirror/api/internal/store"
)

const filtersKey = "dealmirror:filters"

// FilterCache is a Redis-backed cache for the filter dictionary. A nil
// FilterCache is valid and behaves as a permanent miss.
type FilterCache struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to Redis and returns a filter cache. An empty redisURL
// disables caching (returns nil, nil).
func New(redisURL string, ttl time.Duration) (*FilterCache, error) {
	if redisURL == "" {
		return nil, nil
	}
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

	return NewWithClient(client, ttl), nil
}

// NewWithClient creates a cache from an existing Redis client.
func NewWithClient(client *redis.Client, ttl time.Duration) *FilterCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &FilterCache{client: client, ttl: ttl}
}

// Get returns the cached filter dictionary, or ok=false on a miss.
func (c *FilterCache) Get(ctx context.Context) (store.Filters, bool) {
	if c == nil {
		return store.Filters{}, false
	}
	raw, err := c.client.Get(ctx, filtersKey).Result()
	if err == redis.Nil {
		return store.Filters{}, false
	}
	if err != nil {
		log.Printf("cache: get filters: %v", err)
		return store.Filters{}, false
	}

	var filters store.Filters
	if err := json.Unmarshal([]byte(raw), &filters); err != nil {
		log.Printf("cache: decode filters: %v", err)
		return store.Filters{}, false
	}
	return filters, true
}

// Set stores the filter dictionary with the configured TTL. Failures
// are logged, not returned; the cache is best effort.
func (c *FilterCache) Set(ctx context.Context, filters store.Filters) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(filters)
	if err != nil {
		log.Printf("cache: encode filters: %v", err)
		return
	}
	if err := c.client.Set(ctx, filtersKey, raw, c.ttl).Err(); err != nil {
		log.Printf("cache: set filters: %v", err)
	}
}

// Invalidate drops the cached dictionary.
func (c *FilterCache) Invalidate(ctx context.Context) {
	if c == nil {
		return
	}
	if err := c.client.Del(ctx, filtersKey).Err(); err != nil {
		log.Printf("cache: invalidate filters: %v", err)
	}
}

// Close closes the Redis connection.
func (c *FilterCache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}

// Ping checks if Redis is reachable.
func (c *FilterCache) Ping(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.client.Ping(ctx).Err()
}
