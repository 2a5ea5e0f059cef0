package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Key prefixes of the caches used by the engine.
const (
	PrefixWebhook = "webhook:"
	PrefixRate    = "rate:"
)

// Cache implements ports.Cache using Redis. Keys are namespaced by prefix.
type Cache struct {
	client *goredis.Client
	prefix string
}

// NewCache creates a Redis-backed cache whose keys start with prefix.
func NewCache(client *goredis.Client, prefix string) *Cache {
	return &Cache{
		client: client,
		prefix: prefix,
	}
}

// Get returns the cached value, or nil, nil if the key does not exist.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis cache get: %w", err)
	}
	return val, nil
}

// Set stores value under key with TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis cache set: %w", err)
	}
	return nil
}
