// Package idempotency caches the first response produced for a client-supplied
// idempotency key so retries observe the original outcome instead of repeating
// side effects.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long cached responses are retained.
const DefaultTTL = 24 * time.Hour

// Cache maps idempotency keys to the response recorded by the first handler
// that completed. Records are read-only to retries.
type Cache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewCache constructs a Cache. A non-positive ttl falls back to DefaultTTL.
func NewCache(client redis.UniversalClient, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{client: client, ttl: ttl}
}

func (c *Cache) key(key string) string { return "idempotency:" + key }

// Lookup fetches the cached response for the key into out. Returns false when
// no response has been recorded yet.
func (c *Cache) Lookup(ctx context.Context, key string, out any) (bool, error) {
	raw, err := c.client.Get(ctx, c.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, err
	}
	return true, nil
}

// Record stores the response for the key unless one already exists; the first
// writer wins and later writers are silently ignored.
func (c *Cache) Record(ctx context.Context, key string, response any) error {
	body, err := json.Marshal(response)
	if err != nil {
		return err
	}
	return c.client.SetNX(ctx, c.key(key), body, c.ttl).Err()
}
