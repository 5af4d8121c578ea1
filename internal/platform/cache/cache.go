// Package cache provides a Dragonfly/Redis client wrapper.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "pai:ingest:"
	idTTL     = 24 * time.Hour
)

// Cache wraps a Redis/Dragonfly client.
type Cache struct {
	Client *redis.Client
}

// ParseURL validates a Redis connection URL.
func ParseURL(url string) (*redis.Options, error) {
	if url == "" {
		return nil, fmt.Errorf("cache URL is empty")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid cache URL: %w", err)
	}
	return opts, nil
}

// New creates a new cache client.
func New(ctx context.Context, url string) (*Cache, error) {
	opts, err := ParseURL(url)
	if err != nil {
		return nil, err
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging cache: %w", err)
	}

	return &Cache{Client: client}, nil
}

// Close shuts down the cache client.
func (c *Cache) Close() error {
	return c.Client.Close()
}

// HealthCheck verifies the cache connection is alive.
func (c *Cache) HealthCheck(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

// GetID returns a cached identifier. A miss is reported as ok == false with a nil error.
func (c *Cache) GetID(ctx context.Context, key string) (int64, bool, error) {
	v, err := c.Client.Get(ctx, keyPrefix+"id:"+key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get id %s: %w", key, err)
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse cached id %s: %w", key, err)
	}
	return id, true, nil
}

// SetID caches an identifier. Identifiers never change once assigned, so the
// TTL only bounds staleness after the store itself is reset.
func (c *Cache) SetID(ctx context.Context, key string, id int64) error {
	if err := c.Client.Set(ctx, keyPrefix+"id:"+key, strconv.FormatInt(id, 10), idTTL).Err(); err != nil {
		return fmt.Errorf("set id %s: %w", key, err)
	}
	return nil
}

// Claim takes an exclusive, expiring claim on key for owner.
// It returns false if another owner holds the claim.
func (c *Cache) Claim(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := c.Client.SetNX(ctx, keyPrefix+"claim:"+key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return ok, nil
}

// releaseScript deletes a claim only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Release drops a claim held by owner. Claims taken over by someone else after
// expiry are left alone.
func (c *Cache) Release(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, c.Client, []string{keyPrefix + "claim:" + key}, owner).Err(); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}
