package principal

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores resolved principals in Redis keyed by a hash of the bearer
// token, so repeated requests with the same credential skip the outbound
// verification and profile calls. Only authenticated principals are
// cached; a failed resolve may be transient.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewCache connects to Redis from a URL.
func NewCache(redisURL string, ttl time.Duration) (*Cache, error) {
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

	return NewCacheWithClient(client, ttl), nil
}

// NewCacheWithClient wraps an existing Redis client.
func NewCacheWithClient(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, prefix: "principal:", ttl: ttl}
}

func (c *Cache) key(token string) string {
	sum := sha256.Sum256([]byte(token))
	return fmt.Sprintf("%s%x", c.prefix, sum)
}

// Get returns a cached principal and whether the lookup hit. Redis errors
// count as a miss: the caller falls back to a full resolve.
func (c *Cache) Get(ctx context.Context, token string) (Principal, bool) {
	data, err := c.client.Get(ctx, c.key(token)).Result()
	if err != nil {
		return Anonymous, false
	}

	var resolved Principal
	if err := json.Unmarshal([]byte(data), &resolved); err != nil {
		return Anonymous, false
	}
	return resolved, true
}

// Put stores an authenticated principal, bounded by the cache TTL and the
// token's own expiry when it is sooner. Best effort.
func (c *Cache) Put(ctx context.Context, token string, resolved Principal) {
	if !resolved.Authenticated {
		return
	}

	ttl := c.ttl
	if exp, ok := resolved.Claims["exp"].(float64); ok {
		until := time.Until(time.Unix(int64(exp), 0))
		if until <= 0 {
			return
		}
		if until < ttl {
			ttl = until
		}
	}

	data, err := json.Marshal(resolved)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, c.key(token), data, ttl).Err()
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	return c.client.Close()
}
