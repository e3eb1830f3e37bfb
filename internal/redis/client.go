package redis

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/talk-signaling/config"
)

// Client wraps the Redis connection shared by the assignment cache and the
// room store.
type Client struct {
	rdb *redis.Client
}

// New connects to Redis and verifies the connection.
func New(cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Get implements the shared-cache read. A missing key is a miss, not an
// error; other errors are logged and reported as a miss because the cache
// is best-effort.
func (c *Client) Get(ctx context.Context, key string) (string, bool) {
	value, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("Cache get %s failed: %v", key, err)
		}
		return "", false
	}
	return value, true
}

// Set implements the shared-cache write. Failures are logged and swallowed.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		log.Printf("Cache set %s failed: %v", key, err)
	}
}
