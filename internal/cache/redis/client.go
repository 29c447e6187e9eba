// Package redis implements the welfare cache, signal bus, distributed lock
// and rate limiter on top of go-redis/v9.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces every key this package writes, so one Redis database
// can be shared with other services.
const keyPrefix = "meridian"

// key joins parts under the namespace: key("lock", "decision:1") is
// "meridian:lock:decision:1".
func key(parts ...string) string {
	return keyPrefix + ":" + strings.Join(parts, ":")
}

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
}

func (cfg ClientConfig) options() *redis.Options {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

// Client owns the connection pool shared by the welfare cache, the signal
// bus, the decision locks and the rate limiter. Each of those holds the raw
// driver handle and builds its keys with key.
type Client struct {
	rdb  *redis.Client
	addr string
}

// New connects to Redis and pings it. Wiring fails here when the server is
// unreachable instead of on the first locked mutation.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	rdb := redis.NewClient(cfg.options())
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: connect %s: %w", cfg.Addr, err)
	}
	return &Client{rdb: rdb, addr: cfg.Addr}, nil
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping %s: %w", c.addr, err)
	}
	return nil
}

// Close releases the pool. Components built from the client stop working
// after it returns.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Underlying returns the driver handle for the components in this package
// and for tests that need to flush the database.
func (c *Client) Underlying() *redis.Client {
	return c.rdb
}
