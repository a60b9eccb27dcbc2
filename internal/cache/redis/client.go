// Package redis shares engine state between bot instances through go-redis/v9:
// mark prices, moving averages, equity snapshots, symbol leases and the
// exchange request budget.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/dcabot/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	clientName     = "dcabot"
	connectTimeout = 5 * time.Second
)

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
	// KeyPrefix namespaces every key so several bots can share one server.
	KeyPrefix string
}

// Client is a connected go-redis client whose keys all live under one
// prefix.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// New connects to Redis and fails unless the server answers within a few
// seconds; the engine never starts with a dead shared cache.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis: address is required: %w", domain.ErrValidation)
	}
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
		ClientName: clientName,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	c := &Client{rdb: redis.NewClient(opts), prefix: strings.TrimSuffix(cfg.KeyPrefix, ":")}
	pctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := c.Ping(pctx); err != nil {
		_ = c.rdb.Close()
		return nil, fmt.Errorf("redis: connect %s: %w", cfg.Addr, err)
	}
	return c, nil
}

// Ping checks the connection. The health endpoint reports it as "redis".
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// key joins parts under the client prefix, e.g. "bot1:price:BTCUSDT".
func (c *Client) key(parts ...string) string {
	if c.prefix != "" {
		parts = append([]string{c.prefix}, parts...)
	}
	return strings.Join(parts, ":")
}
