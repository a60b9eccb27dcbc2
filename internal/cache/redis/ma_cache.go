package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/dcabot/internal/domain"
	"github.com/redis/go-redis/v9"
)

// MACache implements domain.MACache with JSON-serialized entries at
// "ma:{symbol}:{timeframe}". Entries expire after ttl so abandoned symbols do
// not accumulate.
type MACache struct {
	c   *Client
	ttl time.Duration
}

// NewMACache creates an MACache. A non-positive ttl keeps entries forever.
func NewMACache(c *Client, ttl time.Duration) *MACache {
	return &MACache{c: c, ttl: ttl}
}

func (m *MACache) maKey(symbol, timeframe string) string {
	return m.c.key("ma", symbol, timeframe)
}

// Get returns the cached entry or domain.ErrNotFound.
func (m *MACache) Get(ctx context.Context, symbol, timeframe string) (domain.MAEntry, error) {
	data, err := m.c.rdb.Get(ctx, m.maKey(symbol, timeframe)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.MAEntry{}, domain.ErrNotFound
		}
		return domain.MAEntry{}, fmt.Errorf("redis: get ma %s/%s: %w", symbol, timeframe, err)
	}

	var entry domain.MAEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return domain.MAEntry{}, fmt.Errorf("redis: unmarshal ma %s/%s: %w", symbol, timeframe, err)
	}
	return entry, nil
}

// Put replaces the entry in a single SET.
func (m *MACache) Put(ctx context.Context, entry domain.MAEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("redis: marshal ma %s/%s: %w", entry.Symbol, entry.Timeframe, err)
	}
	ttl := m.ttl
	if ttl < 0 {
		ttl = 0
	}
	if err := m.c.rdb.Set(ctx, m.maKey(entry.Symbol, entry.Timeframe), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis: put ma %s/%s: %w", entry.Symbol, entry.Timeframe, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.MACache = (*MACache)(nil)
