package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// MACache stores moving averages keyed by (symbol, timeframe).
type MACache interface {
	// Get returns ErrNotFound on a miss.
	Get(ctx context.Context, symbol, timeframe string) (MAEntry, error)
	// Put replaces the entry atomically.
	Put(ctx context.Context, entry MAEntry) error
}

// PriceCache provides fast access to the latest mark prices.
type PriceCache interface {
	SetPrice(ctx context.Context, symbol string, price decimal.Decimal, ts time.Time) error
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, time.Time, error)
	GetPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
}

// EquitySnapshotStore persists the daily equity baseline.
type EquitySnapshotStore interface {
	// Load returns ErrNotFound when no snapshot exists for day.
	Load(ctx context.Context, day string) (EquitySnapshot, error)
	Save(ctx context.Context, snap EquitySnapshot) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// RateLimiter is a request budget shared between processes.
type RateLimiter interface {
	Wait(ctx context.Context, key string, limit int, window time.Duration) error
}
