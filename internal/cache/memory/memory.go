// Package memory implements the domain cache interfaces in process memory.
// It backs single-instance deployments and tests; the redis package provides
// the shared equivalents.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dcabot/internal/domain"
)

// MACache implements domain.MACache.
type MACache struct {
	mu      sync.RWMutex
	entries map[string]domain.MAEntry
}

// NewMACache creates an empty MACache.
func NewMACache() *MACache {
	return &MACache{entries: make(map[string]domain.MAEntry)}
}

func maKey(symbol, timeframe string) string {
	return symbol + "|" + timeframe
}

// Get returns a copy of the cached entry or domain.ErrNotFound.
func (c *MACache) Get(_ context.Context, symbol, timeframe string) (domain.MAEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[maKey(symbol, timeframe)]
	if !ok {
		return domain.MAEntry{}, domain.ErrNotFound
	}
	e.Closes = append([]decimal.Decimal(nil), e.Closes...)
	return e, nil
}

// Put replaces the entry for its (symbol, timeframe).
func (c *MACache) Put(_ context.Context, entry domain.MAEntry) error {
	entry.Closes = append([]decimal.Decimal(nil), entry.Closes...)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[maKey(entry.Symbol, entry.Timeframe)] = entry
	return nil
}

type pricePoint struct {
	price decimal.Decimal
	ts    time.Time
}

// PriceCache implements domain.PriceCache.
type PriceCache struct {
	mu     sync.RWMutex
	prices map[string]pricePoint
}

// NewPriceCache creates an empty PriceCache.
func NewPriceCache() *PriceCache {
	return &PriceCache{prices: make(map[string]pricePoint)}
}

// SetPrice stores the latest price for symbol. Older updates are ignored.
func (c *PriceCache) SetPrice(_ context.Context, symbol string, price decimal.Decimal, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.prices[symbol]; ok && cur.ts.After(ts) {
		return nil
	}
	c.prices[symbol] = pricePoint{price: price, ts: ts}
	return nil
}

// GetPrice returns the latest price or domain.ErrNotFound.
func (c *PriceCache) GetPrice(_ context.Context, symbol string) (decimal.Decimal, time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.prices[symbol]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	return p.price, p.ts, nil
}

// GetPrices returns the known prices among symbols; unknown symbols are
// omitted.
func (c *PriceCache) GetPrices(_ context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]decimal.Decimal, len(symbols))
	for _, s := range symbols {
		if p, ok := c.prices[s]; ok {
			out[s] = p.price
		}
	}
	return out, nil
}

// EquityStore implements domain.EquitySnapshotStore.
type EquityStore struct {
	mu    sync.Mutex
	snaps map[string]domain.EquitySnapshot
}

// NewEquityStore creates an empty EquityStore.
func NewEquityStore() *EquityStore {
	return &EquityStore{snaps: make(map[string]domain.EquitySnapshot)}
}

func (s *EquityStore) Load(_ context.Context, day string) (domain.EquitySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snaps[day]
	if !ok {
		return domain.EquitySnapshot{}, domain.ErrNotFound
	}
	return snap, nil
}

func (s *EquityStore) Save(_ context.Context, snap domain.EquitySnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.Day] = snap
	return nil
}

// Compile-time interface checks.
var (
	_ domain.MACache             = (*MACache)(nil)
	_ domain.PriceCache          = (*PriceCache)(nil)
	_ domain.EquitySnapshotStore = (*EquityStore)(nil)
)
