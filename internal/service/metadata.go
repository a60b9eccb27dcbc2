package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/alanyoungcy/dcabot/internal/domain"
	"github.com/alanyoungcy/dcabot/internal/retry"
)

// MetadataCache memoizes exchange symbol filters for the life of the process.
// Filters change rarely; a restart picks up new ones.
type MetadataCache struct {
	ex     domain.Exchange
	policy retry.Policy

	mu    sync.RWMutex
	byKey map[string]domain.SymbolMetadata
}

// NewMetadataCache creates an empty MetadataCache.
func NewMetadataCache(ex domain.Exchange, policy retry.Policy) *MetadataCache {
	return &MetadataCache{
		ex:     ex,
		policy: policy,
		byKey:  make(map[string]domain.SymbolMetadata),
	}
}

// Get returns the filters for symbol, fetching them on first use.
func (c *MetadataCache) Get(ctx context.Context, symbol string) (domain.SymbolMetadata, error) {
	c.mu.RLock()
	meta, ok := c.byKey[symbol]
	c.mu.RUnlock()
	if ok {
		return meta, nil
	}

	meta, err := retry.Call(ctx, c.policy, "symbol filters "+symbol, func(ctx context.Context) (domain.SymbolMetadata, error) {
		return c.ex.SymbolFilters(ctx, symbol)
	})
	if err != nil {
		return domain.SymbolMetadata{}, fmt.Errorf("service: metadata %s: %w", symbol, err)
	}
	if !meta.StepSize.IsPositive() || !meta.TickSize.IsPositive() {
		return domain.SymbolMetadata{}, fmt.Errorf("service: metadata %s: step %s tick %s: %w",
			symbol, meta.StepSize, meta.TickSize, domain.ErrValidation)
	}

	c.mu.Lock()
	c.byKey[symbol] = meta
	c.mu.Unlock()
	return meta, nil
}
