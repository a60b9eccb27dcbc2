package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dcabot/internal/domain"
	"github.com/alanyoungcy/dcabot/internal/retry"
)

// PriceService serves mark prices from the streamed price cache, filling
// gaps with one batched ticker request.
type PriceService struct {
	cache  domain.PriceCache
	ex     domain.Exchange
	policy retry.Policy
	maxAge time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewPriceService creates a PriceService. cache may be nil, in which case
// every lookup goes to the exchange.
func NewPriceService(cache domain.PriceCache, ex domain.Exchange, policy retry.Policy, maxAge time.Duration, logger *slog.Logger) *PriceService {
	if maxAge <= 0 {
		maxAge = markMaxAge
	}
	return &PriceService{
		cache:  cache,
		ex:     ex,
		policy: policy,
		maxAge: maxAge,
		logger: logger.With(slog.String("component", "prices")),
		now:    time.Now,
	}
}

// HandleTicker stores a streamed mark.
func (s *PriceService) HandleTicker(ctx context.Context, symbol string, price decimal.Decimal, ts time.Time) error {
	if s.cache == nil || !price.IsPositive() {
		return nil
	}
	if err := s.cache.SetPrice(ctx, symbol, price, ts); err != nil {
		return fmt.Errorf("service: set price %s: %w", symbol, err)
	}
	return nil
}

// Marks returns a mark for every symbol it can price. Fresh cached marks are
// used as-is; the rest come from the exchange in a single request and are
// written back to the cache.
func (s *PriceService) Marks(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(symbols))
	missing := symbols
	if s.cache != nil {
		missing = nil
		now := s.now()
		for _, sym := range symbols {
			p, ts, err := s.cache.GetPrice(ctx, sym)
			if err == nil && p.IsPositive() && now.Sub(ts) <= s.maxAge {
				out[sym] = p
				continue
			}
			missing = append(missing, sym)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	fetched, err := retry.Call(ctx, s.policy, "tickers", func(ctx context.Context) (map[string]decimal.Decimal, error) {
		return s.ex.Tickers(ctx, missing)
	})
	if err != nil {
		return out, fmt.Errorf("service: marks: %w", err)
	}
	now := s.now()
	for _, sym := range missing {
		p, ok := fetched[sym]
		if !ok {
			continue
		}
		out[sym] = p
		if s.cache != nil {
			if err := s.cache.SetPrice(ctx, sym, p, now); err != nil {
				s.logger.WarnContext(ctx, "cache mark failed",
					slog.String("symbol", sym),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return out, nil
}
