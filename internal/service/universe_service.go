package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dcabot/internal/domain"
	"github.com/alanyoungcy/dcabot/internal/retry"
)

// UniverseConfig selects the symbols scanned for entries.
type UniverseConfig struct {
	// Symbols, when non-empty, is used verbatim and discovery is skipped.
	Symbols         []string
	QuoteAsset      string
	Blacklist       []string // substring match
	Min24hVolume    decimal.Decimal
	RefreshInterval time.Duration
}

// UniverseService discovers and caches the tradable symbol list.
type UniverseService struct {
	market domain.MarketUniverse
	policy retry.Policy
	cfg    UniverseConfig
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	symbols   []string
	refreshed time.Time
}

// NewUniverseService creates a UniverseService. market may be nil when an
// explicit symbol list is configured.
func NewUniverseService(market domain.MarketUniverse, policy retry.Policy, cfg UniverseConfig, logger *slog.Logger) *UniverseService {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = time.Hour
	}
	return &UniverseService{
		market: market,
		policy: policy,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "universe")),
		now:    time.Now,
	}
}

// Symbols returns the current universe, refreshing it when stale. A failed
// refresh keeps serving the previous list.
func (s *UniverseService) Symbols(ctx context.Context) ([]string, error) {
	if len(s.cfg.Symbols) > 0 {
		return s.filter(s.cfg.Symbols, nil), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.symbols != nil && s.now().Sub(s.refreshed) < s.cfg.RefreshInterval {
		return s.symbols, nil
	}

	symbols, err := s.discover(ctx)
	if err != nil {
		if s.symbols != nil {
			s.logger.WarnContext(ctx, "universe refresh failed, keeping previous list",
				slog.Int("symbols", len(s.symbols)),
				slog.String("error", err.Error()),
			)
			return s.symbols, nil
		}
		return nil, err
	}
	s.symbols = symbols
	s.refreshed = s.now()
	s.logger.InfoContext(ctx, "universe refreshed", slog.Int("symbols", len(symbols)))
	return symbols, nil
}

func (s *UniverseService) discover(ctx context.Context) ([]string, error) {
	if s.market == nil {
		return nil, fmt.Errorf("service: universe: no symbols configured and no discovery source: %w", domain.ErrValidation)
	}
	all, err := retry.Call(ctx, s.policy, "trading symbols", func(ctx context.Context) ([]string, error) {
		return s.market.TradingSymbols(ctx, s.cfg.QuoteAsset)
	})
	if err != nil {
		return nil, fmt.Errorf("service: universe: %w", err)
	}

	var volumes map[string]decimal.Decimal
	if s.cfg.Min24hVolume.IsPositive() {
		volumes, err = retry.Call(ctx, s.policy, "24h volumes", s.market.QuoteVolumes24h)
		if err != nil {
			return nil, fmt.Errorf("service: universe: %w", err)
		}
	}
	return s.filter(all, volumes), nil
}

// filter drops blacklisted symbols and, when volumes is non-nil, those below
// the minimum 24h quote volume. The result is sorted.
func (s *UniverseService) filter(symbols []string, volumes map[string]decimal.Decimal) []string {
	out := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" || s.blacklisted(sym) {
			continue
		}
		if volumes != nil && volumes[sym].LessThan(s.cfg.Min24hVolume) {
			continue
		}
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func (s *UniverseService) blacklisted(symbol string) bool {
	for _, b := range s.cfg.Blacklist {
		if b = strings.ToUpper(strings.TrimSpace(b)); b != "" && strings.Contains(symbol, b) {
			return true
		}
	}
	return false
}
