package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Exchange is the trading venue as seen by the engine. Implementations map
// wire payloads into these typed records and classify failures into the
// error taxonomy (ErrTransient, ErrRateLimited, ErrUnauthorized,
// ErrOrderRejected, ErrNotFound).
type Exchange interface {
	Balances(ctx context.Context) ([]Balance, error)
	Tickers(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
	Klines(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
	SymbolFilters(ctx context.Context, symbol string) (SymbolMetadata, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderReport, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrder(ctx context.Context, symbol, orderID string) (OrderReport, error)
	// OpenOrders lists resting orders; an empty symbol lists all symbols.
	OpenOrders(ctx context.Context, symbol string) ([]OrderReport, error)
}

// MarketUniverse discovers tradable symbols.
type MarketUniverse interface {
	TradingSymbols(ctx context.Context, quoteAsset string) ([]string, error)
	QuoteVolumes24h(ctx context.Context) (map[string]decimal.Decimal, error)
}
