// Package binance adapts the Binance spot REST API to domain.Exchange.
package binance

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/alanyoungcy/dcabot/internal/domain"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// ClientConfig holds credentials and transport limits for the adapter.
type ClientConfig struct {
	APIKey            string
	APISecret         string
	Testnet           bool
	RequestsPerSecond float64
	Burst             int
	HTTPTimeout       time.Duration
	// Shared, when set, is consulted after the local bucket so processes
	// using the same key stay under SharedLimit requests per SharedWindow.
	Shared       domain.RateLimiter
	SharedLimit  int
	SharedWindow time.Duration
}

// Client implements domain.Exchange and domain.MarketUniverse on top of
// go-binance. Every request waits on a client-side token bucket first.
type Client struct {
	api          *binance.Client
	limiter      *rate.Limiter
	shared       domain.RateLimiter
	sharedLimit  int
	sharedWindow time.Duration
	logger       *slog.Logger
}

// New creates a Client. Public market-data endpoints work without keys.
func New(cfg ClientConfig, logger *slog.Logger) *Client {
	binance.UseTestnet = cfg.Testnet

	api := binance.NewClient(cfg.APIKey, cfg.APISecret)
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	api.HTTPClient = &http.Client{Timeout: timeout}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 20
	}

	c := &Client{
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  logger.With(slog.String("component", "binance")),
	}
	if cfg.Shared != nil {
		c.shared = cfg.Shared
		c.sharedLimit = cfg.SharedLimit
		if c.sharedLimit <= 0 {
			c.sharedLimit = 1000
		}
		c.sharedWindow = cfg.SharedWindow
		if c.sharedWindow <= 0 {
			c.sharedWindow = time.Minute
		}
	}
	return c
}

// fail maps err and, on clock skew, re-reads the server time so the retry
// is signed with a corrected offset.
func (c *Client) fail(ctx context.Context, op string, err error) error {
	if isClockSkew(err) {
		if offset, serr := c.api.NewSetServerTimeService().Do(ctx); serr != nil {
			c.logger.WarnContext(ctx, "server time resync failed", slog.String("error", serr.Error()))
		} else {
			c.logger.InfoContext(ctx, "server time resynced", slog.Int64("offset_ms", offset))
		}
	}
	return mapError(op, err)
}

func (c *Client) wait(ctx context.Context, op string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("binance: %s: rate limiter: %w", op, err)
	}
	if c.shared != nil {
		if err := c.shared.Wait(ctx, "binance:rest", c.sharedLimit, c.sharedWindow); err != nil {
			return fmt.Errorf("binance: %s: shared rate limiter: %w", op, err)
		}
	}
	return nil
}

// Balances returns all non-zero account balances.
func (c *Client) Balances(ctx context.Context) ([]domain.Balance, error) {
	if err := c.wait(ctx, "account"); err != nil {
		return nil, err
	}
	acct, err := c.api.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, c.fail(ctx, "account", err)
	}

	out := make([]domain.Balance, 0, len(acct.Balances))
	for _, b := range acct.Balances {
		p := decimals{what: "balance " + b.Asset}
		bal := domain.Balance{
			Asset:  b.Asset,
			Free:   p.parse("free", b.Free),
			Locked: p.parse("locked", b.Locked),
		}
		if p.err != nil {
			return nil, p.err
		}
		if bal.Total().IsZero() {
			continue
		}
		out = append(out, bal)
	}
	return out, nil
}

// Tickers returns last prices for symbols in one request. An empty symbols
// slice returns every listed price.
func (c *Client) Tickers(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	if err := c.wait(ctx, "ticker price"); err != nil {
		return nil, err
	}
	prices, err := c.api.NewListPricesService().Do(ctx)
	if err != nil {
		return nil, c.fail(ctx, "ticker price", err)
	}

	want := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		want[s] = struct{}{}
	}
	out := make(map[string]decimal.Decimal, len(symbols))
	for _, p := range prices {
		if len(want) > 0 {
			if _, ok := want[p.Symbol]; !ok {
				continue
			}
		}
		dp := decimals{what: "ticker " + p.Symbol}
		price := dp.parse("price", p.Price)
		if dp.err != nil {
			c.logger.WarnContext(ctx, "skipping ticker", slog.String("error", dp.err.Error()))
			continue
		}
		out[p.Symbol] = price
	}
	return out, nil
}

// Klines returns up to limit candles, oldest first. The last candle is
// usually still open.
func (c *Client) Klines(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Candle, error) {
	if err := c.wait(ctx, "klines"); err != nil {
		return nil, err
	}
	klines, err := c.api.NewKlinesService().
		Symbol(symbol).
		Interval(timeframe).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, c.fail(ctx, "klines "+symbol, err)
	}

	out := make([]domain.Candle, 0, len(klines))
	for _, k := range klines {
		candle, err := fromKline(symbol, k)
		if err != nil {
			return nil, err
		}
		out = append(out, candle)
	}
	return out, nil
}

// SymbolFilters returns the LOT_SIZE, PRICE_FILTER and notional filters.
func (c *Client) SymbolFilters(ctx context.Context, symbol string) (domain.SymbolMetadata, error) {
	if err := c.wait(ctx, "exchange info"); err != nil {
		return domain.SymbolMetadata{}, err
	}
	info, err := c.api.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		return domain.SymbolMetadata{}, c.fail(ctx, "exchange info "+symbol, err)
	}
	for _, s := range info.Symbols {
		if s.Symbol == symbol {
			return metadataFromFilters(s.Symbol, s.BaseAsset, s.QuoteAsset, s.Filters)
		}
	}
	return domain.SymbolMetadata{}, fmt.Errorf("binance: exchange info %s: %w", symbol, domain.ErrNotFound)
}

// PlaceOrder submits a MARKET or GTC LIMIT order.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderReport, error) {
	op := fmt.Sprintf("place %s %s %s", strings.ToLower(string(req.Type)), req.Side, req.Symbol)
	if err := c.wait(ctx, op); err != nil {
		return domain.OrderReport{}, err
	}

	svc := c.api.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(toSideType(req.Side)).
		Quantity(req.Qty.String()).
		NewOrderRespType(binance.NewOrderRespTypeFULL)
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	if req.Type == domain.OrderTypeLimit {
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(req.Price.String())
	} else {
		svc = svc.Type(binance.OrderTypeMarket)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return domain.OrderReport{}, c.fail(ctx, op, err)
	}
	report, err := fromCreateResponse(resp)
	if err != nil {
		// The order exists; callers fall back to the pre-trade price.
		c.logger.WarnContext(ctx, "order placed with an unparseable fill",
			slog.String("order_id", report.OrderID),
			slog.String("error", err.Error()),
		)
	}
	c.logger.InfoContext(ctx, "order placed",
		slog.String("symbol", report.Symbol),
		slog.String("order_id", report.OrderID),
		slog.String("side", string(report.Side)),
		slog.String("type", string(report.Type)),
		slog.String("status", string(report.Status)),
		slog.String("qty", req.Qty.String()),
	)
	return report, nil
}

// CancelOrder cancels an order by exchange id.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("binance: cancel %s: %w: bad order id %q", symbol, domain.ErrValidation, orderID)
	}
	if err := c.wait(ctx, "cancel order"); err != nil {
		return err
	}
	if _, err := c.api.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx); err != nil {
		return c.fail(ctx, "cancel order "+symbol+" "+orderID, err)
	}
	return nil
}

// GetOrder queries an order by exchange id.
func (c *Client) GetOrder(ctx context.Context, symbol, orderID string) (domain.OrderReport, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return domain.OrderReport{}, fmt.Errorf("binance: get order %s: %w: bad order id %q", symbol, domain.ErrValidation, orderID)
	}
	if err := c.wait(ctx, "get order"); err != nil {
		return domain.OrderReport{}, err
	}
	o, err := c.api.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return domain.OrderReport{}, c.fail(ctx, "get order "+symbol+" "+orderID, err)
	}
	return fromOrder(o)
}

// OpenOrders lists resting orders for symbol, or for every symbol when
// symbol is empty.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]domain.OrderReport, error) {
	if err := c.wait(ctx, "open orders"); err != nil {
		return nil, err
	}
	svc := c.api.NewListOpenOrdersService()
	if symbol != "" {
		svc = svc.Symbol(symbol)
	}
	orders, err := svc.Do(ctx)
	if err != nil {
		return nil, c.fail(ctx, "open orders", err)
	}

	out := make([]domain.OrderReport, 0, len(orders))
	for _, o := range orders {
		r, err := fromOrder(o)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// TradingSymbols lists symbols in TRADING status quoted in quoteAsset.
func (c *Client) TradingSymbols(ctx context.Context, quoteAsset string) ([]string, error) {
	if err := c.wait(ctx, "exchange info"); err != nil {
		return nil, err
	}
	info, err := c.api.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, c.fail(ctx, "exchange info", err)
	}

	var out []string
	for _, s := range info.Symbols {
		if s.QuoteAsset == quoteAsset && s.Status == "TRADING" {
			out = append(out, s.Symbol)
		}
	}
	return out, nil
}

// QuoteVolumes24h returns the rolling 24h quote volume of every symbol.
func (c *Client) QuoteVolumes24h(ctx context.Context) (map[string]decimal.Decimal, error) {
	if err := c.wait(ctx, "24hr ticker"); err != nil {
		return nil, err
	}
	stats, err := c.api.NewListPriceChangeStatsService().Do(ctx)
	if err != nil {
		return nil, c.fail(ctx, "24hr ticker", err)
	}

	out := make(map[string]decimal.Decimal, len(stats))
	for _, s := range stats {
		p := decimals{what: "24hr ticker " + s.Symbol}
		v := p.parse("quoteVolume", s.QuoteVolume)
		if p.err != nil {
			c.logger.WarnContext(ctx, "skipping 24hr volume", slog.String("error", p.err.Error()))
			continue
		}
		out[s.Symbol] = v
	}
	return out, nil
}

// Compile-time interface checks.
var (
	_ domain.Exchange       = (*Client)(nil)
	_ domain.MarketUniverse = (*Client)(nil)
)
