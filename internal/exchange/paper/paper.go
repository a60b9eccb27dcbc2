// Package paper simulates order execution against live market data for
// dry-run mode. Market data calls pass through to the wrapped source; orders,
// fills and balances live in memory and, with a state store, survive
// restarts.
//
// Longs are spot holdings: a market BUY spends quote and credits base, and a
// LIMIT SELL locks base until the mark crosses its price. A market SELL
// spends free base first. Shorts are margin-style: the rest of a SELL records
// a short without crediting proceeds, and a BUY (market or limit) realizes
// (avg - fill) * qty into the quote balance as it covers.
package paper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/alanyoungcy/dcabot/internal/domain"
	"github.com/shopspring/decimal"
)

// DefaultStateKey is the state store key used when Config.StateKey is empty.
const DefaultStateKey = "paper"

// doneRetention bounds how long finished orders stay queryable.
const doneRetention = 72 * time.Hour

// MarketData is the read-only subset of the exchange the simulator needs.
type MarketData interface {
	Tickers(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
	Klines(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Candle, error)
	SymbolFilters(ctx context.Context, symbol string) (domain.SymbolMetadata, error)
}

// Config configures the simulator.
type Config struct {
	QuoteAsset     string
	InitialBalance decimal.Decimal
	FeeRate        decimal.Decimal // fraction of notional, e.g. 0.001
	SlippageBps    decimal.Decimal // adverse slippage on market orders
	// State persists the simulator after every mutation. Optional.
	State    domain.StateStore
	StateKey string
}

type order struct {
	Report domain.OrderReport    `json:"report"`
	Meta   domain.SymbolMetadata `json:"meta"`
}

type short struct {
	Qty decimal.Decimal `json:"qty"`
	Avg decimal.Decimal `json:"avg"`
}

// snapshot is the persisted form of the simulator.
type snapshot struct {
	NextID   int64                     `json:"next_id"`
	Balances map[string]domain.Balance `json:"balances"`
	Shorts   map[string]short          `json:"shorts"`
	Orders   []order                   `json:"orders"`
	SavedAt  time.Time                 `json:"saved_at"`
}

// Exchange implements domain.Exchange in memory.
type Exchange struct {
	market MarketData
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	balances map[string]*domain.Balance
	shorts   map[string]*short
	orders   map[string]*order
	nextID   int64
}

// New creates a simulator funded with cfg.InitialBalance of the quote asset.
func New(market MarketData, cfg Config, logger *slog.Logger) *Exchange {
	if cfg.StateKey == "" {
		cfg.StateKey = DefaultStateKey
	}
	e := &Exchange{
		market:   market,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "paper")),
		now:      time.Now,
		balances: make(map[string]*domain.Balance),
		shorts:   make(map[string]*short),
		orders:   make(map[string]*order),
		nextID:   1,
	}
	e.balance(cfg.QuoteAsset).Free = cfg.InitialBalance
	return e
}

// Restore loads the last saved state. A missing snapshot keeps the initial
// funding.
func (e *Exchange) Restore(ctx context.Context) error {
	if e.cfg.State == nil {
		return nil
	}
	data, err := e.cfg.State.LoadState(ctx, e.cfg.StateKey)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("paper: restore: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("paper: restore: decode state: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.balances = make(map[string]*domain.Balance, len(snap.Balances))
	for asset, b := range snap.Balances {
		b.Asset = asset
		e.balances[asset] = &b
	}
	e.shorts = make(map[string]*short, len(snap.Shorts))
	for symbol, s := range snap.Shorts {
		e.shorts[symbol] = &s
	}
	e.orders = make(map[string]*order, len(snap.Orders))
	for i := range snap.Orders {
		o := snap.Orders[i]
		e.orders[o.Report.OrderID] = &o
	}
	e.nextID = max(snap.NextID, 1)
	e.logger.InfoContext(ctx, "paper state restored",
		slog.Int("orders", len(e.orders)),
		slog.Int("shorts", len(e.shorts)),
		slog.Time("saved_at", snap.SavedAt),
	)
	return nil
}

// persist saves the current state. Caller holds e.mu; failures are logged
// and the in-memory state stays authoritative.
func (e *Exchange) persist(ctx context.Context) {
	if e.cfg.State == nil {
		return
	}
	now := e.now()
	snap := snapshot{
		NextID:   e.nextID,
		Balances: make(map[string]domain.Balance, len(e.balances)),
		Shorts:   make(map[string]short, len(e.shorts)),
		SavedAt:  now.UTC(),
	}
	for asset, b := range e.balances {
		snap.Balances[asset] = *b
	}
	for symbol, s := range e.shorts {
		snap.Shorts[symbol] = *s
	}
	for id, o := range e.orders {
		if !o.Report.Status.IsLive() && now.Sub(o.Report.UpdatedAt) > doneRetention {
			delete(e.orders, id)
			continue
		}
		snap.Orders = append(snap.Orders, *o)
	}

	data, err := json.Marshal(snap)
	if err == nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		err = e.cfg.State.SaveState(sctx, e.cfg.StateKey, data)
		cancel()
	}
	if err != nil {
		e.logger.WarnContext(ctx, "paper state save failed", slog.String("error", err.Error()))
	}
}

func (e *Exchange) balance(asset string) *domain.Balance {
	b, ok := e.balances[asset]
	if !ok {
		b = &domain.Balance{Asset: asset}
		e.balances[asset] = b
	}
	return b
}

// Tickers passes through to the market data source.
func (e *Exchange) Tickers(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	return e.market.Tickers(ctx, symbols)
}

// Klines passes through to the market data source.
func (e *Exchange) Klines(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Candle, error) {
	return e.market.Klines(ctx, symbol, timeframe, limit)
}

// SymbolFilters passes through to the market data source.
func (e *Exchange) SymbolFilters(ctx context.Context, symbol string) (domain.SymbolMetadata, error) {
	return e.market.SymbolFilters(ctx, symbol)
}

// Balances settles crossed limit orders and returns non-zero balances.
func (e *Exchange) Balances(ctx context.Context) ([]domain.Balance, error) {
	if err := e.sweep(ctx); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]domain.Balance, 0, len(e.balances))
	for _, b := range e.balances {
		if b.Total().IsZero() && b.Asset != e.cfg.QuoteAsset {
			continue
		}
		out = append(out, *b)
	}
	return out, nil
}

// PlaceOrder fills market orders immediately at the ticker price (with
// slippage) and rests limit orders until the mark crosses them.
func (e *Exchange) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderReport, error) {
	meta, err := e.market.SymbolFilters(ctx, req.Symbol)
	if err != nil {
		return domain.OrderReport{}, err
	}
	var mark decimal.Decimal
	if req.Type == domain.OrderTypeMarket {
		prices, err := e.market.Tickers(ctx, []string{req.Symbol})
		if err != nil {
			return domain.OrderReport{}, err
		}
		p, ok := prices[req.Symbol]
		if !ok || !p.IsPositive() {
			return domain.OrderReport{}, fmt.Errorf("paper: no price for %s: %w", req.Symbol, domain.ErrTransient)
		}
		mark = p
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if req.ClientOrderID != "" {
		for _, o := range e.orders {
			if o.Report.ClientOrderID == req.ClientOrderID && o.Report.Status.IsLive() {
				return domain.OrderReport{}, fmt.Errorf("paper: duplicate client order id %s: %w", req.ClientOrderID, domain.ErrOrderRejected)
			}
		}
	}

	o := &order{
		Meta: meta,
		Report: domain.OrderReport{
			OrderID:       strconv.FormatInt(e.nextID, 10),
			ClientOrderID: req.ClientOrderID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Type:          req.Type,
			Status:        domain.OrderStatusNew,
			Price:         req.Price,
			OrigQty:       req.Qty,
			UpdatedAt:     e.now(),
		},
	}

	if req.Type == domain.OrderTypeMarket {
		if err := e.fillMarket(o, mark); err != nil {
			return domain.OrderReport{}, err
		}
	} else if req.Side == domain.OrderSideSell {
		base := e.balance(meta.BaseAsset)
		if base.Free.LessThan(req.Qty) {
			return domain.OrderReport{}, fmt.Errorf("paper: sell %s %s: insufficient %s: %w",
				req.Qty, req.Symbol, meta.BaseAsset, domain.ErrOrderRejected)
		}
		base.Free = base.Free.Sub(req.Qty)
		base.Locked = base.Locked.Add(req.Qty)
	}

	e.nextID++
	e.orders[o.Report.OrderID] = o
	e.persist(ctx)
	e.logger.InfoContext(ctx, "paper order placed",
		slog.String("symbol", req.Symbol),
		slog.String("order_id", o.Report.OrderID),
		slog.String("side", string(req.Side)),
		slog.String("type", string(req.Type)),
		slog.String("status", string(o.Report.Status)),
	)
	return o.Report, nil
}

func (e *Exchange) slipped(mark decimal.Decimal, side domain.OrderSide) decimal.Decimal {
	if !e.cfg.SlippageBps.IsPositive() {
		return mark
	}
	frac := e.cfg.SlippageBps.Div(decimal.NewFromInt(10000))
	if side == domain.OrderSideBuy {
		return mark.Mul(decimal.NewFromInt(1).Add(frac))
	}
	return mark.Mul(decimal.NewFromInt(1).Sub(frac))
}

// fillMarket executes a market order. Caller holds e.mu.
func (e *Exchange) fillMarket(o *order, mark decimal.Decimal) error {
	price := e.slipped(mark, o.Report.Side)
	qty := o.Report.OrigQty
	notional := qty.Mul(price)
	fee := notional.Mul(e.cfg.FeeRate)
	quote := e.balance(o.Meta.QuoteAsset)

	if o.Report.Side == domain.OrderSideBuy {
		spend := qty
		if s, ok := e.shorts[o.Report.Symbol]; ok {
			spend = decimal.Max(qty.Sub(s.Qty), decimal.Zero)
		}
		if quote.Free.LessThan(spend.Mul(price).Add(fee)) {
			return fmt.Errorf("paper: buy %s %s: insufficient %s: %w",
				qty, o.Report.Symbol, o.Meta.QuoteAsset, domain.ErrOrderRejected)
		}
		e.buy(o, qty, price, fee)
	} else {
		base := e.balance(o.Meta.BaseAsset)
		sold := decimal.Min(qty, base.Free)
		if quote.Free.Add(sold.Mul(price)).LessThan(fee) {
			return fmt.Errorf("paper: sell %s %s: insufficient %s for fee: %w",
				qty, o.Report.Symbol, o.Meta.QuoteAsset, domain.ErrOrderRejected)
		}
		base.Free = base.Free.Sub(sold)
		quote.Free = quote.Free.Add(sold.Mul(price)).Sub(fee)
		if rest := qty.Sub(sold); rest.IsPositive() {
			s, ok := e.shorts[o.Report.Symbol]
			if !ok {
				s = &short{}
				e.shorts[o.Report.Symbol] = s
			}
			total := s.Qty.Add(rest)
			s.Avg = s.Avg.Mul(s.Qty).Add(price.Mul(rest)).Div(total)
			s.Qty = total
		}
	}

	o.Report.Status = domain.OrderStatusFilled
	o.Report.ExecutedQty = qty
	o.Report.QuoteQty = notional
	o.Report.UpdatedAt = e.now()
	return nil
}

// fillLimit settles a crossed limit order at its limit price. Caller holds e.mu.
func (e *Exchange) fillLimit(o *order) {
	qty := o.Report.OrigQty
	price := o.Report.Price
	notional := qty.Mul(price)
	fee := notional.Mul(e.cfg.FeeRate)
	quote := e.balance(o.Meta.QuoteAsset)

	if o.Report.Side == domain.OrderSideSell {
		base := e.balance(o.Meta.BaseAsset)
		base.Locked = base.Locked.Sub(qty)
		quote.Free = quote.Free.Add(notional.Sub(fee))
	} else {
		e.buy(o, qty, price, fee)
	}

	o.Report.Status = domain.OrderStatusFilled
	o.Report.ExecutedQty = qty
	o.Report.QuoteQty = notional
	o.Report.UpdatedAt = e.now()
}

// buy settles a BUY fill: it covers an open short first, realizing
// (avg - price) per unit, and buys base with quote for the rest. Caller holds
// e.mu.
func (e *Exchange) buy(o *order, qty, price, fee decimal.Decimal) {
	quote := e.balance(o.Meta.QuoteAsset)
	quote.Free = quote.Free.Sub(fee)
	rest := qty
	if s, ok := e.shorts[o.Report.Symbol]; ok {
		covered := decimal.Min(qty, s.Qty)
		quote.Free = quote.Free.Add(s.Avg.Sub(price).Mul(covered))
		s.Qty = s.Qty.Sub(covered)
		if !s.Qty.IsPositive() {
			delete(e.shorts, o.Report.Symbol)
		}
		rest = qty.Sub(covered)
	}
	if rest.IsPositive() {
		quote.Free = quote.Free.Sub(rest.Mul(price))
		base := e.balance(o.Meta.BaseAsset)
		base.Free = base.Free.Add(rest)
	}
}

// sweep fills every resting limit order the current mark has crossed.
func (e *Exchange) sweep(ctx context.Context) error {
	e.mu.Lock()
	var symbols []string
	seen := make(map[string]struct{})
	for _, o := range e.orders {
		if o.Report.Type != domain.OrderTypeLimit || !o.Report.Status.IsLive() {
			continue
		}
		if _, ok := seen[o.Report.Symbol]; !ok {
			seen[o.Report.Symbol] = struct{}{}
			symbols = append(symbols, o.Report.Symbol)
		}
	}
	e.mu.Unlock()
	if len(symbols) == 0 {
		return nil
	}

	prices, err := e.market.Tickers(ctx, symbols)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	filled := false
	for _, o := range e.orders {
		if o.Report.Type != domain.OrderTypeLimit || !o.Report.Status.IsLive() {
			continue
		}
		mark, ok := prices[o.Report.Symbol]
		if !ok {
			continue
		}
		crossed := (o.Report.Side == domain.OrderSideSell && mark.GreaterThanOrEqual(o.Report.Price)) ||
			(o.Report.Side == domain.OrderSideBuy && mark.LessThanOrEqual(o.Report.Price))
		if crossed {
			e.fillLimit(o)
			filled = true
			e.logger.InfoContext(ctx, "paper limit order filled",
				slog.String("symbol", o.Report.Symbol),
				slog.String("order_id", o.Report.OrderID),
				slog.String("price", o.Report.Price.String()),
			)
		}
	}
	if filled {
		e.persist(ctx)
	}
	return nil
}

// CancelOrder cancels a live order and releases any locked balance.
func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[orderID]
	if !ok || o.Report.Symbol != symbol {
		return fmt.Errorf("paper: cancel %s %s: %w", symbol, orderID, domain.ErrNotFound)
	}
	if !o.Report.Status.IsLive() {
		return fmt.Errorf("paper: cancel %s %s: order is %s: %w", symbol, orderID, o.Report.Status, domain.ErrNotFound)
	}
	if o.Report.Side == domain.OrderSideSell && o.Report.Type == domain.OrderTypeLimit {
		base := e.balance(o.Meta.BaseAsset)
		base.Locked = base.Locked.Sub(o.Report.OrigQty)
		base.Free = base.Free.Add(o.Report.OrigQty)
	}
	o.Report.Status = domain.OrderStatusCanceled
	o.Report.UpdatedAt = e.now()
	e.persist(ctx)
	return nil
}

// GetOrder settles crossed limit orders and returns the order.
func (e *Exchange) GetOrder(ctx context.Context, symbol, orderID string) (domain.OrderReport, error) {
	if err := e.sweep(ctx); err != nil {
		return domain.OrderReport{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[orderID]
	if !ok || o.Report.Symbol != symbol {
		return domain.OrderReport{}, fmt.Errorf("paper: get order %s %s: %w", symbol, orderID, domain.ErrNotFound)
	}
	return o.Report, nil
}

// OpenOrders lists live orders for symbol, or every symbol when empty.
func (e *Exchange) OpenOrders(ctx context.Context, symbol string) ([]domain.OrderReport, error) {
	if err := e.sweep(ctx); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []domain.OrderReport
	for _, o := range e.orders {
		if !o.Report.Status.IsLive() {
			continue
		}
		if symbol != "" && o.Report.Symbol != symbol {
			continue
		}
		out = append(out, o.Report)
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.Exchange = (*Exchange)(nil)
