package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dcabot/internal/domain"
	"github.com/alanyoungcy/dcabot/internal/exchange/paper"
	"github.com/alanyoungcy/dcabot/internal/guard"
	"github.com/alanyoungcy/dcabot/internal/retry"
	"github.com/alanyoungcy/dcabot/internal/store/sqlite"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = 2
	p.CallTimeout = 0
	return p.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() })
}

// fakeMarket serves settable prices and fixed symbol filters.
type fakeMarket struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{prices: make(map[string]decimal.Decimal)}
}

func (m *fakeMarket) set(symbol, price string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = dec(price)
}

func (m *fakeMarket) Tickers(_ context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(symbols))
	for _, s := range symbols {
		if p, ok := m.prices[s]; ok {
			out[s] = p
		}
	}
	return out, nil
}

func (m *fakeMarket) Klines(context.Context, string, string, int) ([]domain.Candle, error) {
	return nil, nil
}

func (m *fakeMarket) SymbolFilters(_ context.Context, symbol string) (domain.SymbolMetadata, error) {
	base := symbol[:len(symbol)-4]
	return domain.SymbolMetadata{
		Symbol:      symbol,
		BaseAsset:   base,
		QuoteAsset:  "USDT",
		StepSize:    dec("0.0001"),
		TickSize:    dec("0.01"),
		MinQty:      dec("0.0001"),
		MinNotional: dec("5"),
	}, nil
}

// flakyExchange fails a configured number of order placements and cancels,
// and can hide market fills from the placement report and early polls.
type flakyExchange struct {
	domain.Exchange

	mu         sync.Mutex
	failLimit  int
	failMarket int
	failCancel int
	placed     []domain.OrderRequest

	// beforeMarket runs before a market order reaches the venue.
	beforeMarket func()
	maskFills    bool
	maskPolls    int
	polls        int
	masked       map[string]bool
}

func (f *flakyExchange) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderReport, error) {
	f.mu.Lock()
	f.placed = append(f.placed, req)
	if req.Type == domain.OrderTypeLimit && f.failLimit > 0 {
		f.failLimit--
		f.mu.Unlock()
		return domain.OrderReport{}, fmt.Errorf("fake: limit %s: %w", req.Symbol, domain.ErrOrderRejected)
	}
	if req.Type == domain.OrderTypeMarket && f.failMarket > 0 {
		f.failMarket--
		f.mu.Unlock()
		return domain.OrderReport{}, fmt.Errorf("fake: market %s: %w", req.Symbol, domain.ErrOrderRejected)
	}
	hook := f.beforeMarket
	f.mu.Unlock()

	if req.Type == domain.OrderTypeMarket && hook != nil {
		hook()
	}
	report, err := f.Exchange.PlaceOrder(ctx, req)
	if err != nil || req.Type != domain.OrderTypeMarket {
		return report, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.maskFills {
		if f.masked == nil {
			f.masked = make(map[string]bool)
		}
		f.masked[report.OrderID] = true
		report = unfilled(report)
	}
	return report, nil
}

func (f *flakyExchange) GetOrder(ctx context.Context, symbol, orderID string) (domain.OrderReport, error) {
	report, err := f.Exchange.GetOrder(ctx, symbol, orderID)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil && f.masked[orderID] {
		f.polls++
		if f.polls <= f.maskPolls {
			report = unfilled(report)
		}
	}
	return report, err
}

func (f *flakyExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	f.mu.Lock()
	if f.failCancel > 0 {
		f.failCancel--
		f.mu.Unlock()
		return fmt.Errorf("fake: cancel %s %s: %w", symbol, orderID, domain.ErrTransient)
	}
	f.mu.Unlock()
	return f.Exchange.CancelOrder(ctx, symbol, orderID)
}

func unfilled(r domain.OrderReport) domain.OrderReport {
	r.Status = domain.OrderStatusNew
	r.ExecutedQty = decimal.Zero
	r.QuoteQty = decimal.Zero
	return r
}

// placedOf returns the placed requests of the given type.
func (f *flakyExchange) placedOf(typ domain.OrderType) []domain.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.OrderRequest
	for _, req := range f.placed {
		if req.Type == typ {
			out = append(out, req)
		}
	}
	return out
}

func (f *flakyExchange) failNextLimits(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failLimit = n
}

type rig struct {
	market *fakeMarket
	paper  *paper.Exchange
	ex     *flakyExchange
	ledger *sqlite.Ledger
	audit  *sqlite.AuditLog
	orch   *Orchestrator
}

func defaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		QuoteAsset:          "USDT",
		PositionSizePercent: dec("10"),
		TakeProfit:          dec("0.015"),
		DCAThresholdLong:    dec("5"),
		DCAThresholdShort:   dec("5"),
		MaxAverages:         2,
		DCAScales:           []decimal.Decimal{dec("1"), dec("2")},
		FillPollAttempts:    2,
	}
}

func newRig(t *testing.T, mutate func(*OrchestratorConfig)) *rig {
	t.Helper()
	ctx := context.Background()

	market := newFakeMarket()
	market.set("ETHUSDT", "2000")
	px := paper.New(market, paper.Config{QuoteAsset: "USDT", InitialBalance: dec("1000")}, testLogger())
	ex := &flakyExchange{Exchange: px}

	db, err := sqlite.New(ctx, ":memory:")
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ledger := sqlite.NewLedger(db)
	audit := sqlite.NewAuditLog(db)

	cfg := defaultOrchestratorConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	orch, err := NewOrchestrator(OrchestratorDeps{
		Exchange: ex,
		Ledger:   ledger,
		Audit:    audit,
		Guard:    guard.New(),
		Policy:   testPolicy(),
		Logger:   testLogger(),
	}, cfg)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return &rig{market: market, paper: px, ex: ex, ledger: ledger, audit: audit, orch: orch}
}

func longSignal(symbol string) domain.Signal {
	return domain.Signal{
		Symbol:     symbol,
		Side:       domain.SideLong,
		CandleTime: time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC),
		Open:       dec("100"),
		Close:      dec("95"),
		ChangePct:  dec("-5"),
		MA:         dec("105"),
	}
}

func quoteFree(t *testing.T, ex domain.Exchange) decimal.Decimal {
	t.Helper()
	balances, err := ex.Balances(context.Background())
	if err != nil {
		t.Fatalf("Balances: %v", err)
	}
	for _, b := range balances {
		if b.Asset == "USDT" {
			return b.Free
		}
	}
	return decimal.Zero
}
