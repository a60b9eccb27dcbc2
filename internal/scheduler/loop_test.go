package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dcabot/internal/domain"
	"github.com/alanyoungcy/dcabot/internal/service"
)

type fakeTrader struct {
	mu        sync.Mutex
	opened    []string
	monitored []string
	openErr   error
	panicOn   string
}

func (f *fakeTrader) Open(_ context.Context, sig domain.Signal) (domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, sig.Symbol)
	if f.openErr != nil {
		return domain.Position{}, f.openErr
	}
	return domain.Position{Symbol: sig.Symbol, Side: sig.Side, Status: domain.PositionStatusOpen}, nil
}

func (f *fakeTrader) Monitor(_ context.Context, pos domain.Position, _ decimal.Decimal) (domain.Position, error) {
	if pos.Symbol == f.panicOn {
		panic("boom")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.monitored = append(f.monitored, pos.Symbol)
	return pos, nil
}

type fakeRisk struct {
	halted bool
	err    error
}

func (f *fakeRisk) Check(context.Context) (service.RiskStatus, error) {
	return service.RiskStatus{Halted: f.halted}, f.err
}

type fakeReconciler struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeReconciler) Reconcile(context.Context) (*service.ReconcileReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return &service.ReconcileReport{}, nil
}

// fireAll signals a LONG entry on every symbol for the same candle.
type fireAll struct{}

func (fireAll) EvaluateEntry(_ context.Context, symbol string) (domain.Signal, bool) {
	return domain.Signal{
		Symbol:     symbol,
		Side:       domain.SideLong,
		CandleTime: time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC),
	}, true
}

type staticUniverse []string

func (u staticUniverse) Symbols(context.Context) ([]string, error) {
	return u, nil
}

type panicUniverse struct{}

func (panicUniverse) Symbols(context.Context) ([]string, error) {
	panic("universe exploded")
}

type staticPositions []domain.Position

func (p staticPositions) GetOpen(context.Context) ([]domain.Position, error) {
	return p, nil
}

type balanceStub struct{ err error }

func (p balanceStub) Balances(context.Context) ([]domain.Balance, error) {
	return nil, p.err
}

func testDeps(trader *fakeTrader, positions staticPositions) Deps {
	return Deps{
		Trader:    trader,
		Risk:      &fakeRisk{},
		Evaluator: fireAll{},
		Universe:  staticUniverse{"BTCUSDT", "ETHUSDT", "SOLUSDT", "XRPUSDT"},
		Positions: positions,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestCycleOpensUpToFreeSlots(t *testing.T) {
	trader := &fakeTrader{}
	held := staticPositions{{ID: "p1", Symbol: "BTCUSDT", Side: domain.SideLong, Status: domain.PositionStatusOpen}}
	l := New(testDeps(trader, held), Config{MaxPositions: 3, Workers: 2})

	if err := l.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(trader.monitored) != 1 || trader.monitored[0] != "BTCUSDT" {
		t.Fatalf("monitored=%v, expected [BTCUSDT]", trader.monitored)
	}
	want := []string{"ETHUSDT", "SOLUSDT"}
	if fmt.Sprint(trader.opened) != fmt.Sprint(want) {
		t.Fatalf("opened=%v, expected %v", trader.opened, want)
	}
}

func TestCycleHaltSkipsEntries(t *testing.T) {
	tests := []struct {
		name string
		risk *fakeRisk
	}{
		{"halted", &fakeRisk{halted: true}},
		{"risk unavailable", &fakeRisk{err: domain.ErrInsufficientData}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trader := &fakeTrader{}
			held := staticPositions{{ID: "p1", Symbol: "BTCUSDT", Status: domain.PositionStatusOpen}}
			deps := testDeps(trader, held)
			deps.Risk = tt.risk
			l := New(deps, Config{MaxPositions: 5})

			if err := l.Cycle(context.Background()); err != nil {
				t.Fatalf("Cycle: %v", err)
			}
			if len(trader.opened) != 0 {
				t.Fatalf("opened=%v, expected no entries", trader.opened)
			}
			if len(trader.monitored) != 1 {
				t.Fatalf("monitored=%v, expected monitoring to continue", trader.monitored)
			}
		})
	}
}

func TestCycleSignalFiresOncePerCandle(t *testing.T) {
	trader := &fakeTrader{openErr: fmt.Errorf("size: %w", domain.ErrValidation)}
	deps := testDeps(trader, nil)
	deps.Universe = staticUniverse{"ETHUSDT"}
	l := New(deps, Config{MaxPositions: 5})

	for i := 0; i < 3; i++ {
		if err := l.Cycle(context.Background()); err != nil {
			t.Fatalf("Cycle: %v", err)
		}
	}
	if len(trader.opened) != 1 {
		t.Fatalf("open attempts=%d, expected 1 for the same candle", len(trader.opened))
	}
}

func TestCyclePerSideCap(t *testing.T) {
	trader := &fakeTrader{}
	held := staticPositions{{ID: "p1", Symbol: "BTCUSDT", Side: domain.SideLong, Status: domain.PositionStatusOpen}}
	l := New(testDeps(trader, held), Config{MaxPositions: 10, MaxLongs: 2})

	if err := l.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if len(trader.opened) != 1 {
		t.Fatalf("opened=%v, expected one more long under the cap", trader.opened)
	}
}

func TestCycleRecoversPanics(t *testing.T) {
	trader := &fakeTrader{panicOn: "BTCUSDT"}
	held := staticPositions{
		{ID: "p1", Symbol: "BTCUSDT", Status: domain.PositionStatusOpen},
		{ID: "p2", Symbol: "ETHUSDT", Status: domain.PositionStatusOpen},
	}
	deps := testDeps(trader, held)
	deps.Universe = panicUniverse{}
	l := New(deps, Config{MaxPositions: 5})

	err := l.Cycle(context.Background())
	if err == nil {
		t.Fatal("expected the universe panic to surface as an error")
	}
	if len(trader.monitored) != 1 || trader.monitored[0] != "ETHUSDT" {
		t.Fatalf("monitored=%v, expected ETHUSDT despite the BTCUSDT panic", trader.monitored)
	}
}

func TestCycleReconcilesEveryN(t *testing.T) {
	rec := &fakeReconciler{}
	deps := testDeps(&fakeTrader{}, nil)
	deps.Reconciler = rec
	l := New(deps, Config{MaxPositions: 0, ReconcileEvery: 2})

	for i := 0; i < 5; i++ {
		if err := l.Cycle(context.Background()); err != nil {
			t.Fatalf("Cycle: %v", err)
		}
	}
	if rec.calls != 2 {
		t.Fatalf("reconciles=%d, expected 2 in 5 cycles", rec.calls)
	}
}

func TestStartup(t *testing.T) {
	tests := []struct {
		name       string
		balanceErr error
		wantErr    error
		reconciled int
	}{
		{"ok", nil, nil, 1},
		{"unauthorized", domain.ErrUnauthorized, domain.ErrUnauthorized, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &fakeReconciler{}
			deps := testDeps(&fakeTrader{}, nil)
			deps.Reconciler = rec
			deps.Account = balanceStub{err: tt.balanceErr}
			l := New(deps, Config{})

			err := l.Startup(context.Background())
			if !errors.Is(err, tt.wantErr) || (tt.wantErr == nil && err != nil) {
				t.Fatalf("err=%v, expected %v", err, tt.wantErr)
			}
			if rec.calls != tt.reconciled {
				t.Fatalf("reconciles=%d, expected %d", rec.calls, tt.reconciled)
			}
		})
	}
}

func TestRunBacksOffAndStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps := testDeps(&fakeTrader{}, nil)
	deps.Universe = panicUniverse{}
	l := New(deps, Config{MaxPositions: 1, ScanInterval: time.Minute, ErrorBackoff: 5 * time.Minute})

	var delays []time.Duration
	l.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		if len(delays) == 2 {
			cancel()
			return ctx.Err()
		}
		return nil
	}

	if err := l.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err=%v, expected context.Canceled", err)
	}
	if len(delays) != 2 || delays[0] != 5*time.Minute {
		t.Fatalf("delays=%v, expected error backoff after failed cycles", delays)
	}
}
