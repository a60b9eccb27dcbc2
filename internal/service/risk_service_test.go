package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dcabot/internal/cache/memory"
	"github.com/alanyoungcy/dcabot/internal/domain"
	"github.com/alanyoungcy/dcabot/internal/store/sqlite"
)

func TestEquity(t *testing.T) {
	balances := []domain.Balance{
		{Asset: "USDT", Free: dec("900"), Locked: dec("100")},
		{Asset: "BTC", Free: dec("0.02")},
	}
	tests := []struct {
		name      string
		positions []domain.Position
		marks     map[string]decimal.Decimal
		want      string
		wantErr   error
	}{
		{
			name: "longs at mark",
			positions: []domain.Position{
				{Symbol: "BTCUSDT", Side: domain.SideLong, Status: domain.PositionStatusOpen, BaseQty: dec("0.02")},
				{Symbol: "ETHUSDT", Side: domain.SideLong, Status: domain.PositionStatusOpen, BaseQty: dec("10")},
			},
			marks: map[string]decimal.Decimal{"BTCUSDT": dec("50000"), "ETHUSDT": dec("3000")},
			want:  "32000",
		},
		{
			name: "short adds unrealized pnl",
			positions: []domain.Position{
				{Symbol: "SOLUSDT", Side: domain.SideShort, Status: domain.PositionStatusOpen, BaseQty: dec("1"), AvgEntryPrice: dec("100")},
			},
			marks: map[string]decimal.Decimal{"SOLUSDT": dec("90")},
			want:  "1010",
		},
		{
			name: "pending positions are skipped",
			positions: []domain.Position{
				{Symbol: "BTCUSDT", Side: domain.SideLong, Status: domain.PositionStatusPending},
			},
			want: "1000",
		},
		{
			name: "missing mark",
			positions: []domain.Position{
				{Symbol: "BTCUSDT", Side: domain.SideLong, Status: domain.PositionStatusOpen, BaseQty: dec("1")},
			},
			wantErr: domain.ErrInsufficientData,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Equity("USDT", balances, tt.positions, tt.marks)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err=%v, expected %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Equity: %v", err)
			}
			if !got.Equal(dec(tt.want)) {
				t.Fatalf("equity=%s, expected %s", got, tt.want)
			}
		})
	}
}

func TestDrawdown(t *testing.T) {
	if got := Drawdown(dec("10000"), dec("8900")); !got.Equal(dec("11")) {
		t.Fatalf("drawdown=%s, expected 11", got)
	}
	if got := Drawdown(decimal.Zero, dec("5")); !got.IsZero() {
		t.Fatalf("drawdown=%s, expected 0 for empty start", got)
	}
}

// cashExchange reports a settable quote balance and nothing else.
type cashExchange struct {
	domain.Exchange

	mu   sync.Mutex
	cash decimal.Decimal
}

func (c *cashExchange) set(v string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cash = dec(v)
}

func (c *cashExchange) Balances(context.Context) ([]domain.Balance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return []domain.Balance{{Asset: "USDT", Free: c.cash}}, nil
}

func newTestGovernor(t *testing.T, ex domain.Exchange, snaps domain.EquitySnapshotStore, clock *time.Time) *RiskGovernor {
	t.Helper()
	db, err := sqlite.New(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	g := NewRiskGovernor(ex, sqlite.NewLedger(db), snaps, sqlite.NewAuditLog(db), nil, nil, testPolicy(),
		RiskConfig{QuoteAsset: "USDT", DailyLossLimitPercent: dec("10")}, testLogger())
	g.now = func() time.Time { return *clock }
	return g
}

func TestRiskGovernorHalt(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	ex := &cashExchange{}
	g := newTestGovernor(t, ex, memory.NewEquityStore(), &clock)

	ex.set("10000")
	st, err := g.Check(ctx)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if st.Halted || !st.StartEquity.Equal(dec("10000")) || st.Day != "2026-10-17" {
		t.Fatalf("status=%+v, expected day baseline 10000 and no halt", st)
	}

	ex.set("9500")
	if st, _ = g.Check(ctx); st.Halted {
		t.Fatalf("halted at %s%% drawdown", st.DrawdownPct)
	}

	ex.set("8900")
	st, _ = g.Check(ctx)
	if !st.Halted || !g.Status().Halted {
		t.Fatalf("status=%+v, expected halt at 11%% drawdown", st)
	}

	// Recovery within the day does not lift the halt.
	ex.set("9800")
	if st, _ = g.Check(ctx); !st.Halted {
		t.Fatalf("halt lifted intraday at %s", st.CurrentEquity)
	}

	clock = clock.Add(24 * time.Hour)
	st, err = g.Check(ctx)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if st.Halted || !st.StartEquity.Equal(dec("9800")) || st.Day != "2026-10-18" {
		t.Fatalf("status=%+v, expected new day baseline 9800 and no halt", st)
	}
}

func TestRiskGovernorLimitIsInclusive(t *testing.T) {
	tests := []struct {
		equity string
		halted bool
	}{
		{"9001", false},
		{"9000", true},
		{"8999.99", true},
	}
	for _, tt := range tests {
		t.Run(tt.equity, func(t *testing.T) {
			clock := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
			snaps := memory.NewEquityStore()
			_ = snaps.Save(context.Background(), domain.EquitySnapshot{Day: "2026-10-17", Equity: dec("10000"), TakenAt: clock})

			ex := &cashExchange{}
			ex.set(tt.equity)
			g := newTestGovernor(t, ex, snaps, &clock)

			st, err := g.Check(context.Background())
			if err != nil {
				t.Fatalf("Check: %v", err)
			}
			if !st.StartEquity.Equal(dec("10000")) {
				t.Fatalf("start=%s, expected the persisted 10000", st.StartEquity)
			}
			if st.Halted != tt.halted {
				t.Fatalf("halted=%v at %s, expected %v", st.Halted, tt.equity, tt.halted)
			}
		})
	}
}

func TestRiskGovernorValuesOpenPositions(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)
	if _, err := r.orch.Open(ctx, longSignal("ETHUSDT")); err != nil {
		t.Fatalf("Open: %v", err)
	}
	r.market.set("ETHUSDT", "1000")

	clock := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	g := NewRiskGovernor(r.paper, r.ledger, memory.NewEquityStore(), nil, nil, nil, testPolicy(),
		RiskConfig{QuoteAsset: "USDT"}, testLogger())
	g.now = func() time.Time { return clock }

	got, err := g.ComputeEquity(ctx)
	if err != nil {
		t.Fatalf("ComputeEquity: %v", err)
	}
	if !got.Equal(dec("950")) {
		t.Fatalf("equity=%s, expected 900 cash + 0.05*1000", got)
	}
}
