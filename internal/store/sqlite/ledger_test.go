package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dcabot/internal/domain"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestLedgerLifecycle(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(newTestClient(t))

	p, err := l.CreatePending(ctx, "ETHUSDT", domain.SideLong)
	if err != nil {
		t.Fatalf("CreatePending: %v", err)
	}
	if p.Status != domain.PositionStatusPending {
		t.Fatalf("status=%s, expected PENDING", p.Status)
	}

	if _, err := l.CreatePending(ctx, "ETHUSDT", domain.SideLong); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("duplicate CreatePending err=%v, expected ErrAlreadyExists", err)
	}

	err = l.Confirm(ctx, p.ID, domain.Confirmation{
		AvgEntryPrice:  dec("2000"),
		BaseQty:        dec("0.05"),
		QuoteSpent:     dec("100"),
		InitialQty:     dec("0.05"),
		TakeProfit:     &domain.TakeProfitRef{OrderID: "42", Price: dec("2020")},
		ExpectDCACount: 0,
	})
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	got, err := l.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.PositionStatusOpen {
		t.Fatalf("status=%s, expected OPEN", got.Status)
	}
	if !got.AvgEntryPrice.Equal(dec("2000")) || !got.BaseQty.Equal(dec("0.05")) {
		t.Fatalf("avg=%s qty=%s, expected 2000 / 0.05", got.AvgEntryPrice, got.BaseQty)
	}
	if got.TakeProfitOrderID != "42" || !got.TakeProfitPrice.Equal(dec("2020")) {
		t.Fatalf("tp=%s@%s, expected 42@2020", got.TakeProfitOrderID, got.TakeProfitPrice)
	}

	// averaging step with a stale dca count is refused
	stale := domain.Confirmation{
		AvgEntryPrice:  dec("1950"),
		BaseQty:        dec("0.1"),
		QuoteSpent:     dec("195"),
		DCACount:       1,
		InitialQty:     dec("99"),
		ExpectDCACount: 3,
	}
	if err := l.Confirm(ctx, p.ID, stale); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("stale Confirm err=%v, expected ErrInvalidTransition", err)
	}

	stale.ExpectDCACount = 0
	if err := l.Confirm(ctx, p.ID, stale); err != nil {
		t.Fatalf("DCA Confirm: %v", err)
	}
	got, _ = l.Get(ctx, p.ID)
	if got.DCACount != 1 || !got.AvgEntryPrice.Equal(dec("1950")) {
		t.Fatalf("dca=%d avg=%s, expected 1 / 1950", got.DCACount, got.AvgEntryPrice)
	}
	if !got.InitialQty.Equal(dec("0.05")) {
		t.Fatalf("initial=%s, expected 0.05 to survive re-confirm", got.InitialQty)
	}
	if got.TakeProfitOrderID != "42" {
		t.Fatalf("tp=%q, expected untouched when no ref given", got.TakeProfitOrderID)
	}

	if err := l.SetTakeProfit(ctx, p.ID, nil); err != nil {
		t.Fatalf("SetTakeProfit(nil): %v", err)
	}
	got, _ = l.Get(ctx, p.ID)
	if got.HasTakeProfit() {
		t.Fatalf("tp=%q, expected cleared", got.TakeProfitOrderID)
	}

	open, err := l.GetOpen(ctx)
	if err != nil || len(open) != 1 {
		t.Fatalf("GetOpen len=%d err=%v, expected 1", len(open), err)
	}

	if err := l.Close(ctx, p.ID, domain.PositionStatusClosedProfit); err != nil {
		t.Fatalf("Close: %v", err)
	}
	got, _ = l.Get(ctx, p.ID)
	if got.Status != domain.PositionStatusClosedProfit || got.ClosedAt == nil {
		t.Fatalf("status=%s closedAt=%v, expected CLOSED_PROFIT with timestamp", got.Status, got.ClosedAt)
	}

	if err := l.Confirm(ctx, p.ID, stale); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("Confirm after close err=%v, expected ErrInvalidTransition", err)
	}

	// the symbol is free again once the position is terminal
	if _, err := l.CreatePending(ctx, "ETHUSDT", domain.SideShort); err != nil {
		t.Fatalf("CreatePending after close: %v", err)
	}
}

func TestLedgerCloseTransitions(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(newTestClient(t))

	tests := []struct {
		name    string
		confirm bool
		status  domain.PositionStatus
		wantErr error
	}{
		{"pending aborted", false, domain.PositionStatusClosedAborted, nil},
		{"pending profit", false, domain.PositionStatusClosedProfit, domain.ErrInvalidTransition},
		{"open profit", true, domain.PositionStatusClosedProfit, nil},
		{"open aborted", true, domain.PositionStatusClosedAborted, nil},
		{"open to pending", true, domain.PositionStatusPending, domain.ErrInvalidTransition},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			symbol := "SYM" + string(rune('A'+i)) + "USDT"
			p, err := l.CreatePending(ctx, symbol, domain.SideLong)
			if err != nil {
				t.Fatalf("CreatePending: %v", err)
			}
			if tt.confirm {
				err := l.Confirm(ctx, p.ID, domain.Confirmation{
					AvgEntryPrice: dec("1"), BaseQty: dec("1"), QuoteSpent: dec("1"),
					InitialQty: dec("1"), ExpectDCACount: -1,
				})
				if err != nil {
					t.Fatalf("Confirm: %v", err)
				}
			}
			err = l.Close(ctx, p.ID, tt.status)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Close err=%v, expected nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Close err=%v, expected %v", err, tt.wantErr)
			}
		})
	}

	if err := l.Close(ctx, "missing", domain.PositionStatusClosedAborted); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Close missing err=%v, expected ErrNotFound", err)
	}
	if _, err := l.Get(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get missing err=%v, expected ErrNotFound", err)
	}
}

func TestLedgerOrders(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(newTestClient(t))

	p, err := l.CreatePending(ctx, "BTCUSDT", domain.SideLong)
	if err != nil {
		t.Fatalf("CreatePending: %v", err)
	}

	recs := []domain.OrderRecord{
		{PositionID: p.ID, OrderID: "1", ClientOrderID: domain.ClientOrderID(p.ID, domain.ClientOrderEntry, 0),
			Symbol: "BTCUSDT", Kind: domain.OrderKindEntry, Side: domain.OrderSideBuy,
			Price: dec("50000"), Qty: dec("0.002"), Status: domain.OrderStatusFilled},
		{PositionID: p.ID, OrderID: "2", ClientOrderID: domain.ClientOrderID(p.ID, domain.ClientOrderTakeProfit, 0),
			Symbol: "BTCUSDT", Kind: domain.OrderKindTakeProfit, Side: domain.OrderSideSell,
			Price: dec("50500"), Qty: dec("0.002"), Status: domain.OrderStatusNew},
	}
	for _, r := range recs {
		if err := l.RecordOrder(ctx, r); err != nil {
			t.Fatalf("RecordOrder: %v", err)
		}
	}

	got, err := l.Orders(ctx, p.ID)
	if err != nil {
		t.Fatalf("Orders: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len=%d, expected 2", len(got))
	}
	if got[0].Kind != domain.OrderKindEntry || got[1].Kind != domain.OrderKindTakeProfit {
		t.Fatalf("kinds=%s,%s, expected ENTRY,TAKE_PROFIT", got[0].Kind, got[1].Kind)
	}
	if !got[1].Price.Equal(dec("50500")) {
		t.Fatalf("price=%s, expected 50500", got[1].Price)
	}
}

func TestAuditLog(t *testing.T) {
	ctx := context.Background()
	a := NewAuditLog(newTestClient(t))

	if err := a.Log(ctx, "position_opened", map[string]any{"symbol": "ETHUSDT"}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if err := a.Log(ctx, "risk_halt", nil); err != nil {
		t.Fatalf("Log: %v", err)
	}

	entries, err := a.List(ctx, domain.ListOpts{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len=%d, expected 2", len(entries))
	}
	if entries[0].Event != "risk_halt" {
		t.Fatalf("first=%s, expected newest first", entries[0].Event)
	}
	if entries[1].Detail["symbol"] != "ETHUSDT" {
		t.Fatalf("detail=%v, expected symbol ETHUSDT", entries[1].Detail)
	}

	limited, err := a.List(ctx, domain.ListOpts{Limit: 1})
	if err != nil || len(limited) != 1 {
		t.Fatalf("limited len=%d err=%v, expected 1", len(limited), err)
	}
	if entries[1].Symbol != "ETHUSDT" || entries[1].PositionID != "" {
		t.Fatalf("subject=%q/%q, expected ETHUSDT without a position", entries[1].Symbol, entries[1].PositionID)
	}
}

func TestAuditLogByPosition(t *testing.T) {
	ctx := context.Background()
	a := NewAuditLog(newTestClient(t))

	events := []struct {
		event string
		id    string
	}{
		{"position.opened", "p1"},
		{"position.opened", "p2"},
		{"position.averaged", "p1"},
		{"alert.order_error", "p2"},
		{"position.closed", "p1"},
	}
	for _, e := range events {
		if err := a.Log(ctx, e.event, map[string]any{"position_id": e.id, "symbol": "ETHUSDT"}); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	got, err := a.List(ctx, domain.ListOpts{PositionID: "p1"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"position.closed", "position.averaged", "position.opened"}
	if len(got) != len(want) {
		t.Fatalf("len=%d, expected %d", len(got), len(want))
	}
	for i, e := range got {
		if e.Event != want[i] || e.PositionID != "p1" {
			t.Fatalf("entry %d=%s/%s, expected %s/p1", i, e.Event, e.PositionID, want[i])
		}
	}
}

func TestMigrateAddsAuditColumns(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	old, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err = old.ExecContext(ctx, `CREATE TABLE audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL)`)
	if err != nil {
		t.Fatalf("create old table: %v", err)
	}
	if _, err := old.ExecContext(ctx, `INSERT INTO audit_log (event, created_at) VALUES ('risk.halted', 1)`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_ = old.Close()

	c, err := New(ctx, path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	a := NewAuditLog(c)
	if err := a.Log(ctx, "position.opened", map[string]any{"position_id": "p1"}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	all, err := a.List(ctx, domain.ListOpts{})
	if err != nil || len(all) != 2 {
		t.Fatalf("List len=%d err=%v, expected 2", len(all), err)
	}
	mine, err := a.List(ctx, domain.ListOpts{PositionID: "p1"})
	if err != nil || len(mine) != 1 {
		t.Fatalf("List p1 len=%d err=%v, expected 1", len(mine), err)
	}
}

func TestLedgerOrdersRejectsMalformedDecimal(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	l := NewLedger(c)

	p, err := l.CreatePending(ctx, "ETHUSDT", domain.SideLong)
	if err != nil {
		t.Fatalf("CreatePending: %v", err)
	}
	_, err = c.DB().ExecContext(ctx, `INSERT INTO position_orders
		(position_id, order_id, symbol, kind, side, price, qty, status, created_at)
		VALUES (?, '7', 'ETHUSDT', 'ENTRY', 'BUY', 'n/a', '0.05', 'FILLED', 0)`, p.ID)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := l.Orders(ctx, p.ID); err == nil {
		t.Fatalf("Orders err=nil, expected a parse error for price n/a")
	}
}

func TestLedgerConfirmClearsTakeProfit(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(newTestClient(t))

	p, err := l.CreatePending(ctx, "ETHUSDT", domain.SideLong)
	if err != nil {
		t.Fatalf("CreatePending: %v", err)
	}
	err = l.Confirm(ctx, p.ID, domain.Confirmation{
		AvgEntryPrice: dec("2000"), BaseQty: dec("0.05"), QuoteSpent: dec("100"), InitialQty: dec("0.05"),
		TakeProfit: &domain.TakeProfitRef{OrderID: "42", Price: dec("2030")},
	})
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	err = l.Confirm(ctx, p.ID, domain.Confirmation{
		AvgEntryPrice: dec("1940"), BaseQty: dec("0.1"), QuoteSpent: dec("194"), DCACount: 1,
		TakeProfit: &domain.TakeProfitRef{},
	})
	if err != nil {
		t.Fatalf("Confirm averaged: %v", err)
	}
	got, err := l.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.HasTakeProfit() || !got.TakeProfitPrice.IsZero() {
		t.Fatalf("tp=%q@%s, expected cleared", got.TakeProfitOrderID, got.TakeProfitPrice)
	}
	if got.DCACount != 1 || !got.BaseQty.Equal(dec("0.1")) {
		t.Fatalf("dca=%d qty=%s, expected 1 / 0.1", got.DCACount, got.BaseQty)
	}
}

func TestStateStore(t *testing.T) {
	ctx := context.Background()
	s := NewStateStore(newTestClient(t))

	if _, err := s.LoadState(ctx, "paper"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("LoadState err=%v, expected ErrNotFound", err)
	}
	for _, v := range []string{`{"next_id":1}`, `{"next_id":9}`} {
		if err := s.SaveState(ctx, "paper", []byte(v)); err != nil {
			t.Fatalf("SaveState: %v", err)
		}
	}
	got, err := s.LoadState(ctx, "paper")
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if string(got) != `{"next_id":9}` {
		t.Fatalf("state=%s, expected the last write", got)
	}
}
