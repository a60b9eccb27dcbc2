package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alanyoungcy/dcabot/internal/cache/memory"
	"github.com/alanyoungcy/dcabot/internal/domain"
)

func TestValue(t *testing.T) {
	tests := []struct {
		name     string
		side     domain.Side
		mark     string
		wantPnL  string
		wantLoss string
	}{
		{"long in loss", domain.SideLong, "90", "-20", "10"},
		{"long in profit", domain.SideLong, "110", "20", "-10"},
		{"short in loss", domain.SideShort, "110", "-20", "10"},
		{"no mark", domain.SideLong, "0", "0", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := domain.Position{Side: tt.side, AvgEntryPrice: dec("100"), BaseQty: dec("2")}
			v := Value(p, dec(tt.mark))
			if !v.UnrealizedPnL.Equal(dec(tt.wantPnL)) || !v.LossPct.Equal(dec(tt.wantLoss)) {
				t.Fatalf("pnl=%s loss=%s, expected %s / %s", v.UnrealizedPnL, v.LossPct, tt.wantPnL, tt.wantLoss)
			}
		})
	}
}

func TestPriceServiceMarks(t *testing.T) {
	ctx := context.Background()
	cache := memory.NewPriceCache()
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	_ = cache.SetPrice(ctx, "ETHUSDT", dec("1999"), now.Add(-5*time.Second))
	_ = cache.SetPrice(ctx, "BTCUSDT", dec("59000"), now.Add(-time.Hour))

	r := newRig(t, nil)
	r.market.set("BTCUSDT", "60000")
	s := NewPriceService(cache, r.paper, testPolicy(), 30*time.Second, testLogger())
	s.now = func() time.Time { return now }

	marks, err := s.Marks(ctx, []string{"ETHUSDT", "BTCUSDT"})
	if err != nil {
		t.Fatalf("Marks: %v", err)
	}
	if !marks["ETHUSDT"].Equal(dec("1999")) {
		t.Fatalf("ETH=%s, expected fresh cached 1999", marks["ETHUSDT"])
	}
	if !marks["BTCUSDT"].Equal(dec("60000")) {
		t.Fatalf("BTC=%s, expected stale cache refreshed to 60000", marks["BTCUSDT"])
	}
	if p, ts, _ := cache.GetPrice(ctx, "BTCUSDT"); !p.Equal(dec("60000")) || !ts.Equal(now) {
		t.Fatalf("cached BTC=%s@%s, expected write-back", p, ts)
	}
}

func TestPositionServiceGet(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, nil)
	pos, err := r.orch.Open(ctx, longSignal("ETHUSDT"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	r.market.set("ETHUSDT", "1900")
	svc := NewPositionService(r.ledger, r.audit, NewPriceService(nil, r.paper, testPolicy(), 0, testLogger()), testLogger())

	views, err := svc.Open(ctx)
	if err != nil || len(views) != 1 {
		t.Fatalf("views=%d err=%v, expected 1", len(views), err)
	}
	if !views[0].UnrealizedPnL.Equal(dec("-5")) {
		t.Fatalf("pnl=%s, expected -5", views[0].UnrealizedPnL)
	}

	detail, err := svc.Get(ctx, pos.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(detail.Orders) != 2 || !detail.Mark.Equal(dec("1900")) {
		t.Fatalf("orders=%d mark=%s, expected 2 orders at 1900", len(detail.Orders), detail.Mark)
	}
	if len(detail.Events) != 1 || detail.Events[0].Event != "position.opened" || detail.Events[0].PositionID != pos.ID {
		t.Fatalf("events=%+v, expected the position.opened entry", detail.Events)
	}

	r.market.set("ETHUSDT", "2100")
	if _, err := r.orch.Monitor(ctx, pos, dec("0")); err != nil {
		t.Fatalf("Monitor: %v", err)
	}
	detail, err = svc.Get(ctx, pos.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var events []string
	for _, e := range detail.Events {
		events = append(events, e.Event)
	}
	if fmt.Sprint(events) != "[position.opened position.closed]" {
		t.Fatalf("events=%v, expected opened then closed", events)
	}
}
