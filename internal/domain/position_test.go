package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to PositionStatus
		want     bool
	}{
		{PositionStatusPending, PositionStatusOpen, true},
		{PositionStatusPending, PositionStatusClosedAborted, true},
		{PositionStatusPending, PositionStatusClosedProfit, false},
		{PositionStatusOpen, PositionStatusOpen, true},
		{PositionStatusOpen, PositionStatusClosedProfit, true},
		{PositionStatusOpen, PositionStatusClosedAborted, true},
		{PositionStatusOpen, PositionStatusPending, false},
		{PositionStatusClosedProfit, PositionStatusOpen, false},
		{PositionStatusClosedAborted, PositionStatusClosedProfit, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Fatalf("CanTransition=%v, expected %v", got, tt.want)
			}
		})
	}
}

func TestLossPercent(t *testing.T) {
	tests := []struct {
		name string
		side Side
		avg  string
		mark string
		want string
	}{
		{"long loss", SideLong, "2000", "1900", "5"},
		{"long gain", SideLong, "2000", "2100", "-5"},
		{"short loss", SideShort, "2000", "2100", "5"},
		{"short gain", SideShort, "2000", "1800", "-10"},
		{"no entry", SideLong, "0", "1900", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Position{Side: tt.side, AvgEntryPrice: decimal.RequireFromString(tt.avg)}
			got := p.LossPercent(decimal.RequireFromString(tt.mark))
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Fatalf("LossPercent=%s, expected %s", got, tt.want)
			}
		})
	}
}

func TestOrderSides(t *testing.T) {
	if SideLong.EntryOrderSide() != OrderSideBuy || SideLong.ExitOrderSide() != OrderSideSell {
		t.Fatal("long enters with BUY and exits with SELL")
	}
	if SideShort.EntryOrderSide() != OrderSideSell || SideShort.ExitOrderSide() != OrderSideBuy {
		t.Fatal("short enters with SELL and exits with BUY")
	}
}

func TestClientOrderID(t *testing.T) {
	id := "0b5e-11"
	tests := []struct {
		kind ClientOrderKind
		seq  int
		want string
	}{
		{ClientOrderEntry, 0, "e0b5e11"},
		{ClientOrderDCA, 2, "d0b5e11-2"},
		{ClientOrderTakeProfit, 5, "t0b5e11-5"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := ClientOrderID(id, tt.kind, tt.seq)
			if got != tt.want {
				t.Fatalf("ClientOrderID=%q, expected %q", got, tt.want)
			}
			if prefix := ClientOrderPrefix(id, tt.kind); len(got) < len(prefix) || got[:len(prefix)] != prefix {
				t.Fatalf("id %q does not start with prefix %q", got, prefix)
			}
		})
	}
}

func TestSignalKey(t *testing.T) {
	a := Signal{Symbol: "ETHUSDT"}
	b := Signal{Symbol: "BTCUSDT"}
	if a.Key() == b.Key() {
		t.Fatal("keys of different symbols on the same candle must differ")
	}
}
