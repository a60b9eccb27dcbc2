package precision

import (
	"errors"
	"testing"

	"github.com/alanyoungcy/dcabot/internal/domain"
	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func btcMeta() domain.SymbolMetadata {
	return domain.SymbolMetadata{
		Symbol:      "BTCUSDT",
		StepSize:    d("0.00001"),
		TickSize:    d("0.01"),
		MinQty:      d("0.00001"),
		MinNotional: d("5"),
	}
}

func TestFloorToStep(t *testing.T) {
	tests := []struct {
		name  string
		value string
		step  string
		want  string
	}{
		{"exact multiple", "1.5", "0.5", "1.5"},
		{"truncates", "0.123456789", "0.001", "0.123"},
		{"below one step", "0.0004", "0.001", "0"},
		{"integer step", "17.9", "1", "17"},
		{"odd step", "1.0", "0.3", "0.9"},
		{"negative floors away from zero", "-1.25", "0.5", "-1.5"},
		{"zero step passthrough", "3.14159", "0", "3.14159"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FloorToStep(d(tt.value), d(tt.step))
			if !got.Equal(d(tt.want)) {
				t.Fatalf("FloorToStep(%s, %s)=%s, expected %s", tt.value, tt.step, got, tt.want)
			}
		})
	}
}

func TestRoundQuantityNeverExceedsInputAndIsStepMultiple(t *testing.T) {
	meta := btcMeta()
	price := d("50000")
	inputs := []string{"0.0001", "0.00012345", "0.123456789", "1", "2.999999999", "0.01000001"}

	for _, in := range inputs {
		q := d(in)
		got, err := RoundQuantity(q, price, meta)
		if err != nil {
			t.Fatalf("RoundQuantity(%s) unexpected error: %v", in, err)
		}
		if got.GreaterThan(q) {
			t.Fatalf("RoundQuantity(%s)=%s exceeds input", in, got)
		}
		if !got.Mod(meta.StepSize).IsZero() {
			t.Fatalf("RoundQuantity(%s)=%s is not a multiple of %s", in, got, meta.StepSize)
		}
		if q.Sub(got).GreaterThanOrEqual(meta.StepSize) {
			t.Fatalf("RoundQuantity(%s)=%s dropped more than one step", in, got)
		}
	}
}

func TestRoundQuantityValidation(t *testing.T) {
	meta := btcMeta()
	tests := []struct {
		name  string
		qty   string
		price string
	}{
		{"rounds to zero", "0.000001", "50000"},
		{"below min notional", "0.00009", "50000"},
		{"non positive", "0", "50000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := RoundQuantity(d(tt.qty), d(tt.price), meta)
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("err=%v, expected ErrValidation", err)
			}
		})
	}

	meta.MinQty = d("0.001")
	if _, err := RoundQuantity(d("0.0009"), d("50000"), meta); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("below min qty: err=%v, expected ErrValidation", err)
	}
}

func TestRoundPrice(t *testing.T) {
	tick := d("0.05")
	tests := []struct {
		value string
		dir   Direction
		want  string
	}{
		{"10.01", Down, "10"},
		{"10.01", Up, "10.05"},
		{"10.05", Up, "10.05"},
		{"10.02", Nearest, "10"},
		{"10.03", Nearest, "10.05"},
		{"10.025", Nearest, "10.05"},
	}

	for _, tt := range tests {
		got := RoundPrice(d(tt.value), tick, tt.dir)
		if !got.Equal(d(tt.want)) {
			t.Fatalf("RoundPrice(%s, %d)=%s, expected %s", tt.value, tt.dir, got, tt.want)
		}
	}
}

func TestTakeProfitPriceDirection(t *testing.T) {
	tick := d("0.01")
	tp := d("0.015")
	entries := []string{"100", "99.99", "0.333", "12345.678", "1.01"}

	for _, e := range entries {
		entry := d(e)
		one := decimal.NewFromInt(1)

		long := TakeProfitPrice(entry, tp, domain.SideLong, tick)
		if target := entry.Mul(one.Add(tp)); long.LessThan(target) {
			t.Fatalf("long TP %s below target %s (entry %s)", long, target, e)
		}
		if !long.Mod(tick).IsZero() {
			t.Fatalf("long TP %s not on tick grid", long)
		}

		short := TakeProfitPrice(entry, tp, domain.SideShort, tick)
		if target := entry.Mul(one.Sub(tp)); short.GreaterThan(target) {
			t.Fatalf("short TP %s above target %s (entry %s)", short, target, e)
		}
		if !short.Mod(tick).IsZero() {
			t.Fatalf("short TP %s not on tick grid", short)
		}
	}

	if got := TakeProfitPrice(d("100"), tp, domain.SideLong, tick); !got.Equal(d("101.5")) {
		t.Fatalf("TakeProfitPrice(100)=%s, expected 101.5", got)
	}
}

func TestStepAway(t *testing.T) {
	tick := d("0.01")
	if got := StepAway(d("101.50"), tick, domain.SideLong, 1); !got.Equal(d("101.51")) {
		t.Fatalf("long StepAway=%s, expected 101.51", got)
	}
	if got := StepAway(d("98.50"), tick, domain.SideShort, 1); !got.Equal(d("98.49")) {
		t.Fatalf("short StepAway=%s, expected 98.49", got)
	}
}

func TestWeightedAverageBounded(t *testing.T) {
	tests := []struct {
		p1, q1, p2, q2 string
		want           string
	}{
		{"100", "1", "80", "1", "90"},
		{"100", "3", "60", "1", "90"},
		{"0.5", "1000", "0.4", "500", "0.4666666666666667"},
	}

	for _, tt := range tests {
		got := WeightedAverage(d(tt.p1), d(tt.q1), d(tt.p2), d(tt.q2))
		lo, hi := decimal.Min(d(tt.p1), d(tt.p2)), decimal.Max(d(tt.p1), d(tt.p2))
		if got.LessThan(lo) || got.GreaterThan(hi) {
			t.Fatalf("WeightedAverage=%s outside [%s, %s]", got, lo, hi)
		}
		if !got.Equal(d(tt.want)) {
			t.Fatalf("WeightedAverage=%s, expected %s", got, tt.want)
		}
	}
}
