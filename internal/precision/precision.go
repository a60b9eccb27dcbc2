// Package precision converts raw quantities and prices into values the
// exchange accepts. All arithmetic is exact decimal arithmetic.
package precision

import (
	"fmt"

	"github.com/alanyoungcy/dcabot/internal/domain"
	"github.com/shopspring/decimal"
)

// Direction selects how a price is snapped to the tick grid.
type Direction int

const (
	Down Direction = iota
	Up
	Nearest
)

// FloorToStep returns the largest multiple of step that is <= value.
// A non-positive step returns value unchanged.
func FloorToStep(value, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return value
	}
	q, _ := value.QuoRem(step, 0)
	if value.IsNegative() && !value.Mod(step).IsZero() {
		q = q.Sub(decimal.NewFromInt(1))
	}
	return q.Mul(step)
}

// CeilToStep returns the smallest multiple of step that is >= value.
func CeilToStep(value, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return value
	}
	floor := FloorToStep(value, step)
	if floor.Equal(value) {
		return floor
	}
	return floor.Add(step)
}

// RoundPrice snaps value to the tick grid in the given direction.
func RoundPrice(value, tick decimal.Decimal, dir Direction) decimal.Decimal {
	switch dir {
	case Up:
		return CeilToStep(value, tick)
	case Nearest:
		if !tick.IsPositive() {
			return value
		}
		down := FloorToStep(value, tick)
		if value.Sub(down).Mul(decimal.NewFromInt(2)).GreaterThanOrEqual(tick) {
			return down.Add(tick)
		}
		return down
	default:
		return FloorToStep(value, tick)
	}
}

// RoundQuantity floors qty to the symbol's step size and checks the result
// against the minimum quantity and, at price, the minimum notional. It never
// rounds up.
func RoundQuantity(qty, price decimal.Decimal, meta domain.SymbolMetadata) (decimal.Decimal, error) {
	if !qty.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s quantity %s is not positive", domain.ErrValidation, meta.Symbol, qty)
	}
	rounded := FloorToStep(qty, meta.StepSize)
	if err := ValidateOrder(rounded, price, meta); err != nil {
		return decimal.Zero, err
	}
	return rounded, nil
}

// ValidateOrder checks qty and qty*price against the symbol filters.
func ValidateOrder(qty, price decimal.Decimal, meta domain.SymbolMetadata) error {
	if !qty.IsPositive() {
		return fmt.Errorf("%w: %s quantity rounds to zero", domain.ErrValidation, meta.Symbol)
	}
	if qty.LessThan(meta.MinQty) {
		return fmt.Errorf("%w: %s quantity %s below min qty %s",
			domain.ErrValidation, meta.Symbol, qty, meta.MinQty)
	}
	if notional := qty.Mul(price); notional.LessThan(meta.MinNotional) {
		return fmt.Errorf("%w: %s notional %s below min notional %s",
			domain.ErrValidation, meta.Symbol, notional, meta.MinNotional)
	}
	return nil
}

// TakeProfitPrice returns the take-profit price for a position entered at
// entry. tp is a fraction (0.015 for 1.5%). LONG targets round up and SHORT
// targets round down, so the result is never worse than the nominal target.
func TakeProfitPrice(entry, tp decimal.Decimal, side domain.Side, tick decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if side == domain.SideShort {
		return RoundPrice(entry.Mul(one.Sub(tp)), tick, Down)
	}
	return RoundPrice(entry.Mul(one.Add(tp)), tick, Up)
}

// StepAway moves price n ticks further from entry on the profitable side of
// the position.
func StepAway(price, tick decimal.Decimal, side domain.Side, n int) decimal.Decimal {
	delta := tick.Mul(decimal.NewFromInt(int64(n)))
	if side == domain.SideShort {
		return price.Sub(delta)
	}
	return price.Add(delta)
}

// WeightedAverage returns the quantity-weighted mean of two fills.
func WeightedAverage(p1, q1, p2, q2 decimal.Decimal) decimal.Decimal {
	total := q1.Add(q2)
	if total.IsZero() {
		return decimal.Zero
	}
	return p1.Mul(q1).Add(p2.Mul(q2)).Div(total)
}
