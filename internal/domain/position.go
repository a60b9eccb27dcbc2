package domain

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// EntryOrderSide returns the order side that opens (or adds to) a position.
func (s Side) EntryOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ExitOrderSide returns the order side that closes a position.
func (s Side) ExitOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

// PositionStatus tracks where a position is in its lifecycle.
type PositionStatus string

const (
	PositionStatusPending       PositionStatus = "PENDING"
	PositionStatusOpen          PositionStatus = "OPEN"
	PositionStatusClosedProfit  PositionStatus = "CLOSED_PROFIT"
	PositionStatusClosedAborted PositionStatus = "CLOSED_ABORTED"
)

// IsTerminal reports whether the status is a closed state.
func (s PositionStatus) IsTerminal() bool {
	return s == PositionStatusClosedProfit || s == PositionStatusClosedAborted
}

// CanTransition reports whether moving from s to next is a legal, forward-only
// lifecycle step. Re-confirming an OPEN position (after DCA) is allowed.
func (s PositionStatus) CanTransition(next PositionStatus) bool {
	switch s {
	case PositionStatusPending:
		return next == PositionStatusOpen || next == PositionStatusClosedAborted
	case PositionStatusOpen:
		return next == PositionStatusOpen || next.IsTerminal()
	default:
		return false
	}
}

// Position is one logical holding in a symbol, accumulated across the entry
// fill and any averaging fills.
type Position struct {
	ID                string          `json:"id"`
	Symbol            string          `json:"symbol"`
	Side              Side            `json:"side"`
	Status            PositionStatus  `json:"status"`
	AvgEntryPrice     decimal.Decimal `json:"avg_entry_price"`
	BaseQty           decimal.Decimal `json:"base_qty"`
	InitialQty        decimal.Decimal `json:"initial_qty"`
	QuoteSpent        decimal.Decimal `json:"quote_spent"`
	DCACount          int             `json:"dca_count"`
	TakeProfitOrderID string          `json:"take_profit_order_id,omitempty"` // empty when no take-profit is live
	TakeProfitPrice   decimal.Decimal `json:"take_profit_price"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	ClosedAt          *time.Time      `json:"closed_at,omitempty"`
}

// HasTakeProfit reports whether the ledger references a live take-profit order.
func (p Position) HasTakeProfit() bool {
	return p.TakeProfitOrderID != ""
}

// LossPercent returns the unrealized loss of the position at mark, in percent
// of the average entry. Gains are reported as negative values.
func (p Position) LossPercent(mark decimal.Decimal) decimal.Decimal {
	if p.AvgEntryPrice.IsZero() {
		return decimal.Zero
	}
	diff := p.AvgEntryPrice.Sub(mark)
	if p.Side == SideShort {
		diff = diff.Neg()
	}
	return diff.Div(p.AvgEntryPrice).Mul(decimal.NewFromInt(100))
}

// Confirmation carries the fill-derived state written by Ledger.Confirm.
type Confirmation struct {
	AvgEntryPrice decimal.Decimal
	BaseQty       decimal.Decimal
	QuoteSpent    decimal.Decimal
	DCACount      int
	// InitialQty is only written on the PENDING -> OPEN transition.
	InitialQty decimal.Decimal
	// TakeProfit replaces the stored reference when non-nil.
	TakeProfit *TakeProfitRef
	// ExpectDCACount guards against concurrent updates: the write only
	// applies when the stored dca_count equals this value. Negative disables
	// the check.
	ExpectDCACount int
}

// TakeProfitRef identifies a resting take-profit order.
type TakeProfitRef struct {
	OrderID string
	Price   decimal.Decimal
}

// ClientOrderKind tags engine-generated client order ids.
type ClientOrderKind string

const (
	ClientOrderEntry      ClientOrderKind = "e"
	ClientOrderDCA        ClientOrderKind = "d"
	ClientOrderTakeProfit ClientOrderKind = "t"
	ClientOrderExit       ClientOrderKind = "x"
)

// ClientOrderID builds the deterministic client order id for an order placed
// on behalf of a position. seq distinguishes DCA steps and TP replacements.
func ClientOrderID(positionID string, kind ClientOrderKind, seq int) string {
	compact := strings.ReplaceAll(positionID, "-", "")
	if kind == ClientOrderEntry {
		return string(kind) + compact
	}
	return string(kind) + compact + "-" + strconv.Itoa(seq)
}

// ClientOrderPrefix returns the prefix shared by every client order id of the
// given kind for a position.
func ClientOrderPrefix(positionID string, kind ClientOrderKind) string {
	return string(kind) + strings.ReplaceAll(positionID, "-", "")
}
