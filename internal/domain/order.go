package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus mirrors the exchange order lifecycle.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// IsLive reports whether the order still rests on the book.
func (s OrderStatus) IsLive() bool {
	return s == OrderStatusNew || s == OrderStatusPartiallyFilled
}

// IsDead reports whether the order ended without filling completely.
func (s OrderStatus) IsDead() bool {
	return s == OrderStatusCanceled || s == OrderStatusExpired || s == OrderStatusRejected
}

// OrderRequest is what the engine asks the exchange to place.
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Qty           decimal.Decimal
	Price         decimal.Decimal // limit orders only
	ClientOrderID string
}

// OrderReport is the exchange's view of an order.
type OrderReport struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Status        OrderStatus
	Price         decimal.Decimal
	OrigQty       decimal.Decimal
	ExecutedQty   decimal.Decimal
	QuoteQty      decimal.Decimal // cumulative quote filled
	UpdatedAt     time.Time
}

// AvgFillPrice returns the realized average fill price, or zero when nothing
// executed.
func (r OrderReport) AvgFillPrice() decimal.Decimal {
	if r.ExecutedQty.IsZero() || r.QuoteQty.IsZero() {
		return decimal.Zero
	}
	return r.QuoteQty.Div(r.ExecutedQty)
}

// OrderKind classifies an order by its role in a position.
type OrderKind string

const (
	OrderKindEntry      OrderKind = "ENTRY"
	OrderKindDCA        OrderKind = "DCA"
	OrderKindTakeProfit OrderKind = "TAKE_PROFIT"
	// OrderKindExit is a market close issued when the take-profit target is
	// monitored by price instead of a resting order.
	OrderKindExit OrderKind = "EXIT"
)

// OrderRecord is the ledger's audit row for an order placed on behalf of a
// position.
type OrderRecord struct {
	ID            int64           `json:"id"`
	PositionID    string          `json:"position_id"`
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Kind          OrderKind       `json:"kind"`
	Side          OrderSide       `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Qty           decimal.Decimal `json:"qty"`
	Status        OrderStatus     `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}
