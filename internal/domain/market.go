package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SymbolMetadata holds the exchange trading filters for a symbol.
type SymbolMetadata struct {
	Symbol      string
	BaseAsset   string
	QuoteAsset  string
	StepSize    decimal.Decimal
	TickSize    decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime  time.Time
	CloseTime time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// ClosedAt reports whether the candle had closed at t.
func (c Candle) ClosedAt(t time.Time) bool {
	return !c.CloseTime.After(t)
}

// Balance is an account balance for a single asset.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// Total returns free plus locked.
func (b Balance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}

// MAEntry is a cached moving average for a (symbol, timeframe) pair.
type MAEntry struct {
	Symbol       string            `json:"symbol"`
	Timeframe    string            `json:"timeframe"`
	Period       int               `json:"period"`
	Closes       []decimal.Decimal `json:"closes"`
	Value        decimal.Decimal   `json:"value"`
	LastOpenTime time.Time         `json:"last_open_time"` // newest closed candle in Closes
	FetchedAt    time.Time         `json:"fetched_at"`
}

// EquitySnapshot is the equity baseline for a UTC trading day.
type EquitySnapshot struct {
	Day     string          `json:"day"` // YYYY-MM-DD, UTC
	Equity  decimal.Decimal `json:"equity"`
	TakenAt time.Time       `json:"taken_at"`
}
