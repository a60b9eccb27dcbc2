package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Signal is a fired entry condition for a symbol on a closed candle.
type Signal struct {
	Symbol     string
	Side       Side
	CandleTime time.Time // open time of the triggering candle
	Open       decimal.Decimal
	Close      decimal.Decimal
	ChangePct  decimal.Decimal
	MA         decimal.Decimal
}

// Key identifies the candle a signal was derived from.
func (s Signal) Key() string {
	return s.Symbol + "|" + s.CandleTime.UTC().Format(time.RFC3339)
}
