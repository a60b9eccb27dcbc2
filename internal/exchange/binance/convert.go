package binance

import (
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/alanyoungcy/dcabot/internal/domain"
	"github.com/shopspring/decimal"
)

// decimals parses the numeric strings of one payload and keeps the first
// malformed field.
type decimals struct {
	what string
	err  error
}

func (p *decimals) parse(field, s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		if p.err == nil {
			p.err = fmt.Errorf("binance: %s: malformed %s %q: %w", p.what, field, s, domain.ErrValidation)
		}
		return decimal.Zero
	}
	return d
}

func millis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func toSideType(s domain.OrderSide) binance.SideType {
	if s == domain.OrderSideSell {
		return binance.SideTypeSell
	}
	return binance.SideTypeBuy
}

func fromSideType(s binance.SideType) domain.OrderSide {
	if s == binance.SideTypeSell {
		return domain.OrderSideSell
	}
	return domain.OrderSideBuy
}

func fromOrderType(t binance.OrderType) domain.OrderType {
	if t == binance.OrderTypeMarket {
		return domain.OrderTypeMarket
	}
	return domain.OrderTypeLimit
}

func fromStatus(s binance.OrderStatusType) domain.OrderStatus {
	switch s {
	case binance.OrderStatusTypeNew, binance.OrderStatusTypePendingCancel:
		return domain.OrderStatusNew
	case binance.OrderStatusTypePartiallyFilled:
		return domain.OrderStatusPartiallyFilled
	case binance.OrderStatusTypeFilled:
		return domain.OrderStatusFilled
	case binance.OrderStatusTypeCanceled:
		return domain.OrderStatusCanceled
	case binance.OrderStatusTypeRejected:
		return domain.OrderStatusRejected
	default:
		// EXPIRED and EXPIRED_IN_MATCH
		return domain.OrderStatusExpired
	}
}

func fromOrder(o *binance.Order) (domain.OrderReport, error) {
	ts := o.UpdateTime
	if ts == 0 {
		ts = o.Time
	}
	p := decimals{what: "order " + strconv.FormatInt(o.OrderID, 10)}
	r := domain.OrderReport{
		OrderID:       strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          fromSideType(o.Side),
		Type:          fromOrderType(o.Type),
		Status:        fromStatus(o.Status),
		Price:         p.parse("price", o.Price),
		OrigQty:       p.parse("origQty", o.OrigQuantity),
		ExecutedQty:   p.parse("executedQty", o.ExecutedQuantity),
		QuoteQty:      p.parse("cummulativeQuoteQty", o.CummulativeQuoteQuantity),
		UpdatedAt:     millis(ts),
	}
	return r, p.err
}

func fromCreateResponse(r *binance.CreateOrderResponse) (domain.OrderReport, error) {
	p := decimals{what: "order " + strconv.FormatInt(r.OrderID, 10)}
	report := domain.OrderReport{
		OrderID:       strconv.FormatInt(r.OrderID, 10),
		ClientOrderID: r.ClientOrderID,
		Symbol:        r.Symbol,
		Side:          fromSideType(r.Side),
		Type:          fromOrderType(r.Type),
		Status:        fromStatus(r.Status),
		Price:         p.parse("price", r.Price),
		OrigQty:       p.parse("origQty", r.OrigQuantity),
		ExecutedQty:   p.parse("executedQty", r.ExecutedQuantity),
		QuoteQty:      p.parse("cummulativeQuoteQty", r.CummulativeQuoteQuantity),
		UpdatedAt:     millis(r.TransactTime),
	}
	return report, p.err
}

func fromKline(symbol string, k *binance.Kline) (domain.Candle, error) {
	p := decimals{what: "kline " + symbol}
	c := domain.Candle{
		OpenTime:  millis(k.OpenTime),
		CloseTime: millis(k.CloseTime),
		Open:      p.parse("open", k.Open),
		High:      p.parse("high", k.High),
		Low:       p.parse("low", k.Low),
		Close:     p.parse("close", k.Close),
		Volume:    p.parse("volume", k.Volume),
	}
	return c, p.err
}

// metadataFromFilters extracts the trading filters from an exchangeInfo
// symbol entry. Spot symbols carry either MIN_NOTIONAL or the newer NOTIONAL
// filter.
func metadataFromFilters(symbol, base, quote string, filters []map[string]interface{}) (domain.SymbolMetadata, error) {
	meta := domain.SymbolMetadata{Symbol: symbol, BaseAsset: base, QuoteAsset: quote}
	p := decimals{what: "filters " + symbol}
	str := func(f map[string]interface{}, key string) string {
		v, _ := f[key].(string)
		return v
	}

	for _, f := range filters {
		switch str(f, "filterType") {
		case "LOT_SIZE":
			meta.StepSize = p.parse("stepSize", str(f, "stepSize"))
			meta.MinQty = p.parse("minQty", str(f, "minQty"))
		case "PRICE_FILTER":
			meta.TickSize = p.parse("tickSize", str(f, "tickSize"))
		case "MIN_NOTIONAL", "NOTIONAL":
			if v := p.parse("minNotional", str(f, "minNotional")); v.GreaterThan(meta.MinNotional) {
				meta.MinNotional = v
			}
		}
	}
	if p.err != nil {
		return domain.SymbolMetadata{}, p.err
	}

	if !meta.StepSize.IsPositive() || !meta.TickSize.IsPositive() {
		return domain.SymbolMetadata{}, fmt.Errorf("%w: %s missing LOT_SIZE or PRICE_FILTER", domain.ErrValidation, symbol)
	}
	return meta, nil
}
