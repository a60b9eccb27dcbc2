// Package signal evaluates entry conditions from candle data and maintains
// the moving-average cache those conditions depend on.
package signal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/dcabot/internal/domain"
	"github.com/alanyoungcy/dcabot/internal/metrics"
	"github.com/alanyoungcy/dcabot/internal/retry"
	"github.com/shopspring/decimal"
)

// CachePolicy decides when a cached moving average is stale.
type CachePolicy string

const (
	// PolicyCandle keeps an entry until a newer candle has closed, then
	// advances it incrementally.
	PolicyCandle CachePolicy = "candle"
	// PolicyTTL keeps an entry for a fixed duration, then rebuilds it.
	PolicyTTL CachePolicy = "ttl"
)

// CandleSource fetches OHLCV candles, newest last.
type CandleSource interface {
	Klines(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Candle, error)
}

// WithRetry wraps src so every fetch runs under p.
func WithRetry(src CandleSource, p retry.Policy) CandleSource {
	return retryingSource{src: src, policy: p}
}

type retryingSource struct {
	src    CandleSource
	policy retry.Policy
}

func (r retryingSource) Klines(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Candle, error) {
	return retry.Call(ctx, r.policy, "klines "+symbol, func(ctx context.Context) ([]domain.Candle, error) {
		return r.src.Klines(ctx, symbol, timeframe, limit)
	})
}

// Config configures entry evaluation.
type Config struct {
	Timeframe     string
	Period        int
	DipThreshold  decimal.Decimal // percent, e.g. -3
	RiseThreshold decimal.Decimal // percent, e.g. 3
	EnableLong    bool
	EnableShort   bool
	CachePolicy   CachePolicy
	CacheTTL      time.Duration
}

// Evaluator computes moving averages and entry signals. It performs no
// writes besides its cache and is safe to call concurrently for different
// symbols.
type Evaluator struct {
	candles CandleSource
	cache   domain.MACache
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(candles CandleSource, cache domain.MACache, cfg Config, m *metrics.Metrics, logger *slog.Logger) (*Evaluator, error) {
	if _, err := ParseTimeframe(cfg.Timeframe); err != nil {
		return nil, err
	}
	if cfg.Period <= 0 {
		return nil, fmt.Errorf("%w: moving average period must be positive", domain.ErrValidation)
	}
	if cfg.CachePolicy == "" {
		cfg.CachePolicy = PolicyCandle
	}
	return &Evaluator{
		candles: candles,
		cache:   cache,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With(slog.String("component", "signal")),
		now:     time.Now,
	}, nil
}

var hundred = decimal.NewFromInt(100)

// ChangePercent returns (close-open)/open*100. ok is false when open is zero.
func ChangePercent(c domain.Candle) (decimal.Decimal, bool) {
	if c.Open.IsZero() {
		return decimal.Zero, false
	}
	return c.Close.Sub(c.Open).Div(c.Open).Mul(hundred), true
}

// EntryCondition applies the entry rule to a closed candle and the moving
// average. A LONG fires when the candle dropped at least DipThreshold percent
// and closed below the average; a SHORT is the mirror image.
func EntryCondition(c domain.Candle, ma decimal.Decimal, cfg Config) (domain.Side, bool) {
	change, ok := ChangePercent(c)
	if !ok {
		return "", false
	}
	if cfg.EnableLong && change.LessThanOrEqual(cfg.DipThreshold) && c.Close.LessThan(ma) {
		return domain.SideLong, true
	}
	if cfg.EnableShort && change.GreaterThanOrEqual(cfg.RiseThreshold) && c.Close.GreaterThan(ma) {
		return domain.SideShort, true
	}
	return "", false
}

// EvaluateEntry checks the latest closed candle of symbol. Any data failure
// yields no signal.
func (e *Evaluator) EvaluateEntry(ctx context.Context, symbol string) (domain.Signal, bool) {
	candles, err := e.candles.Klines(ctx, symbol, e.cfg.Timeframe, 2)
	if err != nil {
		e.logger.WarnContext(ctx, "fetch latest candles failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		return domain.Signal{}, false
	}
	closed := closedCandles(candles, e.now())
	if len(closed) == 0 {
		return domain.Signal{}, false
	}
	last := closed[len(closed)-1]

	change, ok := ChangePercent(last)
	if !ok {
		return domain.Signal{}, false
	}
	wantLong := e.cfg.EnableLong && change.LessThanOrEqual(e.cfg.DipThreshold)
	wantShort := e.cfg.EnableShort && change.GreaterThanOrEqual(e.cfg.RiseThreshold)
	if !wantLong && !wantShort {
		return domain.Signal{}, false
	}

	entry, err := e.movingAverage(ctx, symbol, e.cfg.Period, e.cfg.Timeframe, closed)
	if err != nil {
		e.logger.WarnContext(ctx, "moving average unavailable",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		return domain.Signal{}, false
	}

	side, ok := EntryCondition(last, entry.Value, e.cfg)
	if !ok {
		return domain.Signal{}, false
	}
	e.metrics.SignalFired(string(side))
	return domain.Signal{
		Symbol:     symbol,
		Side:       side,
		CandleTime: last.OpenTime,
		Open:       last.Open,
		Close:      last.Close,
		ChangePct:  change,
		MA:         entry.Value,
	}, true
}

// MovingAverage returns the simple moving average of the last period closed
// candles of symbol on timeframe.
func (e *Evaluator) MovingAverage(ctx context.Context, symbol string, period int, timeframe string) (decimal.Decimal, error) {
	entry, err := e.movingAverage(ctx, symbol, period, timeframe, nil)
	if err != nil {
		return decimal.Zero, err
	}
	return entry.Value, nil
}

// movingAverage serves the average from cache when fresh, advances it
// incrementally when newer candles closed, and rebuilds it otherwise. latest,
// when non-nil, holds recently fetched closed candles that may be used to
// advance the entry without another request.
func (e *Evaluator) movingAverage(ctx context.Context, symbol string, period int, timeframe string, latest []domain.Candle) (domain.MAEntry, error) {
	tf, err := ParseTimeframe(timeframe)
	if err != nil {
		return domain.MAEntry{}, err
	}
	now := e.now()

	cached, err := e.cache.Get(ctx, symbol, timeframe)
	switch {
	case err == nil && cached.Period == period && len(cached.Closes) == period:
		if e.fresh(cached, tf, now) {
			e.metrics.MACacheLookup(true)
			return cached, nil
		}
		if e.cfg.CachePolicy == PolicyCandle {
			advanced, ok, err := e.advance(ctx, cached, tf, now, latest)
			if err != nil {
				return domain.MAEntry{}, err
			}
			if ok {
				e.metrics.MACacheLookup(true)
				return advanced, nil
			}
		}
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		e.logger.WarnContext(ctx, "ma cache read failed, rebuilding",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
	}

	e.metrics.MACacheLookup(false)
	return e.rebuild(ctx, symbol, period, timeframe, now)
}

func (e *Evaluator) fresh(entry domain.MAEntry, tf time.Duration, now time.Time) bool {
	if e.cfg.CachePolicy == PolicyTTL {
		return now.Sub(entry.FetchedAt) < e.cfg.CacheTTL
	}
	// The candle after LastOpenTime closes at LastOpenTime + 2*tf.
	return now.Before(entry.LastOpenTime.Add(2 * tf))
}

// advance appends the candles that closed after the entry's newest candle,
// dropping as many of the oldest closes. ok is false when the entry cannot be
// advanced and must be rebuilt.
func (e *Evaluator) advance(ctx context.Context, entry domain.MAEntry, tf time.Duration, now time.Time, latest []domain.Candle) (domain.MAEntry, bool, error) {
	missed := int(now.Sub(entry.LastOpenTime)/tf) - 1
	if missed <= 0 {
		return entry, true, nil
	}
	if missed >= entry.Period {
		return domain.MAEntry{}, false, nil
	}

	fresh := newerThan(latest, entry.LastOpenTime)
	if len(fresh) < missed {
		candles, err := e.candles.Klines(ctx, entry.Symbol, entry.Timeframe, missed+1)
		if err != nil {
			return domain.MAEntry{}, false, fmt.Errorf("signal: advance %s: %w", entry.Symbol, err)
		}
		fresh = newerThan(closedCandles(candles, now), entry.LastOpenTime)
	}
	if len(fresh) == 0 {
		// The exchange has not published the candle yet.
		return entry, true, nil
	}
	if !fresh[0].OpenTime.Equal(entry.LastOpenTime.Add(tf)) || len(fresh) >= entry.Period {
		return domain.MAEntry{}, false, nil
	}

	closes := make([]decimal.Decimal, 0, entry.Period)
	closes = append(closes, entry.Closes[len(fresh):]...)
	for _, c := range fresh {
		closes = append(closes, c.Close)
	}

	next := domain.MAEntry{
		Symbol:       entry.Symbol,
		Timeframe:    entry.Timeframe,
		Period:       entry.Period,
		Closes:       closes,
		Value:        mean(closes),
		LastOpenTime: fresh[len(fresh)-1].OpenTime,
		FetchedAt:    now,
	}
	e.store(ctx, next)
	return next, true, nil
}

func (e *Evaluator) rebuild(ctx context.Context, symbol string, period int, timeframe string, now time.Time) (domain.MAEntry, error) {
	candles, err := e.candles.Klines(ctx, symbol, timeframe, period+1)
	if err != nil {
		return domain.MAEntry{}, fmt.Errorf("signal: fetch %d candles for %s: %w", period+1, symbol, err)
	}
	closed := closedCandles(candles, now)
	if len(closed) < period {
		return domain.MAEntry{}, fmt.Errorf("%w: %s has %d closed candles, need %d",
			domain.ErrInsufficientData, symbol, len(closed), period)
	}
	window := closed[len(closed)-period:]

	closes := make([]decimal.Decimal, period)
	for i, c := range window {
		closes[i] = c.Close
	}
	entry := domain.MAEntry{
		Symbol:       symbol,
		Timeframe:    timeframe,
		Period:       period,
		Closes:       closes,
		Value:        mean(closes),
		LastOpenTime: window[len(window)-1].OpenTime,
		FetchedAt:    now,
	}
	e.store(ctx, entry)
	return entry, nil
}

func (e *Evaluator) store(ctx context.Context, entry domain.MAEntry) {
	if err := e.cache.Put(ctx, entry); err != nil {
		e.logger.WarnContext(ctx, "ma cache write failed",
			slog.String("symbol", entry.Symbol),
			slog.String("error", err.Error()),
		)
	}
}

func newerThan(candles []domain.Candle, t time.Time) []domain.Candle {
	for i, c := range candles {
		if c.OpenTime.After(t) {
			return candles[i:]
		}
	}
	return nil
}

func mean(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	return decimal.Sum(decimal.Zero, values...).Div(decimal.NewFromInt(int64(len(values))))
}
