package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dcabot/internal/domain"
	"github.com/alanyoungcy/dcabot/internal/guard"
	"github.com/alanyoungcy/dcabot/internal/metrics"
	"github.com/alanyoungcy/dcabot/internal/notify"
	"github.com/alanyoungcy/dcabot/internal/precision"
	"github.com/alanyoungcy/dcabot/internal/retry"
)

// DCA quantity bases.
const (
	DCABasePosition = "position"
	DCABaseInitial  = "initial"
)

// Take-profit monitoring modes.
const (
	MonitorByOrder = "order"
	MonitorByPrice = "price"
)

// markMaxAge bounds how old a cached mark may be before the REST ticker is
// used instead.
const markMaxAge = 30 * time.Second

var hundred = decimal.NewFromInt(100)

// OrchestratorConfig holds the sizing, averaging and take-profit parameters.
type OrchestratorConfig struct {
	QuoteAsset          string
	PositionSizePercent decimal.Decimal // percent of free quote per entry
	Leverage            decimal.Decimal
	TakeProfit          decimal.Decimal // fraction, 0.015 = 1.5%
	DCAThresholdLong    decimal.Decimal // loss percent that triggers averaging
	DCAThresholdShort   decimal.Decimal
	MaxAverages         int
	DCAScales           []decimal.Decimal
	DCABase             string
	FillPollAttempts    int
	FillPollDelay       time.Duration
	MonitorMode         string
}

// OrchestratorDeps are the collaborators of an Orchestrator. Audit, Prices,
// Notifier and Metrics are optional.
type OrchestratorDeps struct {
	Exchange domain.Exchange
	Ledger   domain.Ledger
	Audit    domain.AuditLog
	Prices   domain.PriceCache
	Guard    *guard.Guard
	Notifier *notify.Notifier
	Metrics  *metrics.Metrics
	Policy   retry.Policy
	Logger   *slog.Logger
}

// Orchestrator drives the position lifecycle: entry, take-profit placement,
// averaging down and take-profit fill detection.
type Orchestrator struct {
	ex       domain.Exchange
	ledger   domain.Ledger
	audit    domain.AuditLog
	prices   domain.PriceCache
	guard    *guard.Guard
	meta     *MetadataCache
	notifier *notify.Notifier
	metrics  *metrics.Metrics

	policy      retry.Policy
	placePolicy retry.Policy
	cfg         OrchestratorConfig
	logger      *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator validates cfg and creates an Orchestrator.
func NewOrchestrator(deps OrchestratorDeps, cfg OrchestratorConfig) (*Orchestrator, error) {
	if deps.Exchange == nil || deps.Ledger == nil || deps.Guard == nil {
		return nil, fmt.Errorf("service: new orchestrator: exchange, ledger and guard are required: %w", domain.ErrValidation)
	}
	if !cfg.PositionSizePercent.IsPositive() || !cfg.TakeProfit.IsPositive() {
		return nil, fmt.Errorf("service: new orchestrator: position size and take-profit must be positive: %w", domain.ErrValidation)
	}
	if cfg.MaxAverages > 0 && len(cfg.DCAScales) == 0 {
		return nil, fmt.Errorf("service: new orchestrator: dca scales required when averaging: %w", domain.ErrValidation)
	}
	if !cfg.Leverage.IsPositive() {
		cfg.Leverage = decimal.NewFromInt(1)
	}
	if cfg.DCABase == "" {
		cfg.DCABase = DCABasePosition
	}
	if cfg.MonitorMode == "" {
		cfg.MonitorMode = MonitorByOrder
	}
	if cfg.FillPollAttempts <= 0 {
		cfg.FillPollAttempts = 5
	}
	if cfg.FillPollDelay < 0 {
		cfg.FillPollDelay = 0
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		ex:          deps.Exchange,
		ledger:      deps.Ledger,
		audit:       deps.Audit,
		prices:      deps.Prices,
		guard:       deps.Guard,
		meta:        NewMetadataCache(deps.Exchange, deps.Policy),
		notifier:    deps.Notifier,
		metrics:     deps.Metrics,
		policy:      deps.Policy,
		placePolicy: deps.Policy.WithClassifier(retry.OnlyRateLimits),
		cfg:         cfg,
		logger:      logger.With(slog.String("component", "orchestrator")),
		now:         time.Now,
		sleep:       sleepCtx,
	}, nil
}

// Open enters a position for sig under the symbol lock. A failure after the
// entry filled still returns the OPEN position; a missing take-profit is
// alerted and left to reconciliation.
func (o *Orchestrator) Open(ctx context.Context, sig domain.Signal) (domain.Position, error) {
	unlock, err := o.guard.Lock(ctx, sig.Symbol)
	if err != nil {
		return domain.Position{}, fmt.Errorf("service: open %s: %w", sig.Symbol, err)
	}
	defer unlock()
	return o.open(ctx, sig)
}

func (o *Orchestrator) open(ctx context.Context, sig domain.Signal) (domain.Position, error) {
	symbol := sig.Symbol
	log := o.logger.With(slog.String("symbol", symbol), slog.String("side", string(sig.Side)))

	meta, err := o.meta.Get(ctx, symbol)
	if err != nil {
		return domain.Position{}, err
	}
	price, err := o.markPrice(ctx, symbol)
	if err != nil {
		return domain.Position{}, fmt.Errorf("service: open %s: %w", symbol, err)
	}
	quote := o.quoteAsset(meta)
	free, err := o.freeQuote(ctx, quote)
	if err != nil {
		return domain.Position{}, fmt.Errorf("service: open %s: %w", symbol, err)
	}

	notional := free.Mul(o.cfg.PositionSizePercent).Div(hundred).Mul(o.cfg.Leverage)
	qty, err := precision.RoundQuantity(notional.Div(price), price, meta)
	if err != nil {
		return domain.Position{}, fmt.Errorf("service: open %s: size %s %s at %s: %w", symbol, notional, quote, price, err)
	}

	pos, err := o.ledger.CreatePending(ctx, symbol, sig.Side)
	if err != nil {
		return domain.Position{}, fmt.Errorf("service: open %s: %w", symbol, err)
	}
	log = log.With(slog.String("position_id", pos.ID))

	req := domain.OrderRequest{
		Symbol:        symbol,
		Side:          sig.Side.EntryOrderSide(),
		Type:          domain.OrderTypeMarket,
		Qty:           qty,
		ClientOrderID: domain.ClientOrderID(pos.ID, domain.ClientOrderEntry, 0),
	}
	report, err := o.placeOrder(ctx, domain.OrderKindEntry, req)
	if err != nil {
		msg := "entry order failed, position aborted"
		if !errors.Is(err, domain.ErrOrderRejected) && !errors.Is(err, domain.ErrValidation) {
			msg = "entry order outcome unknown, position aborted; check the exchange for " + req.ClientOrderID
		}
		o.abort(ctx, pos)
		o.alert(ctx, notify.EventOrderError, pos, err, msg)
		return domain.Position{}, fmt.Errorf("service: open %s: entry order: %w", symbol, err)
	}
	o.recordOrder(ctx, pos, domain.OrderKindEntry, req, report)

	report = o.awaitFill(ctx, report)
	if report.Status.IsDead() && !report.ExecutedQty.IsPositive() {
		o.abort(ctx, pos)
		err := fmt.Errorf("entry order %s is %s: %w", report.OrderID, report.Status, domain.ErrOrderRejected)
		o.alert(ctx, notify.EventOrderError, pos, err, "entry order did not fill, position aborted")
		return domain.Position{}, fmt.Errorf("service: open %s: %w", symbol, err)
	}
	fillQty, fillPrice := o.fillOf(ctx, log, report, qty, price)

	conf := domain.Confirmation{
		AvgEntryPrice:  fillPrice,
		BaseQty:        fillQty,
		QuoteSpent:     fillPrice.Mul(fillQty),
		InitialQty:     fillQty,
		ExpectDCACount: 0,
	}
	if err := o.confirm(ctx, pos, conf); err != nil {
		return domain.Position{}, err
	}
	pos = applyConfirmation(pos, conf)

	o.ensureTakeProfit(ctx, &pos, meta)

	o.metrics.PositionOpened(string(pos.Side))
	o.auditLog(ctx, "position.opened", map[string]any{
		"position_id": pos.ID,
		"symbol":      symbol,
		"side":        string(pos.Side),
		"qty":         pos.BaseQty.String(),
		"avg_price":   pos.AvgEntryPrice.String(),
		"tp_order_id": pos.TakeProfitOrderID,
		"signal_pct":  sig.ChangePct.StringFixed(2),
	})
	o.notifier.Publish(notify.EventPositionOpened,
		fmt.Sprintf("Opened %s %s", pos.Side, symbol),
		fmt.Sprintf("qty %s @ %s, take-profit %s", pos.BaseQty, pos.AvgEntryPrice, pos.TakeProfitPrice))
	log.InfoContext(ctx, "position opened",
		slog.String("qty", pos.BaseQty.String()),
		slog.String("avg_price", pos.AvgEntryPrice.String()),
		slog.String("tp_order_id", pos.TakeProfitOrderID),
	)
	return pos, nil
}

// CheckDCAConditions reports whether pos should be averaged down at mark.
func (o *Orchestrator) CheckDCAConditions(pos domain.Position, mark decimal.Decimal) bool {
	if pos.Status != domain.PositionStatusOpen || pos.DCACount >= o.cfg.MaxAverages || !mark.IsPositive() {
		return false
	}
	threshold := o.cfg.DCAThresholdLong
	if pos.Side == domain.SideShort {
		threshold = o.cfg.DCAThresholdShort
	}
	if !threshold.IsPositive() {
		return false
	}
	return pos.LossPercent(mark).GreaterThanOrEqual(threshold)
}

// AverageDown adds to pos under the symbol lock if the averaging conditions
// still hold for the stored position.
func (o *Orchestrator) AverageDown(ctx context.Context, pos domain.Position, mark decimal.Decimal) (domain.Position, error) {
	unlock, err := o.guard.Lock(ctx, pos.Symbol)
	if err != nil {
		return pos, fmt.Errorf("service: average %s: %w", pos.Symbol, err)
	}
	defer unlock()

	cur, err := o.ledger.Get(ctx, pos.ID)
	if err != nil {
		return pos, fmt.Errorf("service: average %s: %w", pos.Symbol, err)
	}
	held, err := o.settleAverage(ctx, &cur)
	if err != nil {
		return cur, fmt.Errorf("service: average %s: %w", pos.Symbol, err)
	}
	if held || !o.CheckDCAConditions(cur, mark) {
		return cur, nil
	}
	return o.averageDown(ctx, cur, mark)
}

func (o *Orchestrator) averageDown(ctx context.Context, pos domain.Position, mark decimal.Decimal) (domain.Position, error) {
	log := o.logger.With(slog.String("symbol", pos.Symbol), slog.String("position_id", pos.ID))
	n := pos.DCACount
	if n >= o.cfg.MaxAverages {
		return pos, fmt.Errorf("service: average %s: %d of %d averages used: %w", pos.Symbol, n, o.cfg.MaxAverages, domain.ErrInvalidTransition)
	}

	meta, err := o.meta.Get(ctx, pos.Symbol)
	if err != nil {
		return pos, err
	}
	addQty, err := o.averagingQty(pos, mark, meta)
	if err != nil {
		return pos, fmt.Errorf("service: average %s: %w", pos.Symbol, err)
	}

	// Cancelling the old take-profit is best-effort. On a spot venue a
	// take-profit that is still resting holds the base, so the replacement
	// below fails and the step is settled on a later pass.
	cancelled := false
	if pos.HasTakeProfit() {
		filled, err := o.cancelTakeProfit(ctx, pos)
		if filled {
			return o.closeProfit(ctx, pos, pos.TakeProfitPrice)
		}
		if err != nil {
			log.WarnContext(ctx, "cancel take-profit before averaging failed",
				slog.String("tp_order_id", pos.TakeProfitOrderID),
				slog.String("error", err.Error()),
			)
		}
		cancelled = err == nil
	}
	restore := func() {
		if cancelled {
			o.restoreTakeProfit(ctx, &pos, meta)
		}
	}

	req := domain.OrderRequest{
		Symbol:        pos.Symbol,
		Side:          pos.Side.EntryOrderSide(),
		Type:          domain.OrderTypeMarket,
		Qty:           addQty,
		ClientOrderID: domain.ClientOrderID(pos.ID, domain.ClientOrderDCA, n+1),
	}
	report, err := o.placeOrder(ctx, domain.OrderKindDCA, req)
	if err != nil {
		restore()
		o.alert(ctx, notify.EventOrderError, pos, err, "averaging order failed")
		return pos, fmt.Errorf("service: average %s: %w", pos.Symbol, err)
	}

	report = o.awaitFill(ctx, report)
	if report.Status.IsDead() && !report.ExecutedQty.IsPositive() {
		o.recordOrder(ctx, pos, domain.OrderKindDCA, req, report)
		restore()
		err := fmt.Errorf("averaging order %s is %s: %w", report.OrderID, report.Status, domain.ErrOrderRejected)
		o.alert(ctx, notify.EventOrderError, pos, err, "averaging order did not fill")
		return pos, fmt.Errorf("service: average %s: %w", pos.Symbol, err)
	}
	fillQty, fillPrice := o.fillOf(ctx, log, report, addQty, mark)

	// The filled record is what holds further averaging back until the
	// ledger absorbs this step.
	o.recordFill(ctx, pos, req, report.OrderID, fillQty, fillPrice)
	next, err := o.commitAverage(ctx, pos, fillQty, fillPrice, meta)
	if err != nil {
		if cancelled {
			o.clearTakeProfit(ctx, &pos)
		}
		return pos, err
	}
	return next, nil
}

// commitAverage places the take-profit for pos plus an averaging fill and
// only then writes the averaged state. When placement fails the ledger keeps
// pos unchanged and settleAverage finishes the step later.
func (o *Orchestrator) commitAverage(ctx context.Context, pos domain.Position, fillQty, fillPrice decimal.Decimal, meta domain.SymbolMetadata) (domain.Position, error) {
	n := pos.DCACount
	conf := domain.Confirmation{
		AvgEntryPrice:  precision.WeightedAverage(pos.AvgEntryPrice, pos.BaseQty, fillPrice, fillQty),
		BaseQty:        pos.BaseQty.Add(fillQty),
		QuoteSpent:     pos.QuoteSpent.Add(fillPrice.Mul(fillQty)),
		DCACount:       n + 1,
		InitialQty:     pos.InitialQty,
		ExpectDCACount: n,
	}
	ref, err := o.placeTakeProfit(ctx, applyConfirmation(pos, conf), meta)
	if err != nil {
		o.alert(ctx, notify.EventTakeProfitError, pos, err,
			fmt.Sprintf("averaging fill %s @ %s has no take-profit; held at %d averages until one is placed", fillQty, fillPrice, n))
		return pos, fmt.Errorf("service: average %s: %w", pos.Symbol, err)
	}
	conf.TakeProfit = ref
	if err := o.confirm(ctx, pos, conf); err != nil {
		return pos, err
	}
	next := applyConfirmation(pos, conf)

	o.metrics.AverageCompleted()
	o.auditLog(ctx, "position.averaged", map[string]any{
		"position_id": pos.ID,
		"symbol":      pos.Symbol,
		"dca_count":   next.DCACount,
		"fill_qty":    fillQty.String(),
		"fill_price":  fillPrice.String(),
		"avg_price":   next.AvgEntryPrice.String(),
		"tp_order_id": next.TakeProfitOrderID,
	})
	o.notifier.Publish(notify.EventAveraged,
		fmt.Sprintf("Averaged %s (%d/%d)", pos.Symbol, next.DCACount, o.cfg.MaxAverages),
		fmt.Sprintf("added %s @ %s, avg %s -> %s, take-profit %s",
			fillQty, fillPrice, pos.AvgEntryPrice, next.AvgEntryPrice, next.TakeProfitPrice))
	o.logger.InfoContext(ctx, "position averaged",
		slog.String("symbol", pos.Symbol),
		slog.String("position_id", pos.ID),
		slog.Int("dca_count", next.DCACount),
		slog.String("avg_price", next.AvgEntryPrice.String()),
		slog.String("qty", next.BaseQty.String()),
		slog.String("tp_order_id", next.TakeProfitOrderID),
	)
	return next, nil
}

// unsettledFill returns the filled averaging order for pos's next step when
// one is recorded. Its fill is not yet part of the ledger row.
func (o *Orchestrator) unsettledFill(ctx context.Context, pos domain.Position) (domain.OrderRecord, bool, error) {
	if pos.DCACount >= o.cfg.MaxAverages {
		return domain.OrderRecord{}, false, nil
	}
	recs, err := o.ledger.Orders(ctx, pos.ID)
	if err != nil {
		return domain.OrderRecord{}, false, err
	}
	want := domain.ClientOrderID(pos.ID, domain.ClientOrderDCA, pos.DCACount+1)
	for _, rec := range recs {
		if rec.Kind == domain.OrderKindDCA && rec.ClientOrderID == want && rec.Status == domain.OrderStatusFilled {
			return rec, true, nil
		}
	}
	return domain.OrderRecord{}, false, nil
}

// settleAverage finishes an averaging step whose fill is recorded but whose
// replacement take-profit never landed. held reports that pos must not be
// traded further this pass: the step is still open, or the old take-profit
// turned out filled and closed the position.
func (o *Orchestrator) settleAverage(ctx context.Context, pos *domain.Position) (held bool, err error) {
	fill, ok, err := o.unsettledFill(ctx, *pos)
	if err != nil {
		return true, err
	}
	if !ok {
		return false, nil
	}
	meta, err := o.meta.Get(ctx, pos.Symbol)
	if err != nil {
		return true, err
	}
	if pos.HasTakeProfit() {
		filled, err := o.cancelTakeProfit(ctx, *pos)
		if filled {
			closed, err := o.closeProfit(ctx, *pos, pos.TakeProfitPrice)
			*pos = closed
			return true, err
		}
		if err != nil {
			return true, fmt.Errorf("cancel take-profit %s: %w", pos.TakeProfitOrderID, err)
		}
	}
	next, err := o.commitAverage(ctx, *pos, fill.Qty, fill.Price, meta)
	if err != nil {
		return true, err
	}
	*pos = next
	return false, nil
}

// averagingQty sizes the next averaging order.
func (o *Orchestrator) averagingQty(pos domain.Position, mark decimal.Decimal, meta domain.SymbolMetadata) (decimal.Decimal, error) {
	idx := min(pos.DCACount, len(o.cfg.DCAScales)-1)
	base := pos.BaseQty
	if o.cfg.DCABase == DCABaseInitial && pos.InitialQty.IsPositive() {
		base = pos.InitialQty
	}
	return precision.RoundQuantity(base.Mul(o.cfg.DCAScales[idx]), mark, meta)
}

// Monitor detects a filled take-profit and evaluates averaging for one
// position under its symbol lock. A zero mark is looked up.
func (o *Orchestrator) Monitor(ctx context.Context, pos domain.Position, mark decimal.Decimal) (domain.Position, error) {
	unlock, err := o.guard.Lock(ctx, pos.Symbol)
	if err != nil {
		return pos, fmt.Errorf("service: monitor %s: %w", pos.Symbol, err)
	}
	defer unlock()

	cur, err := o.ledger.Get(ctx, pos.ID)
	if err != nil {
		return pos, fmt.Errorf("service: monitor %s: %w", pos.Symbol, err)
	}
	if cur.Status != domain.PositionStatusOpen {
		return cur, nil
	}
	if !mark.IsPositive() {
		if mark, err = o.markPrice(ctx, cur.Symbol); err != nil {
			return cur, fmt.Errorf("service: monitor %s: %w", cur.Symbol, err)
		}
	}

	held, err := o.settleAverage(ctx, &cur)
	if err != nil {
		return cur, fmt.Errorf("service: monitor %s: %w", cur.Symbol, err)
	}
	if held {
		return cur, nil
	}

	closed, err := o.checkTakeProfit(ctx, &cur, mark)
	if err != nil {
		return cur, fmt.Errorf("service: monitor %s: %w", cur.Symbol, err)
	}
	if closed {
		return cur, nil
	}

	if o.CheckDCAConditions(cur, mark) {
		return o.averageDown(ctx, cur, mark)
	}
	return cur, nil
}

// checkTakeProfit closes pos when its take-profit filled, or in price mode
// when the mark crossed the target. A missing or dead take-profit is
// replaced.
func (o *Orchestrator) checkTakeProfit(ctx context.Context, pos *domain.Position, mark decimal.Decimal) (bool, error) {
	if o.cfg.MonitorMode == MonitorByPrice {
		meta, err := o.meta.Get(ctx, pos.Symbol)
		if err != nil {
			return false, err
		}
		target := precision.TakeProfitPrice(pos.AvgEntryPrice, o.cfg.TakeProfit, pos.Side, meta.TickSize)
		crossed := (pos.Side == domain.SideLong && mark.GreaterThanOrEqual(target)) ||
			(pos.Side == domain.SideShort && mark.LessThanOrEqual(target))
		if !crossed {
			if !pos.HasTakeProfit() {
				o.repairTakeProfit(ctx, pos)
			}
			return false, nil
		}
		closed, err := o.exitAtMarket(ctx, *pos, mark, meta)
		*pos = closed
		if err != nil {
			return false, err
		}
		return true, nil
	}

	if !pos.HasTakeProfit() {
		o.repairTakeProfit(ctx, pos)
		return false, nil
	}
	report, err := retry.Call(ctx, o.policy, "get take-profit "+pos.Symbol, func(ctx context.Context) (domain.OrderReport, error) {
		return o.ex.GetOrder(ctx, pos.Symbol, pos.TakeProfitOrderID)
	})
	switch {
	case err == nil && report.Status == domain.OrderStatusFilled:
		closed, err := o.closeProfit(ctx, *pos, pos.TakeProfitPrice)
		if err != nil {
			return false, err
		}
		*pos = closed
		return true, nil
	case err == nil && report.Status.IsLive():
		return false, nil
	case err == nil || errors.Is(err, domain.ErrNotFound):
		meta, merr := o.meta.Get(ctx, pos.Symbol)
		if merr != nil {
			return false, merr
		}
		o.logger.WarnContext(ctx, "take-profit gone, replacing",
			slog.String("symbol", pos.Symbol),
			slog.String("position_id", pos.ID),
			slog.String("tp_order_id", pos.TakeProfitOrderID),
			slog.String("status", string(report.Status)),
		)
		o.restoreTakeProfit(ctx, pos, meta)
		return false, nil
	default:
		return false, err
	}
}

// repairTakeProfit gives an OPEN position without a take-profit one. A live
// order carrying the position's take-profit prefix is adopted; otherwise a
// new one is placed. Failures are alerted and retried on the next pass.
func (o *Orchestrator) repairTakeProfit(ctx context.Context, pos *domain.Position) {
	open, err := retry.Call(ctx, o.policy, "open orders "+pos.Symbol, func(ctx context.Context) ([]domain.OrderReport, error) {
		return o.ex.OpenOrders(ctx, pos.Symbol)
	})
	if err != nil {
		o.logger.WarnContext(ctx, "list open orders for take-profit repair failed",
			slog.String("symbol", pos.Symbol),
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if _, err := o.adoptOrPlaceTakeProfit(ctx, pos, open); err != nil {
		o.logger.WarnContext(ctx, "take-profit repair failed",
			slog.String("symbol", pos.Symbol),
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}

// adoptOrPlaceTakeProfit records the first live order in open that carries
// pos's take-profit prefix, or places a new take-profit when there is none.
// adopted reports which happened.
func (o *Orchestrator) adoptOrPlaceTakeProfit(ctx context.Context, pos *domain.Position, open []domain.OrderReport) (adopted bool, err error) {
	prefix := domain.ClientOrderPrefix(pos.ID, domain.ClientOrderTakeProfit)
	for _, ord := range open {
		if ord.Symbol != pos.Symbol || !ord.Status.IsLive() || !strings.HasPrefix(ord.ClientOrderID, prefix) {
			continue
		}
		if !o.storeTakeProfit(ctx, pos, &domain.TakeProfitRef{OrderID: ord.OrderID, Price: ord.Price}) {
			return false, fmt.Errorf("adopt take-profit %s: %w", ord.OrderID, domain.ErrPersistence)
		}
		o.logger.InfoContext(ctx, "take-profit adopted",
			slog.String("symbol", pos.Symbol),
			slog.String("position_id", pos.ID),
			slog.String("tp_order_id", ord.OrderID),
		)
		return true, nil
	}

	meta, err := o.meta.Get(ctx, pos.Symbol)
	if err != nil {
		return false, err
	}
	if !o.restoreTakeProfit(ctx, pos, meta) {
		return false, domain.ErrTakeProfitFailed
	}
	return false, nil
}

// exitAtMarket closes pos with a market order once the mark crossed its
// target. The resting take-profit is cancelled first; if it already filled,
// that fill closes the position instead.
func (o *Orchestrator) exitAtMarket(ctx context.Context, pos domain.Position, mark decimal.Decimal, meta domain.SymbolMetadata) (domain.Position, error) {
	log := o.logger.With(slog.String("symbol", pos.Symbol), slog.String("position_id", pos.ID))
	hadTP := pos.HasTakeProfit()
	if hadTP {
		filled, err := o.cancelTakeProfit(ctx, pos)
		if filled {
			return o.closeProfit(ctx, pos, pos.TakeProfitPrice)
		}
		if err != nil {
			return pos, fmt.Errorf("service: exit %s: cancel take-profit %s: %w", pos.Symbol, pos.TakeProfitOrderID, err)
		}
	}
	restore := func() {
		if hadTP {
			o.restoreTakeProfit(ctx, &pos, meta)
		}
	}

	qty := precision.FloorToStep(pos.BaseQty, meta.StepSize)
	req := domain.OrderRequest{
		Symbol:        pos.Symbol,
		Side:          pos.Side.ExitOrderSide(),
		Type:          domain.OrderTypeMarket,
		Qty:           qty,
		ClientOrderID: domain.ClientOrderID(pos.ID, domain.ClientOrderExit, pos.DCACount),
	}
	report, err := o.placeOrder(ctx, domain.OrderKindExit, req)
	if err != nil {
		restore()
		o.alert(ctx, notify.EventOrderError, pos, err, "market exit at take-profit target failed")
		return pos, fmt.Errorf("service: exit %s: %w", pos.Symbol, err)
	}
	o.recordOrder(ctx, pos, domain.OrderKindExit, req, report)

	report = o.awaitFill(ctx, report)
	if report.Status.IsDead() && !report.ExecutedQty.IsPositive() {
		restore()
		err := fmt.Errorf("exit order %s is %s: %w", report.OrderID, report.Status, domain.ErrOrderRejected)
		o.alert(ctx, notify.EventOrderError, pos, err, "market exit did not fill")
		return pos, fmt.Errorf("service: exit %s: %w", pos.Symbol, err)
	}
	_, exitPrice := o.fillOf(ctx, log, report, qty, mark)
	return o.closeProfit(ctx, pos, exitPrice)
}

// closeProfit records a take-profit exit at exitPrice.
func (o *Orchestrator) closeProfit(ctx context.Context, pos domain.Position, exitPrice decimal.Decimal) (domain.Position, error) {
	pctx, cancel := persistCtx(ctx)
	defer cancel()
	if err := o.ledger.Close(pctx, pos.ID, domain.PositionStatusClosedProfit); err != nil {
		o.alert(ctx, notify.EventPersistence, pos, err, "record take-profit fill failed")
		return pos, fmt.Errorf("service: close %s: %w", pos.Symbol, err)
	}
	now := o.now().UTC()
	pos.Status = domain.PositionStatusClosedProfit
	pos.ClosedAt = &now

	o.metrics.PositionClosed(string(pos.Status))
	o.auditLog(ctx, "position.closed", map[string]any{
		"position_id": pos.ID,
		"symbol":      pos.Symbol,
		"status":      string(pos.Status),
		"exit_price":  exitPrice.String(),
		"pnl":         realizedPnL(pos, exitPrice).StringFixed(8),
	})
	o.notifier.Publish(notify.EventPositionClosed,
		fmt.Sprintf("Take-profit %s %s", pos.Side, pos.Symbol),
		fmt.Sprintf("qty %s avg %s closed @ %s after %d averages", pos.BaseQty, pos.AvgEntryPrice, exitPrice, pos.DCACount))
	o.logger.InfoContext(ctx, "position closed",
		slog.String("symbol", pos.Symbol),
		slog.String("position_id", pos.ID),
		slog.String("status", string(pos.Status)),
	)
	return pos, nil
}

func realizedPnL(pos domain.Position, exitPrice decimal.Decimal) decimal.Decimal {
	diff := exitPrice.Sub(pos.AvgEntryPrice)
	if pos.Side == domain.SideShort {
		diff = diff.Neg()
	}
	return diff.Mul(pos.BaseQty)
}

// abort closes a position whose entry never filled.
func (o *Orchestrator) abort(ctx context.Context, pos domain.Position) {
	pctx, cancel := persistCtx(ctx)
	defer cancel()
	if err := o.ledger.Close(pctx, pos.ID, domain.PositionStatusClosedAborted); err != nil {
		o.alert(ctx, notify.EventPersistence, pos, err, "abort position failed")
		return
	}
	o.metrics.PositionClosed(string(domain.PositionStatusClosedAborted))
}

// confirm writes fill-derived state. Money has moved by now, so the write is
// detached from ctx cancellation.
func (o *Orchestrator) confirm(ctx context.Context, pos domain.Position, conf domain.Confirmation) error {
	pctx, cancel := persistCtx(ctx)
	defer cancel()
	if err := o.ledger.Confirm(pctx, pos.ID, conf); err != nil {
		o.alert(ctx, notify.EventPersistence, pos, err, "confirm position failed")
		return fmt.Errorf("service: confirm %s: %w", pos.Symbol, err)
	}
	return nil
}

// placeTakeProfit places the take-profit for pos's stored average and
// quantity, retrying once one tick further from entry.
func (o *Orchestrator) placeTakeProfit(ctx context.Context, pos domain.Position, meta domain.SymbolMetadata) (*domain.TakeProfitRef, error) {
	qty := precision.FloorToStep(pos.BaseQty, meta.StepSize)
	target := precision.TakeProfitPrice(pos.AvgEntryPrice, o.cfg.TakeProfit, pos.Side, meta.TickSize)
	if err := precision.ValidateOrder(qty, target, meta); err != nil {
		return nil, fmt.Errorf("service: take-profit %s: %w: %w", pos.Symbol, domain.ErrTakeProfitFailed, err)
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		price := precision.StepAway(target, meta.TickSize, pos.Side, attempt)
		req := domain.OrderRequest{
			Symbol:        pos.Symbol,
			Side:          pos.Side.ExitOrderSide(),
			Type:          domain.OrderTypeLimit,
			Qty:           qty,
			Price:         price,
			ClientOrderID: domain.ClientOrderID(pos.ID, domain.ClientOrderTakeProfit, takeProfitSeq(pos.DCACount, attempt)),
		}
		report, err := o.placeOrder(ctx, domain.OrderKindTakeProfit, req)
		if err == nil {
			o.recordOrder(ctx, pos, domain.OrderKindTakeProfit, req, report)
			return &domain.TakeProfitRef{OrderID: report.OrderID, Price: price}, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		o.logger.WarnContext(ctx, "take-profit placement failed",
			slog.String("symbol", pos.Symbol),
			slog.String("position_id", pos.ID),
			slog.String("price", price.String()),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
	return nil, fmt.Errorf("service: take-profit %s: %w: %w", pos.Symbol, domain.ErrTakeProfitFailed, lastErr)
}

// takeProfitSeq keeps take-profit client ids distinct per averaging step and
// placement attempt. Ids only need to be unique among live orders.
func takeProfitSeq(dcaCount, attempt int) int {
	return dcaCount*2 + attempt
}

// ensureTakeProfit places a take-profit for a freshly confirmed position and
// stores the reference. Failures are alerted, not returned.
func (o *Orchestrator) ensureTakeProfit(ctx context.Context, pos *domain.Position, meta domain.SymbolMetadata) {
	ref, err := o.placeTakeProfit(ctx, *pos, meta)
	if err != nil {
		o.alert(ctx, notify.EventTakeProfitError, *pos, err, "position open without take-profit")
		return
	}
	o.storeTakeProfit(ctx, pos, ref)
}

// restoreTakeProfit re-places the take-profit at the position's stored state.
func (o *Orchestrator) restoreTakeProfit(ctx context.Context, pos *domain.Position, meta domain.SymbolMetadata) bool {
	ref, err := o.placeTakeProfit(ctx, *pos, meta)
	if err != nil {
		o.alert(ctx, notify.EventTakeProfitError, *pos, err, "restore take-profit failed")
		return false
	}
	return o.storeTakeProfit(ctx, pos, ref)
}

func (o *Orchestrator) storeTakeProfit(ctx context.Context, pos *domain.Position, ref *domain.TakeProfitRef) bool {
	pctx, cancel := persistCtx(ctx)
	defer cancel()
	if err := o.ledger.SetTakeProfit(pctx, pos.ID, ref); err != nil {
		o.alert(ctx, notify.EventPersistence, *pos, err, "store take-profit reference failed; order "+ref.OrderID+" is live")
		return false
	}
	pos.TakeProfitOrderID = ref.OrderID
	pos.TakeProfitPrice = ref.Price
	return true
}

// clearTakeProfit drops the reference to a take-profit that is gone.
func (o *Orchestrator) clearTakeProfit(ctx context.Context, pos *domain.Position) {
	pctx, cancel := persistCtx(ctx)
	defer cancel()
	if err := o.ledger.SetTakeProfit(pctx, pos.ID, nil); err != nil {
		o.alert(ctx, notify.EventPersistence, *pos, err, "clear take-profit reference failed")
		return
	}
	pos.TakeProfitOrderID = ""
	pos.TakeProfitPrice = decimal.Zero
}

// cancelTakeProfit cancels pos's take-profit. filled reports that it had
// already executed.
func (o *Orchestrator) cancelTakeProfit(ctx context.Context, pos domain.Position) (filled bool, err error) {
	err = o.policy.Do(ctx, "cancel take-profit "+pos.Symbol, func(ctx context.Context) error {
		return o.ex.CancelOrder(ctx, pos.Symbol, pos.TakeProfitOrderID)
	})
	if err == nil {
		return false, nil
	}
	report, gerr := retry.Call(ctx, o.policy, "get take-profit "+pos.Symbol, func(ctx context.Context) (domain.OrderReport, error) {
		return o.ex.GetOrder(ctx, pos.Symbol, pos.TakeProfitOrderID)
	})
	if gerr == nil && report.Status == domain.OrderStatusFilled {
		return true, nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// placeOrder submits req, retrying only rate-limit rejections.
func (o *Orchestrator) placeOrder(ctx context.Context, kind domain.OrderKind, req domain.OrderRequest) (domain.OrderReport, error) {
	op := fmt.Sprintf("place %s %s", kind, req.Symbol)
	report, err := retry.Call(ctx, o.placePolicy, op, func(ctx context.Context) (domain.OrderReport, error) {
		return o.ex.PlaceOrder(ctx, req)
	})
	if err != nil {
		return domain.OrderReport{}, err
	}
	o.metrics.OrderPlaced(string(kind), string(req.Side))
	return report, nil
}

// awaitFill polls a market order until it fills, dies, or polling runs out.
func (o *Orchestrator) awaitFill(ctx context.Context, report domain.OrderReport) domain.OrderReport {
	for i := 0; i < o.cfg.FillPollAttempts; i++ {
		if report.Status == domain.OrderStatusFilled || report.Status.IsDead() {
			return report
		}
		if err := o.sleep(ctx, o.cfg.FillPollDelay); err != nil {
			return report
		}
		r, err := retry.Call(ctx, o.policy, "get order "+report.Symbol, func(ctx context.Context) (domain.OrderReport, error) {
			return o.ex.GetOrder(ctx, report.Symbol, report.OrderID)
		})
		if err != nil {
			o.logger.WarnContext(ctx, "poll order failed",
				slog.String("symbol", report.Symbol),
				slog.String("order_id", report.OrderID),
				slog.String("error", err.Error()),
			)
			continue
		}
		report = r
	}
	return report
}

// fillOf returns the executed quantity and average price of report, falling
// back to the requested quantity and pre-trade price.
func (o *Orchestrator) fillOf(ctx context.Context, log *slog.Logger, report domain.OrderReport, reqQty, refPrice decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	qty := report.ExecutedQty
	if !qty.IsPositive() {
		qty = reqQty
	}
	price := report.AvgFillPrice()
	if !price.IsPositive() {
		log.WarnContext(ctx, "fill price unavailable, using pre-trade price",
			slog.String("order_id", report.OrderID),
			slog.String("status", string(report.Status)),
			slog.String("price", refPrice.String()),
		)
		price = refPrice
	}
	return qty, price
}

// recordFill records an averaging order at the quantity and price the engine
// accounted for it, which may be the pre-trade estimate.
func (o *Orchestrator) recordFill(ctx context.Context, pos domain.Position, req domain.OrderRequest, orderID string, qty, price decimal.Decimal) {
	rec := domain.OrderRecord{
		PositionID:    pos.ID,
		OrderID:       orderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Kind:          domain.OrderKindDCA,
		Side:          req.Side,
		Price:         price,
		Qty:           qty,
		Status:        domain.OrderStatusFilled,
	}
	pctx, cancel := persistCtx(ctx)
	defer cancel()
	if err := o.ledger.RecordOrder(pctx, rec); err != nil {
		o.alert(ctx, notify.EventPersistence, pos, err, "record averaging fill "+orderID+" failed")
	}
}

func (o *Orchestrator) recordOrder(ctx context.Context, pos domain.Position, kind domain.OrderKind, req domain.OrderRequest, report domain.OrderReport) {
	price := report.Price
	if avg := report.AvgFillPrice(); avg.IsPositive() {
		price = avg
	}
	if !price.IsPositive() {
		price = req.Price
	}
	rec := domain.OrderRecord{
		PositionID:    pos.ID,
		OrderID:       report.OrderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Kind:          kind,
		Side:          req.Side,
		Price:         price,
		Qty:           req.Qty,
		Status:        report.Status,
	}
	pctx, cancel := persistCtx(ctx)
	defer cancel()
	if err := o.ledger.RecordOrder(pctx, rec); err != nil {
		o.alert(ctx, notify.EventPersistence, pos, err, "record order "+report.OrderID+" failed")
	}
}

// markPrice prefers a recent streamed mark and falls back to the ticker.
func (o *Orchestrator) markPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if o.prices != nil {
		if p, ts, err := o.prices.GetPrice(ctx, symbol); err == nil && p.IsPositive() && o.now().Sub(ts) <= markMaxAge {
			return p, nil
		}
	}
	prices, err := retry.Call(ctx, o.policy, "ticker "+symbol, func(ctx context.Context) (map[string]decimal.Decimal, error) {
		return o.ex.Tickers(ctx, []string{symbol})
	})
	if err != nil {
		return decimal.Zero, err
	}
	p, ok := prices[symbol]
	if !ok || !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("no price for %s: %w", symbol, domain.ErrInsufficientData)
	}
	return p, nil
}

func (o *Orchestrator) freeQuote(ctx context.Context, asset string) (decimal.Decimal, error) {
	balances, err := retry.Call(ctx, o.policy, "balances", o.ex.Balances)
	if err != nil {
		return decimal.Zero, err
	}
	for _, b := range balances {
		if b.Asset == asset {
			return b.Free, nil
		}
	}
	return decimal.Zero, nil
}

func (o *Orchestrator) quoteAsset(meta domain.SymbolMetadata) string {
	if meta.QuoteAsset != "" {
		return meta.QuoteAsset
	}
	return o.cfg.QuoteAsset
}

// alert is the operator-facing failure path: error log, metric, audit row and
// notification.
func (o *Orchestrator) alert(ctx context.Context, event notify.Event, pos domain.Position, err error, msg string) {
	attrs := []any{
		slog.String("event", string(event)),
		slog.String("symbol", pos.Symbol),
		slog.String("position_id", pos.ID),
	}
	detail := map[string]any{
		"symbol":      pos.Symbol,
		"position_id": pos.ID,
		"message":     msg,
	}
	body := msg
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		detail["error"] = err.Error()
		body += ": " + err.Error()
	}
	o.logger.ErrorContext(ctx, msg, attrs...)
	o.metrics.Alert(string(event))
	o.auditLog(ctx, "alert."+string(event), detail)
	o.notifier.Publish(event, "ALERT "+pos.Symbol, body)
}

func (o *Orchestrator) auditLog(ctx context.Context, event string, detail map[string]any) {
	if o.audit == nil {
		return
	}
	pctx, cancel := persistCtx(ctx)
	defer cancel()
	if err := o.audit.Log(pctx, event, detail); err != nil {
		o.logger.WarnContext(ctx, "audit log write failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func applyConfirmation(pos domain.Position, conf domain.Confirmation) domain.Position {
	if pos.Status == domain.PositionStatusPending {
		pos.InitialQty = conf.InitialQty
	}
	pos.Status = domain.PositionStatusOpen
	pos.AvgEntryPrice = conf.AvgEntryPrice
	pos.BaseQty = conf.BaseQty
	pos.QuoteSpent = conf.QuoteSpent
	pos.DCACount = conf.DCACount
	if conf.TakeProfit != nil {
		pos.TakeProfitOrderID = conf.TakeProfit.OrderID
		pos.TakeProfitPrice = conf.TakeProfit.Price
	}
	return pos
}

// persistCtx detaches ledger writes from cancellation of the trading context.
func persistCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
