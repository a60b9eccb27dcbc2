package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dcabot/internal/domain"
	"github.com/alanyoungcy/dcabot/internal/notify"
	"github.com/alanyoungcy/dcabot/internal/precision"
	"github.com/alanyoungcy/dcabot/internal/retry"
)

// Reconciliation action kinds.
const (
	ActionClosedProfit    = "closed_profit"
	ActionClosedAborted   = "closed_aborted"
	ActionConfirmedEntry  = "confirmed_entry"
	ActionReplacedTP      = "replaced_take_profit"
	ActionAdoptedTP       = "adopted_take_profit"
	ActionPlacedTP        = "placed_take_profit"
	ActionSettledAverage  = "settled_average"
	ActionTakeProfitError = "take_profit_failed"
)

// Orphan order reasons.
const (
	OrphanUntracked           = "untracked"
	OrphanDuplicateTakeProfit = "duplicate_take_profit"
)

// ReportArchiver stores reconciliation reports off-box.
type ReportArchiver interface {
	Archive(ctx context.Context, kind string, at time.Time, v any) (string, error)
}

// ReconcileAction is one repair (or flagged conflict) applied to a position.
type ReconcileAction struct {
	PositionID string `json:"position_id"`
	Symbol     string `json:"symbol"`
	Action     string `json:"action"`
	Detail     string `json:"detail,omitempty"`
}

// OrphanOrder is a live exchange order the ledger does not account for:
// either untracked, or a second take-profit of a tracked position.
type OrphanOrder struct {
	Symbol        string `json:"symbol"`
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_order_id"`
	Side          string `json:"side"`
	Price         string `json:"price"`
	Qty           string `json:"qty"`
	Reason        string `json:"reason"`
	PositionID    string `json:"position_id,omitempty"`
}

// OrphanBalance is base held on the exchange beyond what OPEN long positions
// account for, rounded down to a tradable quantity.
type OrphanBalance struct {
	Asset   string `json:"asset"`
	Symbol  string `json:"symbol"`
	Held    string `json:"held"`
	Tracked string `json:"tracked"`
	Excess  string `json:"excess"`
}

// ReconcileReport summarizes one reconciliation pass. Mutations counts
// ledger writes and placed orders; a pass over consistent state has none.
type ReconcileReport struct {
	StartedAt      time.Time         `json:"started_at"`
	FinishedAt     time.Time         `json:"finished_at"`
	Checked        int               `json:"checked"`
	Skipped        int               `json:"skipped,omitempty"`
	Mutations      int               `json:"mutations"`
	Actions        []ReconcileAction `json:"actions,omitempty"`
	Conflicts      []ReconcileAction `json:"conflicts,omitempty"`
	Orphans        []OrphanOrder     `json:"orphans,omitempty"`
	OrphanBalances []OrphanBalance   `json:"orphan_balances,omitempty"`
	Errors         []string          `json:"errors,omitempty"`
	ArchivePath    string            `json:"archive_path,omitempty"`
}

// OrphanCount is the number of flagged orders and balances.
func (r *ReconcileReport) OrphanCount() int {
	return len(r.Orphans) + len(r.OrphanBalances)
}

func (r *ReconcileReport) act(pos domain.Position, action, detail string) {
	r.Mutations++
	r.Actions = append(r.Actions, ReconcileAction{PositionID: pos.ID, Symbol: pos.Symbol, Action: action, Detail: detail})
}

func (r *ReconcileReport) conflict(pos domain.Position, action, detail string) {
	r.Conflicts = append(r.Conflicts, ReconcileAction{PositionID: pos.ID, Symbol: pos.Symbol, Action: action, Detail: detail})
}

// Reconciler brings the ledger in line with the exchange at startup and
// periodically afterwards.
type Reconciler struct {
	orch         *Orchestrator
	archiver     ReportArchiver
	pendingGrace time.Duration
	logger       *slog.Logger

	lastOrphans string
	// unpriced holds assets with no symbol against the quote asset; their
	// balances cannot come from a position.
	unpriced map[string]bool

	mu   sync.RWMutex
	last *ReconcileReport
}

// NewReconciler creates a Reconciler that repairs through orch. archiver may
// be nil.
func NewReconciler(orch *Orchestrator, archiver ReportArchiver, pendingGrace time.Duration, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		orch:         orch,
		archiver:     archiver,
		pendingGrace: pendingGrace,
		logger:       logger.With(slog.String("component", "reconciler")),
		unpriced:     make(map[string]bool),
	}
}

// Last returns the most recent report, or nil.
func (r *Reconciler) Last() *ReconcileReport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// Reconcile runs one pass. Individual position failures are collected in the
// report; only failures to read the ledger or the exchange's open orders
// abort the pass.
func (r *Reconciler) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	o := r.orch
	report := &ReconcileReport{StartedAt: o.now().UTC()}

	positions, err := o.ledger.GetOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("service: reconcile: %w", err)
	}
	open, err := retry.Call(ctx, o.policy, "open orders", func(ctx context.Context) ([]domain.OrderReport, error) {
		return o.ex.OpenOrders(ctx, "")
	})
	if err != nil {
		return nil, fmt.Errorf("service: reconcile: %w", err)
	}
	live := make(map[string]domain.OrderReport, len(open))
	for _, ord := range open {
		live[ord.OrderID] = ord
	}

	for _, pos := range positions {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("service: reconcile: %w", err)
		}
		// A symbol held by a trading worker is mid-change; the next pass
		// sees it settled.
		unlock, ok := o.guard.TryLock(ctx, pos.Symbol)
		if !ok {
			report.Skipped++
			r.logger.DebugContext(ctx, "reconcile skipped busy symbol",
				slog.String("symbol", pos.Symbol),
				slog.String("position_id", pos.ID),
			)
			continue
		}
		report.Checked++
		err := r.reconcilePosition(ctx, pos, open, live, report)
		unlock()
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s %s: %v", pos.Symbol, pos.ID, err))
			r.logger.WarnContext(ctx, "reconcile position failed",
				slog.String("symbol", pos.Symbol),
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	// Re-read the ledger so take-profits placed in this pass are not flagged.
	if positions, err = o.ledger.GetOpen(ctx); err != nil {
		return nil, fmt.Errorf("service: reconcile: %w", err)
	}
	report.Orphans = r.confirmDuplicates(ctx, orphans(open, positions))
	balances, err := r.orphanBalances(ctx, positions)
	if err != nil {
		report.Errors = append(report.Errors, "orphan balances: "+err.Error())
		r.logger.WarnContext(ctx, "orphan balance check failed", slog.String("error", err.Error()))
	}
	report.OrphanBalances = balances
	report.FinishedAt = o.now().UTC()
	r.finish(ctx, report)
	return report, nil
}

func (r *Reconciler) reconcilePosition(ctx context.Context, pos domain.Position, open []domain.OrderReport, live map[string]domain.OrderReport, report *ReconcileReport) error {
	o := r.orch

	// The scheduler may have moved the position since GetOpen.
	pos, err := o.ledger.Get(ctx, pos.ID)
	if err != nil {
		return err
	}
	switch pos.Status {
	case domain.PositionStatusPending:
		return r.reconcilePending(ctx, pos, report)
	case domain.PositionStatusOpen:
		return r.reconcileOpen(ctx, pos, open, live, report)
	default:
		return nil
	}
}

// reconcilePending resolves a PENDING row through its recorded entry order.
func (r *Reconciler) reconcilePending(ctx context.Context, pos domain.Position, report *ReconcileReport) error {
	o := r.orch
	if o.now().Sub(pos.CreatedAt) < r.pendingGrace {
		return nil
	}

	records, err := o.ledger.Orders(ctx, pos.ID)
	if err != nil {
		return err
	}
	var entry *domain.OrderRecord
	for i := range records {
		if records[i].Kind == domain.OrderKindEntry {
			entry = &records[i]
			break
		}
	}
	if entry == nil {
		if err := r.close(ctx, pos, domain.PositionStatusClosedAborted); err != nil {
			return err
		}
		report.act(pos, ActionClosedAborted, "no entry order recorded")
		report.conflict(pos, ActionClosedAborted, "pending position without a recorded entry order")
		o.alert(ctx, notify.EventReconcile, pos, domain.ErrReconciliationConflict,
			"pending position had no recorded entry order; aborted, verify the exchange for "+domain.ClientOrderID(pos.ID, domain.ClientOrderEntry, 0))
		return nil
	}

	ord, err := retry.Call(ctx, o.policy, "get entry order "+pos.Symbol, func(ctx context.Context) (domain.OrderReport, error) {
		return o.ex.GetOrder(ctx, pos.Symbol, entry.OrderID)
	})
	switch {
	case errors.Is(err, domain.ErrNotFound):
		if err := r.close(ctx, pos, domain.PositionStatusClosedAborted); err != nil {
			return err
		}
		report.act(pos, ActionClosedAborted, "entry order "+entry.OrderID+" not found")
		return nil
	case err != nil:
		return err
	}

	if ord.ExecutedQty.IsPositive() && (ord.Status == domain.OrderStatusFilled || ord.Status.IsDead()) {
		price := ord.AvgFillPrice()
		if !price.IsPositive() {
			price = entry.Price
		}
		conf := domain.Confirmation{
			AvgEntryPrice:  price,
			BaseQty:        ord.ExecutedQty,
			QuoteSpent:     price.Mul(ord.ExecutedQty),
			InitialQty:     ord.ExecutedQty,
			ExpectDCACount: 0,
		}
		if err := o.confirm(ctx, pos, conf); err != nil {
			return err
		}
		pos = applyConfirmation(pos, conf)
		report.act(pos, ActionConfirmedEntry, fmt.Sprintf("%s @ %s", ord.ExecutedQty, price))
		return r.placeTakeProfit(ctx, pos, report)
	}
	if ord.Status.IsDead() {
		if err := r.close(ctx, pos, domain.PositionStatusClosedAborted); err != nil {
			return err
		}
		report.act(pos, ActionClosedAborted, "entry order "+string(ord.Status))
	}
	// Still working: leave it for the next pass.
	return nil
}

// reconcileOpen checks the take-profit of an OPEN position.
func (r *Reconciler) reconcileOpen(ctx context.Context, pos domain.Position, open []domain.OrderReport, live map[string]domain.OrderReport, report *ReconcileReport) error {
	o := r.orch

	prev := pos
	held, err := o.settleAverage(ctx, &pos)
	switch {
	case errors.Is(err, domain.ErrTakeProfitFailed):
		report.conflict(pos, ActionTakeProfitError, "averaging fill without take-profit")
		return err
	case err != nil:
		return err
	case pos.Status == domain.PositionStatusClosedProfit:
		report.act(pos, ActionClosedProfit, prev.TakeProfitOrderID)
		return nil
	case held:
		return nil
	case pos.DCACount != prev.DCACount:
		report.act(pos, ActionSettledAverage,
			fmt.Sprintf("%d -> %d averages, take-profit %s", prev.DCACount, pos.DCACount, pos.TakeProfitOrderID))
		return nil
	}

	if !pos.HasTakeProfit() {
		adopted, err := o.adoptOrPlaceTakeProfit(ctx, &pos, open)
		switch {
		case errors.Is(err, domain.ErrTakeProfitFailed):
			report.conflict(pos, ActionTakeProfitError, "open position without take-profit")
			return err
		case err != nil:
			return err
		case adopted:
			report.act(pos, ActionAdoptedTP, pos.TakeProfitOrderID)
		default:
			report.act(pos, ActionPlacedTP, pos.TakeProfitOrderID)
		}
		return nil
	}

	if _, ok := live[pos.TakeProfitOrderID]; ok {
		return nil
	}

	ord, err := retry.Call(ctx, o.policy, "get take-profit "+pos.Symbol, func(ctx context.Context) (domain.OrderReport, error) {
		return o.ex.GetOrder(ctx, pos.Symbol, pos.TakeProfitOrderID)
	})
	switch {
	case err == nil && ord.Status == domain.OrderStatusFilled:
		if _, err := o.closeProfit(ctx, pos, pos.TakeProfitPrice); err != nil {
			return err
		}
		report.act(pos, ActionClosedProfit, pos.TakeProfitOrderID)
		return nil
	case err == nil && ord.Status.IsLive():
		// Placed after the open-orders snapshot.
		return nil
	case err == nil || errors.Is(err, domain.ErrNotFound):
		status := "not found"
		if err == nil {
			status = string(ord.Status)
		}
		meta, err := o.meta.Get(ctx, pos.Symbol)
		if err != nil {
			return err
		}
		old := pos.TakeProfitOrderID
		if !o.restoreTakeProfit(ctx, &pos, meta) {
			report.conflict(pos, ActionTakeProfitError, "replacement for "+old+" failed")
			return fmt.Errorf("replace take-profit %s: %w", old, domain.ErrTakeProfitFailed)
		}
		report.act(pos, ActionReplacedTP, fmt.Sprintf("%s (%s) -> %s", old, status, pos.TakeProfitOrderID))
		return nil
	default:
		return err
	}
}

func (r *Reconciler) placeTakeProfit(ctx context.Context, pos domain.Position, report *ReconcileReport) error {
	o := r.orch
	meta, err := o.meta.Get(ctx, pos.Symbol)
	if err != nil {
		return err
	}
	if !o.restoreTakeProfit(ctx, &pos, meta) {
		report.conflict(pos, ActionTakeProfitError, "open position without take-profit")
		return domain.ErrTakeProfitFailed
	}
	report.act(pos, ActionPlacedTP, pos.TakeProfitOrderID)
	return nil
}

func (r *Reconciler) close(ctx context.Context, pos domain.Position, status domain.PositionStatus) error {
	pctx, cancel := persistCtx(ctx)
	defer cancel()
	if err := r.orch.ledger.Close(pctx, pos.ID, status); err != nil {
		return err
	}
	r.orch.metrics.PositionClosed(string(status))
	return nil
}

// orphans returns live orders the PENDING and OPEN positions do not account
// for. Entry, averaging and exit orders of a position are in flight and
// accepted; of its take-profit orders only the recorded one is.
func orphans(open []domain.OrderReport, positions []domain.Position) []OrphanOrder {
	known := make(map[string]bool, len(positions))
	var inFlight []string
	tpPrefix := make(map[string]string, len(positions))
	for _, p := range positions {
		if p.TakeProfitOrderID != "" {
			known[p.TakeProfitOrderID] = true
		}
		for _, kind := range []domain.ClientOrderKind{domain.ClientOrderEntry, domain.ClientOrderDCA, domain.ClientOrderExit} {
			inFlight = append(inFlight, domain.ClientOrderPrefix(p.ID, kind))
		}
		tpPrefix[domain.ClientOrderPrefix(p.ID, domain.ClientOrderTakeProfit)] = p.ID
	}

	var out []OrphanOrder
	for _, ord := range open {
		if known[ord.OrderID] || hasAnyPrefix(ord.ClientOrderID, inFlight) {
			continue
		}
		orphan := OrphanOrder{
			Symbol:        ord.Symbol,
			OrderID:       ord.OrderID,
			ClientOrderID: ord.ClientOrderID,
			Side:          string(ord.Side),
			Price:         ord.Price.String(),
			Qty:           ord.OrigQty.String(),
			Reason:        OrphanUntracked,
		}
		for prefix, id := range tpPrefix {
			if ord.ClientOrderID != "" && strings.HasPrefix(ord.ClientOrderID, prefix) {
				orphan.Reason = OrphanDuplicateTakeProfit
				orphan.PositionID = id
				break
			}
		}
		out = append(out, orphan)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].OrderID < out[j].OrderID
	})
	return out
}

// confirmDuplicates drops duplicate take-profits that are no longer live: the
// open-orders snapshot predates cancels made while the pass ran.
func (r *Reconciler) confirmDuplicates(ctx context.Context, found []OrphanOrder) []OrphanOrder {
	o := r.orch
	out := found[:0]
	for _, orphan := range found {
		if orphan.Reason == OrphanDuplicateTakeProfit {
			ord, err := retry.Call(ctx, o.policy, "get order "+orphan.Symbol, func(ctx context.Context) (domain.OrderReport, error) {
				return o.ex.GetOrder(ctx, orphan.Symbol, orphan.OrderID)
			})
			if errors.Is(err, domain.ErrNotFound) || (err == nil && !ord.Status.IsLive()) {
				continue
			}
		}
		out = append(out, orphan)
	}
	return out
}

// orphanBalances compares exchange holdings with the base quantity of OPEN
// long positions. Assets of symbols with a PENDING position are skipped
// since their entry may be filling. Excess below the symbol's minimum
// quantity or notional is dust and ignored.
func (r *Reconciler) orphanBalances(ctx context.Context, positions []domain.Position) ([]OrphanBalance, error) {
	o := r.orch
	balances, err := retry.Call(ctx, o.policy, "balances", o.ex.Balances)
	if err != nil {
		return nil, err
	}

	tracked := make(map[string]decimal.Decimal)
	busy := make(map[string]bool)
	for _, p := range positions {
		meta, err := o.meta.Get(ctx, p.Symbol)
		if err != nil {
			return nil, err
		}
		switch {
		case p.Status == domain.PositionStatusPending:
			busy[meta.BaseAsset] = true
		case p.Side == domain.SideLong:
			tracked[meta.BaseAsset] = tracked[meta.BaseAsset].Add(p.BaseQty)
			// An averaging fill waiting for its take-profit is the
			// position's, not an orphan.
			if fill, ok, err := o.unsettledFill(ctx, p); err != nil {
				return nil, err
			} else if ok {
				tracked[meta.BaseAsset] = tracked[meta.BaseAsset].Add(fill.Qty)
			}
		}
	}

	type candidate struct {
		bal    OrphanBalance
		excess decimal.Decimal
		meta   domain.SymbolMetadata
	}
	var candidates []candidate
	var symbols []string
	for _, b := range balances {
		if b.Asset == o.cfg.QuoteAsset || busy[b.Asset] || r.unpriced[b.Asset] {
			continue
		}
		excess := b.Total().Sub(tracked[b.Asset])
		if !excess.IsPositive() {
			continue
		}
		symbol := b.Asset + o.cfg.QuoteAsset
		meta, err := o.meta.Get(ctx, symbol)
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrValidation) {
			r.unpriced[b.Asset] = true
			continue
		}
		if err != nil {
			return nil, err
		}
		excess = precision.FloorToStep(excess, meta.StepSize)
		if !excess.IsPositive() || excess.LessThan(meta.MinQty) {
			continue
		}
		candidates = append(candidates, candidate{
			bal: OrphanBalance{
				Asset:   b.Asset,
				Symbol:  symbol,
				Held:    b.Total().String(),
				Tracked: tracked[b.Asset].String(),
				Excess:  excess.String(),
			},
			excess: excess,
			meta:   meta,
		})
		symbols = append(symbols, symbol)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	prices, err := retry.Call(ctx, o.policy, "tickers", func(ctx context.Context) (map[string]decimal.Decimal, error) {
		return o.ex.Tickers(ctx, symbols)
	})
	if err != nil {
		return nil, err
	}
	var out []OrphanBalance
	for _, c := range candidates {
		price, ok := prices[c.bal.Symbol]
		if ok && c.excess.Mul(price).LessThan(c.meta.MinNotional) {
			continue
		}
		out = append(out, c.bal)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

func hasAnyPrefix(s string, prefixes []string) bool {
	if s == "" {
		return false
	}
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// finish records metrics, audit, archive and alerts for a completed pass.
func (r *Reconciler) finish(ctx context.Context, report *ReconcileReport) {
	o := r.orch
	o.metrics.SetOrphans(report.OrphanCount())
	for _, a := range report.Actions {
		o.metrics.ReconcileEvent(a.Action, 1)
	}
	if len(report.Conflicts) > 0 {
		o.metrics.ReconcileEvent("conflict", len(report.Conflicts))
	}

	eventful := report.Mutations > 0 || len(report.Conflicts) > 0 || report.OrphanCount() > 0 || len(report.Errors) > 0
	if r.archiver != nil && eventful {
		path, err := r.archiver.Archive(ctx, "reconciliation", report.FinishedAt, report)
		if err != nil {
			r.logger.WarnContext(ctx, "archive reconciliation report failed", slog.String("error", err.Error()))
		} else {
			report.ArchivePath = path
		}
	}
	if eventful {
		o.auditLog(ctx, "reconcile", map[string]any{
			"checked":      report.Checked,
			"mutations":    report.Mutations,
			"conflicts":    len(report.Conflicts),
			"orphans":      len(report.Orphans),
			"orphan_funds": len(report.OrphanBalances),
			"errors":       len(report.Errors),
			"archive_path": report.ArchivePath,
		})
	}

	// Orphans are re-flagged every pass; only notify when the set changes.
	var ids []string
	for _, ord := range report.Orphans {
		ids = append(ids, ord.Symbol+"/"+ord.OrderID+"("+ord.Reason+")")
	}
	for _, b := range report.OrphanBalances {
		ids = append(ids, "balance:"+b.Asset+"="+b.Excess)
	}
	key := strings.Join(ids, ",")
	if key != r.lastOrphans && len(ids) > 0 {
		r.logger.WarnContext(ctx, "orphans on exchange",
			slog.Int("count", len(ids)),
			slog.String("orphans", key),
		)
		o.metrics.Alert(string(notify.EventOrphanOrders))
		o.notifier.Publish(notify.EventOrphanOrders, "ALERT orphan orders",
			fmt.Sprintf("%d order(s) or balance(s) not accounted for by the ledger: %s", len(ids), key))
	}
	r.lastOrphans = key
	r.mu.Lock()
	r.last = report
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "reconciliation complete",
		slog.Int("checked", report.Checked),
		slog.Int("mutations", report.Mutations),
		slog.Int("conflicts", len(report.Conflicts)),
		slog.Int("orphans", report.OrphanCount()),
		slog.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	)
}
