package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dcabot/internal/domain"
	"github.com/alanyoungcy/dcabot/internal/metrics"
	"github.com/alanyoungcy/dcabot/internal/notify"
	"github.com/alanyoungcy/dcabot/internal/retry"
)

// RiskConfig holds the daily drawdown limit.
type RiskConfig struct {
	QuoteAsset string
	// DailyLossLimitPercent halts new entries once equity has fallen this
	// many percent from the day's starting equity. Zero disables halting.
	DailyLossLimitPercent decimal.Decimal
}

// RiskStatus is a point-in-time view of the governor.
type RiskStatus struct {
	Day           string          `json:"day"`
	StartEquity   decimal.Decimal `json:"start_equity"`
	CurrentEquity decimal.Decimal `json:"current_equity"`
	DrawdownPct   decimal.Decimal `json:"drawdown_pct"`
	Halted        bool            `json:"halted"`
	CheckedAt     time.Time       `json:"checked_at"`
}

// RiskGovernor tracks equity against a per-UTC-day baseline and latches a
// trading halt when the daily loss limit is reached.
type RiskGovernor struct {
	ex        domain.Exchange
	ledger    domain.Ledger
	snapshots domain.EquitySnapshotStore
	audit     domain.AuditLog
	notifier  *notify.Notifier
	metrics   *metrics.Metrics
	policy    retry.Policy
	cfg       RiskConfig
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.RWMutex
	status RiskStatus
}

// NewRiskGovernor creates a RiskGovernor. audit, notifier and m may be nil.
func NewRiskGovernor(
	ex domain.Exchange,
	ledger domain.Ledger,
	snapshots domain.EquitySnapshotStore,
	audit domain.AuditLog,
	notifier *notify.Notifier,
	m *metrics.Metrics,
	policy retry.Policy,
	cfg RiskConfig,
	logger *slog.Logger,
) *RiskGovernor {
	return &RiskGovernor{
		ex:        ex,
		ledger:    ledger,
		snapshots: snapshots,
		audit:     audit,
		notifier:  notifier,
		metrics:   m,
		policy:    policy,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "risk")),
		now:       time.Now,
	}
}

// ComputeEquity values the account: quote cash (free and locked), plus
// qty*mark for longs, plus unrealized (avg-mark)*qty for shorts. Marks come
// from one batched ticker request.
func (g *RiskGovernor) ComputeEquity(ctx context.Context) (decimal.Decimal, error) {
	balances, err := retry.Call(ctx, g.policy, "balances", g.ex.Balances)
	if err != nil {
		return decimal.Zero, fmt.Errorf("service: equity: %w", err)
	}
	positions, err := g.ledger.GetOpen(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("service: equity: %w", err)
	}

	var symbols []string
	for _, p := range positions {
		if p.Status == domain.PositionStatusOpen && p.BaseQty.IsPositive() {
			symbols = append(symbols, p.Symbol)
		}
	}
	var marks map[string]decimal.Decimal
	if len(symbols) > 0 {
		marks, err = retry.Call(ctx, g.policy, "tickers", func(ctx context.Context) (map[string]decimal.Decimal, error) {
			return g.ex.Tickers(ctx, symbols)
		})
		if err != nil {
			return decimal.Zero, fmt.Errorf("service: equity: %w", err)
		}
	}
	return Equity(g.cfg.QuoteAsset, balances, positions, marks)
}

// Equity is the pure valuation behind ComputeEquity.
func Equity(quoteAsset string, balances []domain.Balance, positions []domain.Position, marks map[string]decimal.Decimal) (decimal.Decimal, error) {
	equity := decimal.Zero
	for _, b := range balances {
		if b.Asset == quoteAsset {
			equity = equity.Add(b.Total())
		}
	}
	for _, p := range positions {
		if p.Status != domain.PositionStatusOpen || !p.BaseQty.IsPositive() {
			continue
		}
		mark, ok := marks[p.Symbol]
		if !ok || !mark.IsPositive() {
			return decimal.Zero, fmt.Errorf("service: equity: no mark for %s: %w", p.Symbol, domain.ErrInsufficientData)
		}
		if p.Side == domain.SideShort {
			equity = equity.Add(p.AvgEntryPrice.Sub(mark).Mul(p.BaseQty))
		} else {
			equity = equity.Add(p.BaseQty.Mul(mark))
		}
	}
	return equity, nil
}

// Drawdown returns (start-current)/start in percent, or zero for a
// non-positive start.
func Drawdown(start, current decimal.Decimal) decimal.Decimal {
	if !start.IsPositive() {
		return decimal.Zero
	}
	return start.Sub(current).Div(start).Mul(hundred)
}

// Check refreshes equity, rolls the baseline at UTC midnight and latches the
// halt once the loss limit is reached (inclusive).
func (g *RiskGovernor) Check(ctx context.Context) (RiskStatus, error) {
	now := g.now().UTC()
	day := now.Format(time.DateOnly)

	current, err := g.ComputeEquity(ctx)
	if err != nil {
		return g.Status(), err
	}

	g.mu.Lock()
	if g.status.Day != day {
		g.mu.Unlock()
		start, err := g.baseline(ctx, day, current, now)
		if err != nil {
			return g.Status(), err
		}
		g.mu.Lock()
		if g.status.Halted {
			g.logger.InfoContext(ctx, "trading halt lifted for new day", slog.String("day", day))
		}
		g.status = RiskStatus{Day: day, StartEquity: start}
	}

	st := &g.status
	st.CurrentEquity = current
	st.CheckedAt = now
	st.DrawdownPct = Drawdown(st.StartEquity, current)

	justHalted := false
	limit := g.cfg.DailyLossLimitPercent
	if !st.Halted && limit.IsPositive() && st.StartEquity.IsPositive() && st.DrawdownPct.GreaterThanOrEqual(limit) {
		st.Halted = true
		justHalted = true
	}
	out := *st
	g.mu.Unlock()

	g.metrics.SetRisk(out.CurrentEquity, out.StartEquity, out.Halted)
	if justHalted {
		g.onHalt(ctx, out)
	}
	return out, nil
}

// baseline loads the day's persisted starting equity, or stores current as
// the baseline when none exists yet.
func (g *RiskGovernor) baseline(ctx context.Context, day string, current decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	snap, err := g.snapshots.Load(ctx, day)
	if err == nil {
		g.logger.InfoContext(ctx, "daily equity baseline restored",
			slog.String("day", day),
			slog.String("equity", snap.Equity.String()),
		)
		return snap.Equity, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return decimal.Zero, fmt.Errorf("service: load equity snapshot %s: %w", day, err)
	}

	snap = domain.EquitySnapshot{Day: day, Equity: current, TakenAt: now}
	if err := g.snapshots.Save(ctx, snap); err != nil {
		return decimal.Zero, fmt.Errorf("service: save equity snapshot %s: %w", day, err)
	}
	g.logger.InfoContext(ctx, "daily equity baseline taken",
		slog.String("day", day),
		slog.String("equity", current.String()),
	)
	return current, nil
}

func (g *RiskGovernor) onHalt(ctx context.Context, st RiskStatus) {
	g.logger.ErrorContext(ctx, "daily loss limit reached, new entries halted",
		slog.String("day", st.Day),
		slog.String("start_equity", st.StartEquity.String()),
		slog.String("current_equity", st.CurrentEquity.String()),
		slog.String("drawdown_pct", st.DrawdownPct.StringFixed(2)),
	)
	g.metrics.Alert(string(notify.EventRiskHalt))
	if g.audit != nil {
		pctx, cancel := persistCtx(ctx)
		defer cancel()
		if err := g.audit.Log(pctx, "risk.halt", map[string]any{
			"day":            st.Day,
			"start_equity":   st.StartEquity.String(),
			"current_equity": st.CurrentEquity.String(),
			"drawdown_pct":   st.DrawdownPct.StringFixed(2),
		}); err != nil {
			g.logger.WarnContext(ctx, "audit log write failed", slog.String("error", err.Error()))
		}
	}
	g.notifier.Publish(notify.EventRiskHalt, "ALERT trading halted",
		fmt.Sprintf("equity %s is down %s%% from %s; no new entries until UTC midnight",
			st.CurrentEquity.StringFixed(2), st.DrawdownPct.StringFixed(2), st.StartEquity.StringFixed(2)))
}

// Status returns the last computed status.
func (g *RiskGovernor) Status() RiskStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.status
}
