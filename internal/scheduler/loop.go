// Package scheduler drives the trading cycle: risk check, position
// monitoring, entry scan and periodic reconciliation.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/dcabot/internal/domain"
	"github.com/alanyoungcy/dcabot/internal/metrics"
	"github.com/alanyoungcy/dcabot/internal/retry"
	"github.com/alanyoungcy/dcabot/internal/service"
	"github.com/alanyoungcy/dcabot/internal/signal"
)

// Trader opens and maintains positions.
type Trader interface {
	Open(ctx context.Context, sig domain.Signal) (domain.Position, error)
	Monitor(ctx context.Context, pos domain.Position, mark decimal.Decimal) (domain.Position, error)
}

// RiskChecker refreshes the daily drawdown status.
type RiskChecker interface {
	Check(ctx context.Context) (service.RiskStatus, error)
}

// Reconciler repairs the ledger against the exchange.
type Reconciler interface {
	Reconcile(ctx context.Context) (*service.ReconcileReport, error)
}

// EntryEvaluator reports whether a symbol has an entry signal.
type EntryEvaluator interface {
	EvaluateEntry(ctx context.Context, symbol string) (domain.Signal, bool)
}

// SymbolSource returns the symbols scanned for entries.
type SymbolSource interface {
	Symbols(ctx context.Context) ([]string, error)
}

// MarkSource prices a batch of symbols.
type MarkSource interface {
	Marks(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
}

// PositionSource lists PENDING and OPEN positions.
type PositionSource interface {
	GetOpen(ctx context.Context) ([]domain.Position, error)
}

// BalanceChecker verifies exchange credentials at startup.
type BalanceChecker interface {
	Balances(ctx context.Context) ([]domain.Balance, error)
}

// Config controls cycle pacing and entry limits.
type Config struct {
	ScanInterval   time.Duration
	ErrorBackoff   time.Duration
	ReconcileEvery int // cycles between reconciliations; 0 disables
	MaxPositions   int
	MaxLongs       int // 0 means no per-side cap
	MaxShorts      int
	Workers        int
	DedupTTL       time.Duration
}

// Deps are the collaborators of a Loop. Metrics is optional.
type Deps struct {
	Trader     Trader
	Risk       RiskChecker
	Reconciler Reconciler
	Evaluator  EntryEvaluator
	Universe   SymbolSource
	Marks      MarkSource
	Positions  PositionSource
	Account    BalanceChecker
	Metrics    *metrics.Metrics
	Policy     retry.Policy
	Logger     *slog.Logger
}

// Loop is the single control loop of the engine.
type Loop struct {
	deps   Deps
	cfg    Config
	dedup  *signal.CandleDedup
	logger *slog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	cycles int
}

// New creates a Loop.
func New(deps Deps, cfg Config) *Loop {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = time.Minute
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = cfg.ScanInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 24 * time.Hour
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		deps:   deps,
		cfg:    cfg,
		dedup:  signal.NewCandleDedup(cfg.DedupTTL),
		logger: logger.With(slog.String("component", "scheduler")),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// Run checks the exchange credentials, reconciles once, then cycles until ctx is
// cancelled. Only a failed startup balance check ends the loop early.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.Startup(ctx); err != nil {
		return err
	}
	l.logger.InfoContext(ctx, "scheduler started",
		slog.Duration("scan_interval", l.cfg.ScanInterval),
		slog.Int("max_positions", l.cfg.MaxPositions),
	)
	defer l.logger.Info("scheduler stopped")

	for {
		delay := l.cfg.ScanInterval
		if err := l.Cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.ErrorContext(ctx, "cycle failed",
				slog.Int("cycle", l.cycles),
				slog.Duration("backoff", l.cfg.ErrorBackoff),
				slog.String("error", err.Error()),
			)
			delay = l.cfg.ErrorBackoff
		}
		if err := l.sleep(ctx, delay); err != nil {
			return err
		}
		l.dedup.Cleanup()
	}
}

// Startup checks that the credentials work and reconciles the ledger.
func (l *Loop) Startup(ctx context.Context) error {
	if l.deps.Account != nil {
		_, err := retry.Call(ctx, l.deps.Policy, "startup balances", l.deps.Account.Balances)
		if err != nil {
			if errors.Is(err, domain.ErrUnauthorized) {
				return fmt.Errorf("scheduler: exchange rejected credentials: %w", err)
			}
			return fmt.Errorf("scheduler: startup balance check: %w", err)
		}
	}
	if l.deps.Reconciler != nil {
		if _, err := l.deps.Reconciler.Reconcile(ctx); err != nil {
			l.logger.WarnContext(ctx, "startup reconciliation failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// Cycle runs one pass. A panic is recovered and returned as an error.
func (l *Loop) Cycle(ctx context.Context) (err error) {
	start := l.now()
	l.cycles++
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: cycle panic: %v", r)
			l.logPanic(ctx, "cycle", r)
		}
		l.deps.Metrics.CycleCompleted(l.now().Sub(start), err)
	}()

	halted := false
	if l.deps.Risk != nil {
		status, rerr := l.deps.Risk.Check(ctx)
		switch {
		case rerr != nil:
			// Unknown equity: keep managing positions but take no new risk.
			halted = true
			l.logger.WarnContext(ctx, "risk check failed, entries skipped this cycle", slog.String("error", rerr.Error()))
		case status.Halted:
			halted = true
		}
	}

	positions, err := l.deps.Positions.GetOpen(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: load positions: %w", err)
	}
	active := l.monitor(ctx, positions)
	l.deps.Metrics.SetOpenPositions(len(active))

	if !halted {
		if err := l.scan(ctx, active); err != nil {
			return err
		}
	}

	if l.deps.Reconciler != nil && l.cfg.ReconcileEvery > 0 && l.cycles%l.cfg.ReconcileEvery == 0 {
		if _, err := l.deps.Reconciler.Reconcile(ctx); err != nil {
			return fmt.Errorf("scheduler: reconcile: %w", err)
		}
	}

	l.logger.DebugContext(ctx, "cycle complete",
		slog.Int("cycle", l.cycles),
		slog.Int("positions", len(active)),
		slog.Bool("halted", halted),
		slog.Duration("elapsed", l.now().Sub(start)),
	)
	return ctx.Err()
}

// monitor runs Monitor for every OPEN position with bounded parallelism and
// returns the positions still PENDING or OPEN afterwards.
func (l *Loop) monitor(ctx context.Context, positions []domain.Position) []domain.Position {
	var symbols []string
	for _, p := range positions {
		if p.Status == domain.PositionStatusOpen {
			symbols = append(symbols, p.Symbol)
		}
	}
	var marks map[string]decimal.Decimal
	if len(symbols) > 0 && l.deps.Marks != nil {
		var err error
		if marks, err = l.deps.Marks.Marks(ctx, symbols); err != nil {
			// Monitor looks up missing marks itself.
			l.logger.WarnContext(ctx, "batch marks failed", slog.String("error", err.Error()))
		}
	}

	var (
		mu     sync.Mutex
		active []domain.Position
	)
	keep := func(p domain.Position) {
		if p.Status.IsTerminal() {
			return
		}
		mu.Lock()
		active = append(active, p)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Workers)
	for _, pos := range positions {
		if pos.Status != domain.PositionStatusOpen {
			keep(pos)
			continue
		}
		g.Go(func() error {
			updated := pos
			defer func() {
				if r := recover(); r != nil {
					l.logPanic(gctx, "monitor "+pos.Symbol, r)
				}
				keep(updated)
			}()
			var err error
			updated, err = l.deps.Trader.Monitor(gctx, pos, marks[pos.Symbol])
			if err != nil {
				l.logger.WarnContext(gctx, "monitor position failed",
					slog.String("symbol", pos.Symbol),
					slog.String("position_id", pos.ID),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
	return active
}

// scan evaluates the universe and opens positions for fired signals until
// the free slots are used up.
func (l *Loop) scan(ctx context.Context, active []domain.Position) error {
	free := l.cfg.MaxPositions - len(active)
	if free <= 0 {
		return nil
	}
	symbols, err := l.deps.Universe.Symbols(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: universe: %w", err)
	}

	held := make(map[string]bool, len(active))
	longs, shorts := 0, 0
	for _, p := range active {
		held[p.Symbol] = true
		if p.Side == domain.SideShort {
			shorts++
		} else {
			longs++
		}
	}

	candidates := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if !held[s] {
			candidates = append(candidates, s)
		}
	}
	signals := make([]*domain.Signal, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Workers)
	for i, symbol := range candidates {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					l.logPanic(gctx, "evaluate "+symbol, r)
				}
			}()
			if sig, ok := l.deps.Evaluator.EvaluateEntry(gctx, symbol); ok {
				signals[i] = &sig
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	opened := 0
	for _, sig := range signals {
		if sig == nil || opened >= free {
			continue
		}
		key := sig.Key()
		if l.dedup.Seen(key) {
			continue
		}
		if sig.Side == domain.SideShort && l.cfg.MaxShorts > 0 && shorts >= l.cfg.MaxShorts {
			continue
		}
		if sig.Side == domain.SideLong && l.cfg.MaxLongs > 0 && longs >= l.cfg.MaxLongs {
			continue
		}
		l.dedup.Mark(key)

		log := l.logger.With(slog.String("symbol", sig.Symbol), slog.String("side", string(sig.Side)))
		log.InfoContext(ctx, "entry signal",
			slog.String("change_pct", sig.ChangePct.StringFixed(2)),
			slog.String("close", sig.Close.String()),
			slog.String("ma", sig.MA.String()),
		)
		if _, err := l.deps.Trader.Open(ctx, *sig); err != nil {
			if errors.Is(err, domain.ErrAlreadyExists) {
				continue
			}
			log.WarnContext(ctx, "open position failed", slog.String("error", err.Error()))
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		opened++
		if sig.Side == domain.SideShort {
			shorts++
		} else {
			longs++
		}
	}
	return nil
}

// logPanic records a recovered panic. Worker panics are contained to the
// symbol they occurred on.
func (l *Loop) logPanic(ctx context.Context, where string, r any) {
	l.logger.ErrorContext(ctx, "recovered panic",
		slog.String("where", where),
		slog.Any("panic", r),
		slog.String("stack", string(debug.Stack())),
	)
	l.deps.Metrics.Alert("panic")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
