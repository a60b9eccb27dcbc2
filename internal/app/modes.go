package app

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/dcabot/internal/config"
	"github.com/alanyoungcy/dcabot/internal/feed"
	"github.com/alanyoungcy/dcabot/internal/guard"
	"github.com/alanyoungcy/dcabot/internal/retry"
	"github.com/alanyoungcy/dcabot/internal/scheduler"
	"github.com/alanyoungcy/dcabot/internal/server"
	"github.com/alanyoungcy/dcabot/internal/server/handler"
	"github.com/alanyoungcy/dcabot/internal/service"
	"github.com/alanyoungcy/dcabot/internal/signal"
)

// markMaxAge is how old a cached mark may be before it is refetched over
// REST.
const markMaxAge = 30 * time.Second

// engine holds the services shared by the operating modes.
type engine struct {
	policy     retry.Policy
	orch       *service.Orchestrator
	risk       *service.RiskGovernor
	reconciler *service.Reconciler
	universe   *service.UniverseService
	prices     *service.PriceService
	positions  *service.PositionService
}

func (a *App) retryPolicy() retry.Policy {
	rc := a.cfg.Retry
	logger := a.logger.With(slog.String("component", "retry"))
	return retry.Policy{
		MaxAttempts:    rc.MaxAttempts,
		BaseDelay:      rc.BaseDelay.Duration,
		MaxDelay:       rc.MaxDelay.Duration,
		RateLimitDelay: rc.RateLimitDelay.Duration,
		CallTimeout:    rc.CallTimeout.Duration,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			logger.Warn("exchange call failed, retrying",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()),
			)
		},
	}
}

// buildEngine constructs the services on top of the wired dependencies.
func (a *App) buildEngine(deps *Dependencies) (*engine, error) {
	cfg := a.cfg
	policy := a.retryPolicy()

	var guardOpts []guard.Option
	if deps.Locks != nil {
		guardOpts = append(guardOpts, guard.WithLockManager(deps.Locks, cfg.Scheduler.LockTTL.Duration))
	}

	sc := cfg.Strategy
	orch, err := service.NewOrchestrator(service.OrchestratorDeps{
		Exchange: deps.Exchange,
		Ledger:   deps.Ledger,
		Audit:    deps.Audit,
		Prices:   deps.Prices,
		Guard:    guard.New(guardOpts...),
		Notifier: deps.Notifier,
		Metrics:  deps.Metrics,
		Policy:   policy,
		Logger:   a.logger,
	}, service.OrchestratorConfig{
		QuoteAsset:          cfg.Exchange.QuoteAsset,
		PositionSizePercent: sc.PositionSizePercent,
		Leverage:            sc.Leverage,
		TakeProfit:          sc.TakeProfit,
		DCAThresholdLong:    sc.DCAThresholdLong,
		DCAThresholdShort:   sc.DCAThresholdShort,
		MaxAverages:         sc.MaxAverages,
		DCAScales:           sc.DCAScales,
		DCABase:             sc.DCABase,
		FillPollAttempts:    sc.FillPollAttempts,
		FillPollDelay:       sc.FillPollDelay.Duration,
		MonitorMode:         sc.MonitorMode,
	})
	if err != nil {
		return nil, fmt.Errorf("app: orchestrator: %w", err)
	}

	// A nil *Archiver must not become a non-nil interface.
	var archiver service.ReportArchiver
	if deps.Archiver != nil {
		archiver = deps.Archiver
	}

	prices := service.NewPriceService(deps.Prices, deps.Exchange, policy, markMaxAge, a.logger)
	return &engine{
		policy: policy,
		orch:   orch,
		risk: service.NewRiskGovernor(deps.Exchange, deps.Ledger, deps.Snapshots, deps.Audit,
			deps.Notifier, deps.Metrics, policy, service.RiskConfig{
				QuoteAsset:            cfg.Exchange.QuoteAsset,
				DailyLossLimitPercent: cfg.Risk.DailyLossLimitPercent,
			}, a.logger),
		reconciler: service.NewReconciler(orch, archiver, cfg.Scheduler.PendingGrace.Duration, a.logger),
		universe: service.NewUniverseService(deps.Market, policy, service.UniverseConfig{
			Symbols:         cfg.Universe.Symbols,
			QuoteAsset:      cfg.Exchange.QuoteAsset,
			Blacklist:       cfg.Universe.Blacklist,
			Min24hVolume:    cfg.Universe.Min24hVolume,
			RefreshInterval: cfg.Universe.RefreshInterval.Duration,
		}, a.logger),
		prices:    prices,
		positions: service.NewPositionService(deps.Ledger, deps.Audit, prices, a.logger),
	}, nil
}

// TradeMode runs the scheduler loop, the mark price stream and the status
// server until ctx is cancelled or one of them fails.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")

	eng, err := a.buildEngine(deps)
	if err != nil {
		return err
	}
	sc := a.cfg.Strategy
	longsOK, maxLongs := config.SideLimit(a.cfg.Risk.MaxLongs)
	shortsOK, maxShorts := config.SideLimit(a.cfg.Risk.MaxShorts)
	evaluator, err := signal.NewEvaluator(signal.WithRetry(deps.Market, eng.policy), deps.MACache, signal.Config{
		Timeframe:     sc.Timeframe,
		Period:        sc.MAPeriod,
		DipThreshold:  sc.DipThreshold,
		RiseThreshold: sc.RiseThreshold,
		EnableLong:    sc.EnableLong && longsOK,
		EnableShort:   sc.EnableShort && shortsOK,
		CachePolicy:   signal.CachePolicy(sc.MACachePolicy),
		CacheTTL:      sc.MACacheTTL.Duration,
	}, deps.Metrics, a.logger)
	if err != nil {
		return fmt.Errorf("app: signal evaluator: %w", err)
	}

	sched := a.cfg.Scheduler
	loop := scheduler.New(scheduler.Deps{
		Trader:     eng.orch,
		Risk:       eng.risk,
		Reconciler: eng.reconciler,
		Evaluator:  evaluator,
		Universe:   eng.universe,
		Marks:      eng.prices,
		Positions:  deps.Ledger,
		Account:    deps.Exchange,
		Metrics:    deps.Metrics,
		Policy:     eng.policy,
		Logger:     a.logger,
	}, scheduler.Config{
		ScanInterval:   sched.ScanInterval.Duration,
		ErrorBackoff:   sched.ErrorBackoff.Duration,
		ReconcileEvery: sched.ReconcileEvery,
		MaxPositions:   a.cfg.Risk.MaxPositions,
		MaxLongs:       maxLongs,
		MaxShorts:      maxShorts,
		Workers:        sched.Workers,
		DedupTTL:       sched.DedupTTL.Duration,
	})

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return loop.Run(ctx)
	})

	if a.cfg.Exchange.StreamURL != "" {
		tickers := feed.NewTickerFeed(a.cfg.Exchange.StreamURL,
			a.streamSymbols(eng, deps),
			eng.prices.HandleTicker,
			a.cfg.Universe.RefreshInterval.Duration,
			a.logger,
		)
		g.Go(func() error {
			return tickers.Run(ctx)
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, eng)
	}

	return g.Wait()
}

// ReconcileMode runs one reconciliation pass, logs the report and exits.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting reconcile mode")

	eng, err := a.buildEngine(deps)
	if err != nil {
		return err
	}
	if _, err := retry.Call(ctx, eng.policy, "balances", deps.Exchange.Balances); err != nil {
		return fmt.Errorf("app: exchange balance check: %w", err)
	}
	report, err := eng.reconciler.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("app: reconcile: %w", err)
	}
	a.logger.InfoContext(ctx, "reconciliation complete",
		slog.Int("checked", report.Checked),
		slog.Int("mutations", report.Mutations),
		slog.Int("conflicts", len(report.Conflicts)),
		slog.Int("orphans", report.OrphanCount()),
		slog.Int("errors", len(report.Errors)),
	)
	return nil
}

// streamSymbols streams the universe plus every symbol with an open
// position, so marks stay fresh for positions outside the universe.
func (a *App) streamSymbols(eng *engine, deps *Dependencies) feed.SymbolsFunc {
	return func(ctx context.Context) ([]string, error) {
		symbols, err := eng.universe.Symbols(ctx)
		if err != nil {
			return nil, err
		}
		open, err := deps.Ledger.GetOpen(ctx)
		if err != nil {
			return nil, err
		}
		for _, p := range open {
			if !slices.Contains(symbols, p.Symbol) {
				symbols = append(symbols, p.Symbol)
			}
		}
		return symbols, nil
	}
}

// startHTTPServer adds the status server to the given errgroup. It shuts
// down when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, eng *engine) {
	logger := a.logger.With(slog.String("component", "server"))
	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(logger, deps.Checks...),
		Status:    handler.NewStatusHandler(a.cfg.Mode, a.cfg.DryRun, eng.risk, eng.reconciler),
		Positions: handler.NewPositionHandler(eng.positions, logger),
		Metrics:   deps.Metrics.Handler(),
	}
	if deps.Archiver != nil {
		handlers.Reports = handler.NewReportHandler(deps.Archiver, logger)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		Burst:       a.cfg.Server.Burst,
	}, handlers, logger)

	g.Go(func() error {
		return srv.Run(ctx)
	})
}
