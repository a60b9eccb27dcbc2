// Package app provides the top-level application lifecycle management for the
// DCA bot. It wires together all dependencies (exchange, ledger, caches, blob
// storage, services and notifications) and starts the goroutines of the
// configured operating mode.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/dcabot/internal/config"
	"github.com/alanyoungcy/dcabot/internal/notify"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
	}
}

// Run is the main entry point. It wires all dependencies, selects the
// operating mode, starts the corresponding goroutines, and blocks until the
// context is cancelled. Cancellation is a clean shutdown and returns nil.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("log_level", a.cfg.LogLevel),
		slog.Bool("dry_run", a.cfg.DryRun),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	deps.Notifier.Publish(notify.EventLifecycle, "dcabot started",
		fmt.Sprintf("mode=%s dry_run=%t", a.cfg.Mode, a.cfg.DryRun))

	switch strings.ToLower(a.cfg.Mode) {
	case "trade":
		err = a.TradeMode(ctx, deps)
	case "reconcile":
		err = a.ReconcileMode(ctx, deps)
	default:
		err = fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	msg := "clean shutdown"
	if err != nil {
		msg = err.Error()
	}
	deps.Notifier.Publish(notify.EventLifecycle, "dcabot stopped", msg)
	return err
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
