package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/dcabot/internal/blob/s3"
	"github.com/alanyoungcy/dcabot/internal/cache/memory"
	"github.com/alanyoungcy/dcabot/internal/cache/redis"
	"github.com/alanyoungcy/dcabot/internal/config"
	"github.com/alanyoungcy/dcabot/internal/domain"
	"github.com/alanyoungcy/dcabot/internal/exchange/binance"
	"github.com/alanyoungcy/dcabot/internal/exchange/paper"
	"github.com/alanyoungcy/dcabot/internal/metrics"
	"github.com/alanyoungcy/dcabot/internal/notify"
	"github.com/alanyoungcy/dcabot/internal/server/handler"
	"github.com/alanyoungcy/dcabot/internal/store/postgres"
	"github.com/alanyoungcy/dcabot/internal/store/sqlite"
)

// maRetention is how long an unused moving-average entry survives in Redis.
const maRetention = 7 * 24 * time.Hour

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Venue. Market is always the live venue; Exchange is the paper
	// simulator in dry-run.
	Market   *binance.Client
	Exchange domain.Exchange

	// Stores
	Ledger domain.Ledger
	Audit  domain.AuditLog

	// Caches
	Prices    domain.PriceCache
	MACache   domain.MACache
	Snapshots domain.EquitySnapshotStore
	Locks     domain.LockManager // nil without Redis

	// Blob storage; nil when disabled.
	Archiver *s3blob.Archiver

	Notifier *notify.Notifier
	Metrics  *metrics.Metrics

	// Checks back the health endpoint.
	Checks []handler.Check
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(step string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", step, err)
	}

	deps := &Dependencies{Metrics: metrics.New()}

	// --- Redis (optional; process-local caches otherwise) ---
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		var err error
		redisClient, err = redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })
		deps.Checks = append(deps.Checks, handler.Check{Name: "redis", Run: redisClient.Ping})

		deps.Prices = redis.NewPriceCache(redisClient)
		deps.MACache = redis.NewMACache(redisClient, maRetention)
		deps.Snapshots = redis.NewEquityStore(redisClient)
		deps.Locks = redis.NewLockManager(redisClient, logger)
	} else {
		deps.Prices = memory.NewPriceCache()
		deps.MACache = memory.NewMACache()
		deps.Snapshots = memory.NewEquityStore()
	}

	// --- Binance ---
	bcfg := binance.ClientConfig{
		APIKey:            cfg.Exchange.APIKey,
		APISecret:         cfg.Exchange.APISecret,
		Testnet:           cfg.Exchange.Testnet,
		RequestsPerSecond: cfg.Exchange.RequestsPerSecond,
		Burst:             cfg.Exchange.Burst,
		HTTPTimeout:       cfg.Exchange.HTTPTimeout.Duration,
	}
	if redisClient != nil && cfg.Exchange.SharedRequestsPerMinute > 0 {
		bcfg.Shared = redis.NewRateLimiter(redisClient)
		bcfg.SharedLimit = cfg.Exchange.SharedRequestsPerMinute
		bcfg.SharedWindow = time.Minute
	}

	// --- Ledger ---
	var state domain.StateStore
	switch cfg.Ledger.Driver {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}
		deps.Ledger = postgres.NewLedger(pgClient.Pool())
		deps.Audit = postgres.NewAuditLog(pgClient.Pool())
		state = postgres.NewStateStore(pgClient.Pool())
		deps.Checks = append(deps.Checks, handler.Check{Name: "ledger", Run: pgClient.Ping})
	default:
		db, err := sqlite.New(ctx, cfg.Ledger.SQLitePath)
		if err != nil {
			return fail("sqlite", err)
		}
		closers = append(closers, func() { _ = db.Close() })
		deps.Ledger = sqlite.NewLedger(db)
		deps.Audit = sqlite.NewAuditLog(db)
		state = sqlite.NewStateStore(db)
		deps.Checks = append(deps.Checks, handler.Check{Name: "ledger", Run: db.Ping})
	}

	// --- Exchange ---
	deps.Market = binance.New(bcfg, logger)
	if cfg.DryRun {
		px := paper.New(deps.Market, paper.Config{
			QuoteAsset:     cfg.Exchange.QuoteAsset,
			InitialBalance: cfg.Paper.InitialBalance,
			FeeRate:        cfg.Paper.FeeRate,
			SlippageBps:    cfg.Paper.SlippageBps,
			State:          state,
		}, logger)
		if err := px.Restore(ctx); err != nil {
			return fail("paper state", err)
		}
		deps.Exchange = px
	} else {
		deps.Exchange = deps.Market
	}

	// --- S3 report archive (optional) ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			return fail("s3", err)
		}
		if err := s3Client.Ping(ctx); err != nil {
			logger.WarnContext(ctx, "s3 bucket not reachable, archiving will retry per report",
				slog.String("bucket", cfg.S3.Bucket),
				slog.String("error", err.Error()),
			)
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), s3blob.NewReader(s3Client))
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.Timeout.Duration, logger)
	closers = append(closers, func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		deps.Notifier.Flush(flushCtx)
	})

	return deps, cleanup, nil
}
