// Package config defines the top-level configuration for the DCA bot and
// provides validation helpers.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a
// TOML or YAML file and then optionally overridden by DCABOT_* environment
// variables.
type Config struct {
	Mode     string `toml:"mode" yaml:"mode"`
	LogLevel string `toml:"log_level" yaml:"log_level"`
	// DryRun routes every order to the paper exchange. Market data still
	// comes from the live venue.
	DryRun bool `toml:"dry_run" yaml:"dry_run"`

	Exchange  ExchangeConfig  `toml:"exchange" yaml:"exchange"`
	Strategy  StrategyConfig  `toml:"strategy" yaml:"strategy"`
	Universe  UniverseConfig  `toml:"universe" yaml:"universe"`
	Risk      RiskConfig      `toml:"risk" yaml:"risk"`
	Scheduler SchedulerConfig `toml:"scheduler" yaml:"scheduler"`
	Retry     RetryConfig     `toml:"retry" yaml:"retry"`
	Ledger    LedgerConfig    `toml:"ledger" yaml:"ledger"`
	Postgres  PostgresConfig  `toml:"postgres" yaml:"postgres"`
	Redis     RedisConfig     `toml:"redis" yaml:"redis"`
	S3        S3Config        `toml:"s3" yaml:"s3"`
	Notify    NotifyConfig    `toml:"notify" yaml:"notify"`
	Server    ServerConfig    `toml:"server" yaml:"server"`
	Paper     PaperConfig     `toml:"paper" yaml:"paper"`
}

// ExchangeConfig holds the spot venue credentials and client limits.
type ExchangeConfig struct {
	APIKey     string `toml:"api_key" yaml:"api_key"`
	APISecret  string `toml:"api_secret" yaml:"api_secret"`
	Testnet    bool   `toml:"testnet" yaml:"testnet"`
	QuoteAsset string `toml:"quote_asset" yaml:"quote_asset"`
	// StreamURL is the websocket host for the mini-ticker feed. Empty
	// disables streaming; marks are then fetched over REST.
	StreamURL         string   `toml:"stream_url" yaml:"stream_url"`
	RequestsPerSecond float64  `toml:"requests_per_second" yaml:"requests_per_second"`
	Burst             int      `toml:"burst" yaml:"burst"`
	HTTPTimeout       duration `toml:"http_timeout" yaml:"http_timeout"`
	// SharedRequestsPerMinute is the cross-process budget enforced through
	// Redis. Zero disables it.
	SharedRequestsPerMinute int `toml:"shared_requests_per_minute" yaml:"shared_requests_per_minute"`
}

// StrategyConfig holds the entry signal and position management parameters.
type StrategyConfig struct {
	Timeframe     string          `toml:"timeframe" yaml:"timeframe"`
	MAPeriod      int             `toml:"ma_period" yaml:"ma_period"`
	DipThreshold  decimal.Decimal `toml:"dip_threshold" yaml:"dip_threshold"`
	RiseThreshold decimal.Decimal `toml:"rise_threshold" yaml:"rise_threshold"`
	EnableLong    bool            `toml:"enable_long" yaml:"enable_long"`
	EnableShort   bool            `toml:"enable_short" yaml:"enable_short"`
	MACachePolicy string          `toml:"ma_cache_policy" yaml:"ma_cache_policy"`
	MACacheTTL    duration        `toml:"ma_cache_ttl" yaml:"ma_cache_ttl"`

	PositionSizePercent decimal.Decimal `toml:"position_size_percent" yaml:"position_size_percent"`
	Leverage            decimal.Decimal `toml:"leverage" yaml:"leverage"`
	// TakeProfit is a fraction: 0.015 places the TP 1.5% from the average.
	TakeProfit        decimal.Decimal   `toml:"take_profit" yaml:"take_profit"`
	DCAThresholdLong  decimal.Decimal   `toml:"dca_threshold_long" yaml:"dca_threshold_long"`
	DCAThresholdShort decimal.Decimal   `toml:"dca_threshold_short" yaml:"dca_threshold_short"`
	MaxAverages       int               `toml:"max_averages" yaml:"max_averages"`
	DCAScales         []decimal.Decimal `toml:"dca_scales" yaml:"dca_scales"`
	DCABase           string            `toml:"dca_base" yaml:"dca_base"`
	MonitorMode       string            `toml:"monitor_mode" yaml:"monitor_mode"`
	FillPollAttempts  int               `toml:"fill_poll_attempts" yaml:"fill_poll_attempts"`
	FillPollDelay     duration          `toml:"fill_poll_delay" yaml:"fill_poll_delay"`
}

// UniverseConfig selects the tradable symbols.
type UniverseConfig struct {
	Symbols         []string        `toml:"symbols" yaml:"symbols"`
	Blacklist       []string        `toml:"blacklist" yaml:"blacklist"`
	Min24hVolume    decimal.Decimal `toml:"min_24h_volume" yaml:"min_24h_volume"`
	RefreshInterval duration        `toml:"refresh_interval" yaml:"refresh_interval"`
}

// RiskConfig holds portfolio limits.
type RiskConfig struct {
	DailyLossLimitPercent decimal.Decimal `toml:"daily_loss_limit_percent" yaml:"daily_loss_limit_percent"`
	MaxPositions          int             `toml:"max_positions" yaml:"max_positions"`
	// MaxLongs and MaxShorts cap each side. Zero blocks new entries on
	// that side; a negative value leaves only MaxPositions.
	MaxLongs  int `toml:"max_longs" yaml:"max_longs"`
	MaxShorts int `toml:"max_shorts" yaml:"max_shorts"`
}

// SideLimit resolves a max_longs/max_shorts value into whether the side may
// open at all and its cap, where a zero cap means uncapped.
func SideLimit(n int) (enabled bool, limit int) {
	switch {
	case n == 0:
		return false, 0
	case n < 0:
		return true, 0
	default:
		return true, n
	}
}

// SchedulerConfig controls the main loop.
type SchedulerConfig struct {
	ScanInterval   duration `toml:"scan_interval" yaml:"scan_interval"`
	ErrorBackoff   duration `toml:"error_backoff" yaml:"error_backoff"`
	ReconcileEvery int      `toml:"reconcile_every" yaml:"reconcile_every"`
	Workers        int      `toml:"workers" yaml:"workers"`
	PendingGrace   duration `toml:"pending_grace" yaml:"pending_grace"`
	DedupTTL       duration `toml:"dedup_ttl" yaml:"dedup_ttl"`
	// LockTTL bounds the distributed symbol lock when Redis is enabled.
	LockTTL duration `toml:"lock_ttl" yaml:"lock_ttl"`
}

// RetryConfig is the exchange call retry policy.
type RetryConfig struct {
	MaxAttempts    int      `toml:"max_attempts" yaml:"max_attempts"`
	BaseDelay      duration `toml:"base_delay" yaml:"base_delay"`
	MaxDelay       duration `toml:"max_delay" yaml:"max_delay"`
	RateLimitDelay duration `toml:"rate_limit_delay" yaml:"rate_limit_delay"`
	CallTimeout    duration `toml:"call_timeout" yaml:"call_timeout"`
}

// LedgerConfig selects the position ledger backend.
type LedgerConfig struct {
	Driver     string `toml:"driver" yaml:"driver"` // sqlite | postgres
	SQLitePath string `toml:"sqlite_path" yaml:"sqlite_path"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn" yaml:"dsn"`
	Host          string `toml:"host" yaml:"host"`
	Port          int    `toml:"port" yaml:"port"`
	Database      string `toml:"database" yaml:"database"`
	User          string `toml:"user" yaml:"user"`
	Password      string `toml:"password" yaml:"password"`
	SSLMode       string `toml:"ssl_mode" yaml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns" yaml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns" yaml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations" yaml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. When disabled the caches,
// equity snapshots and locks are process-local.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled" yaml:"enabled"`
	Addr       string `toml:"addr" yaml:"addr"`
	Password   string `toml:"password" yaml:"password"`
	DB         int    `toml:"db" yaml:"db"`
	PoolSize   int    `toml:"pool_size" yaml:"pool_size"`
	MaxRetries int    `toml:"max_retries" yaml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled" yaml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix" yaml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters for report
// archiving.
type S3Config struct {
	Enabled        bool   `toml:"enabled" yaml:"enabled"`
	Endpoint       string `toml:"endpoint" yaml:"endpoint"`
	Region         string `toml:"region" yaml:"region"`
	Bucket         string `toml:"bucket" yaml:"bucket"`
	AccessKey      string `toml:"access_key" yaml:"access_key"`
	SecretKey      string `toml:"secret_key" yaml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl" yaml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style" yaml:"force_path_style"`
	Prefix         string `toml:"prefix" yaml:"prefix"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token" yaml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id" yaml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url" yaml:"discord_webhook_url"`
	Events            []string `toml:"events" yaml:"events"`
	Timeout           duration `toml:"timeout" yaml:"timeout"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled" yaml:"enabled"`
	Port        int      `toml:"port" yaml:"port"`
	CORSOrigins []string `toml:"cors_origins" yaml:"cors_origins"`
	APIKey      string   `toml:"api_key" yaml:"api_key"`
	RateLimit   float64  `toml:"rate_limit" yaml:"rate_limit"`
	Burst       int      `toml:"burst" yaml:"burst"`
}

// PaperConfig configures the simulated exchange used in dry-run.
type PaperConfig struct {
	InitialBalance decimal.Decimal `toml:"initial_balance" yaml:"initial_balance"`
	FeeRate        decimal.Decimal `toml:"fee_rate" yaml:"fee_rate"`
	SlippageBps    decimal.Decimal `toml:"slippage_bps" yaml:"slippage_bps"`
}

// duration is a wrapper around time.Duration that supports TOML and YAML
// string decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the decoders can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// Defaults returns a Config populated with reasonable default values. The
// defaults are a dry-run on the paper exchange with a local SQLite ledger.
func Defaults() Config {
	return Config{
		Mode:     "trade",
		LogLevel: "info",
		DryRun:   true,
		Exchange: ExchangeConfig{
			QuoteAsset:        "USDT",
			StreamURL:         "wss://stream.binance.com:9443",
			RequestsPerSecond: 10,
			Burst:             20,
			HTTPTimeout:       duration{10 * time.Second},
		},
		Strategy: StrategyConfig{
			Timeframe:           "15m",
			MAPeriod:            150,
			DipThreshold:        dec("-3"),
			RiseThreshold:       dec("3"),
			EnableLong:          true,
			EnableShort:         false,
			MACachePolicy:       "candle",
			MACacheTTL:          duration{15 * time.Minute},
			PositionSizePercent: dec("5"),
			Leverage:            dec("1"),
			TakeProfit:          dec("0.015"),
			DCAThresholdLong:    dec("5"),
			DCAThresholdShort:   dec("5"),
			MaxAverages:         4,
			DCAScales:           []decimal.Decimal{dec("1"), dec("1.5"), dec("2"), dec("3")},
			DCABase:             "position",
			MonitorMode:         "order",
			FillPollAttempts:    5,
			FillPollDelay:       duration{time.Second},
		},
		Universe: UniverseConfig{
			Blacklist:       []string{"UP", "DOWN", "BULL", "BEAR", "USDC", "FDUSD", "TUSD", "BUSD"},
			Min24hVolume:    dec("5000000"),
			RefreshInterval: duration{time.Hour},
		},
		Risk: RiskConfig{
			DailyLossLimitPercent: dec("5"),
			MaxPositions:          5,
			MaxLongs:              -1,
			MaxShorts:             -1,
		},
		Scheduler: SchedulerConfig{
			ScanInterval:   duration{time.Minute},
			ErrorBackoff:   duration{time.Minute},
			ReconcileEvery: 10,
			Workers:        4,
			PendingGrace:   duration{2 * time.Minute},
			DedupTTL:       duration{24 * time.Hour},
			LockTTL:        duration{time.Minute},
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			BaseDelay:      duration{500 * time.Millisecond},
			MaxDelay:       duration{10 * time.Second},
			RateLimitDelay: duration{30 * time.Second},
			CallTimeout:    duration{10 * time.Second},
		},
		Ledger: LedgerConfig{
			Driver:     "sqlite",
			SQLitePath: "dcabot.db",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "dcabot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   10,
			MaxRetries: 3,
			KeyPrefix:  "dcabot",
		},
		S3: S3Config{
			Region:         "us-east-1",
			Bucket:         "dcabot-reports",
			UseSSL:         true,
			ForcePathStyle: true,
		},
		Notify: NotifyConfig{
			Events:  []string{"position_opened", "position_closed", "take_profit_failed", "order_failed", "risk_halt", "reconcile_conflict", "orphan_orders", "persistence_error", "lifecycle"},
			Timeout: duration{10 * time.Second},
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8000,
			Burst:   20,
		},
		Paper: PaperConfig{
			InitialBalance: dec("1000"),
			FeeRate:        dec("0.001"),
			SlippageBps:    dec("5"),
		},
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":     true,
	"reconcile": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var timeframePattern = regexp.MustCompile(`^[1-9][0-9]*[mhdwM]$`)

// maxAveragesLimit keeps client order id sequences short and bounds the
// exposure a single position can reach.
const maxAveragesLimit = 20

// Validate checks the configuration for internal consistency and returns a
// single error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, reconcile)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Exchange
	if !c.DryRun && (c.Exchange.APIKey == "" || c.Exchange.APISecret == "") {
		errs = append(errs, "exchange: api_key and api_secret are required unless dry_run is set")
	}
	if c.Exchange.QuoteAsset == "" {
		errs = append(errs, "exchange: quote_asset must not be empty")
	}
	if c.Exchange.RequestsPerSecond <= 0 {
		errs = append(errs, "exchange: requests_per_second must be > 0")
	}
	if c.Exchange.SharedRequestsPerMinute > 0 && !c.Redis.Enabled {
		errs = append(errs, "exchange: shared_requests_per_minute requires redis.enabled")
	}

	// Strategy
	s := c.Strategy
	if !timeframePattern.MatchString(s.Timeframe) {
		errs = append(errs, fmt.Sprintf("strategy: timeframe %q must look like 15m, 1h or 1d", s.Timeframe))
	}
	if s.MAPeriod < 1 {
		errs = append(errs, "strategy: ma_period must be >= 1")
	}
	if !s.EnableLong && !s.EnableShort {
		errs = append(errs, "strategy: at least one of enable_long and enable_short must be set")
	}
	if s.EnableLong && !s.DipThreshold.IsNegative() {
		errs = append(errs, "strategy: dip_threshold must be < 0")
	}
	if s.EnableShort {
		if !s.RiseThreshold.IsPositive() {
			errs = append(errs, "strategy: rise_threshold must be > 0")
		}
		if !c.DryRun {
			errs = append(errs, "strategy: enable_short is only supported in dry_run; the spot venue cannot borrow")
		}
	}
	switch s.MACachePolicy {
	case "candle":
	case "ttl":
		if s.MACacheTTL.Duration <= 0 {
			errs = append(errs, "strategy: ma_cache_ttl must be > 0 with the ttl policy")
		}
	default:
		errs = append(errs, fmt.Sprintf("strategy: unknown ma_cache_policy %q (valid: candle, ttl)", s.MACachePolicy))
	}
	if !s.PositionSizePercent.IsPositive() || s.PositionSizePercent.GreaterThan(dec("100")) {
		errs = append(errs, "strategy: position_size_percent must be in (0, 100]")
	}
	if s.Leverage.LessThan(decimal.NewFromInt(1)) {
		errs = append(errs, "strategy: leverage must be >= 1")
	}
	if s.Leverage.GreaterThan(decimal.NewFromInt(1)) && !c.DryRun {
		errs = append(errs, "strategy: leverage > 1 is only supported in dry_run; spot orders cannot exceed the free balance")
	}
	if !s.TakeProfit.IsPositive() || !s.TakeProfit.LessThan(decimal.NewFromInt(1)) {
		errs = append(errs, "strategy: take_profit must be a fraction in (0, 1)")
	}
	if !s.DCAThresholdLong.IsPositive() || !s.DCAThresholdShort.IsPositive() {
		errs = append(errs, "strategy: dca_threshold_long and dca_threshold_short must be > 0")
	}
	if s.MaxAverages < 0 || s.MaxAverages > maxAveragesLimit {
		errs = append(errs, fmt.Sprintf("strategy: max_averages must be in [0, %d]", maxAveragesLimit))
	}
	if s.MaxAverages > 0 && len(s.DCAScales) == 0 {
		errs = append(errs, "strategy: dca_scales must not be empty when max_averages > 0")
	}
	for i, scale := range s.DCAScales {
		if !scale.IsPositive() {
			errs = append(errs, fmt.Sprintf("strategy: dca_scales[%d] must be > 0", i))
		}
	}
	if s.DCABase != "position" && s.DCABase != "initial" {
		errs = append(errs, fmt.Sprintf("strategy: unknown dca_base %q (valid: position, initial)", s.DCABase))
	}
	if s.MonitorMode != "order" && s.MonitorMode != "price" {
		errs = append(errs, fmt.Sprintf("strategy: unknown monitor_mode %q (valid: order, price)", s.MonitorMode))
	}
	if s.FillPollAttempts < 1 {
		errs = append(errs, "strategy: fill_poll_attempts must be >= 1")
	}

	// Universe
	if c.Universe.Min24hVolume.IsNegative() {
		errs = append(errs, "universe: min_24h_volume must be >= 0")
	}

	// Risk
	if c.Risk.DailyLossLimitPercent.IsNegative() || c.Risk.DailyLossLimitPercent.GreaterThan(dec("100")) {
		errs = append(errs, "risk: daily_loss_limit_percent must be in [0, 100]")
	}
	if c.Risk.MaxPositions < 1 {
		errs = append(errs, "risk: max_positions must be >= 1")
	}
	if c.Risk.MaxLongs < -1 || c.Risk.MaxShorts < -1 {
		errs = append(errs, "risk: max_longs and max_shorts must be >= -1 (-1 = uncapped, 0 = blocked)")
	}

	// Scheduler
	if c.Scheduler.ScanInterval.Duration <= 0 {
		errs = append(errs, "scheduler: scan_interval must be > 0")
	}
	if c.Scheduler.ReconcileEvery < 0 {
		errs = append(errs, "scheduler: reconcile_every must be >= 0")
	}
	if c.Scheduler.Workers < 1 {
		errs = append(errs, "scheduler: workers must be >= 1")
	}

	// Retry
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, "retry: max_attempts must be >= 1")
	}

	// Ledger
	switch c.Ledger.Driver {
	case "sqlite":
		if c.Ledger.SQLitePath == "" {
			errs = append(errs, "ledger: sqlite_path must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	default:
		errs = append(errs, fmt.Sprintf("ledger: unknown driver %q (valid: sqlite, postgres)", c.Ledger.Driver))
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
	}

	// Paper
	if c.DryRun {
		if !c.Paper.InitialBalance.IsPositive() {
			errs = append(errs, "paper: initial_balance must be > 0")
		}
		if c.Paper.FeeRate.IsNegative() || c.Paper.SlippageBps.IsNegative() {
			errs = append(errs, "paper: fee_rate and slippage_bps must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
