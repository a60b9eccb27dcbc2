package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const envPrefix = "DCABOT_"

// Load reads the configuration file at path, merges it on top of the
// built-in defaults, applies DCABOT_* environment variable overrides, and
// returns the final Config. Files ending in .yaml or .yml are decoded as
// YAML, anything else as TOML. An empty path skips the file. The returned
// Config has NOT been validated; the caller should invoke Config.Validate()
// after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("config: read %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("config: decode %s: %w", path, err)
		}
	default:
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			return fmt.Errorf("config: %s: unknown keys: %s", path, strings.Join(keys, ", "))
		}
	}
	return nil
}

// envSetter records every malformed override so it is reported instead of
// silently ignored.
type envSetter struct {
	errs []string
}

// applyEnvOverrides reads well-known DCABOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the config file.
func applyEnvOverrides(cfg *Config) error {
	e := &envSetter{}

	// ── Top-level ──
	e.str(&cfg.Mode, "MODE")
	e.str(&cfg.LogLevel, "LOG_LEVEL")
	e.boolean(&cfg.DryRun, "DRY_RUN")

	// ── Exchange ──
	e.str(&cfg.Exchange.APIKey, "EXCHANGE_API_KEY")
	e.str(&cfg.Exchange.APISecret, "EXCHANGE_API_SECRET")
	e.boolean(&cfg.Exchange.Testnet, "EXCHANGE_TESTNET")
	e.str(&cfg.Exchange.QuoteAsset, "EXCHANGE_QUOTE_ASSET")
	e.str(&cfg.Exchange.StreamURL, "EXCHANGE_STREAM_URL")
	e.float(&cfg.Exchange.RequestsPerSecond, "EXCHANGE_REQUESTS_PER_SECOND")
	e.integer(&cfg.Exchange.SharedRequestsPerMinute, "EXCHANGE_SHARED_REQUESTS_PER_MINUTE")

	// ── Strategy ──
	e.str(&cfg.Strategy.Timeframe, "STRATEGY_TIMEFRAME")
	e.integer(&cfg.Strategy.MAPeriod, "STRATEGY_MA_PERIOD")
	e.amount(&cfg.Strategy.DipThreshold, "STRATEGY_DIP_THRESHOLD")
	e.amount(&cfg.Strategy.RiseThreshold, "STRATEGY_RISE_THRESHOLD")
	e.boolean(&cfg.Strategy.EnableLong, "STRATEGY_ENABLE_LONG")
	e.boolean(&cfg.Strategy.EnableShort, "STRATEGY_ENABLE_SHORT")
	e.str(&cfg.Strategy.MACachePolicy, "STRATEGY_MA_CACHE_POLICY")
	e.amount(&cfg.Strategy.PositionSizePercent, "STRATEGY_POSITION_SIZE_PERCENT")
	e.amount(&cfg.Strategy.TakeProfit, "STRATEGY_TAKE_PROFIT")
	e.amount(&cfg.Strategy.DCAThresholdLong, "STRATEGY_DCA_THRESHOLD_LONG")
	e.amount(&cfg.Strategy.DCAThresholdShort, "STRATEGY_DCA_THRESHOLD_SHORT")
	e.integer(&cfg.Strategy.MaxAverages, "STRATEGY_MAX_AVERAGES")
	e.amounts(&cfg.Strategy.DCAScales, "STRATEGY_DCA_SCALES")
	e.str(&cfg.Strategy.DCABase, "STRATEGY_DCA_BASE")
	e.str(&cfg.Strategy.MonitorMode, "STRATEGY_MONITOR_MODE")

	// ── Universe ──
	e.list(&cfg.Universe.Symbols, "UNIVERSE_SYMBOLS")
	e.list(&cfg.Universe.Blacklist, "UNIVERSE_BLACKLIST")
	e.amount(&cfg.Universe.Min24hVolume, "UNIVERSE_MIN_24H_VOLUME")

	// ── Risk ──
	e.amount(&cfg.Risk.DailyLossLimitPercent, "RISK_DAILY_LOSS_LIMIT_PERCENT")
	e.integer(&cfg.Risk.MaxPositions, "RISK_MAX_POSITIONS")
	e.integer(&cfg.Risk.MaxLongs, "RISK_MAX_LONGS")
	e.integer(&cfg.Risk.MaxShorts, "RISK_MAX_SHORTS")

	// ── Scheduler ──
	e.interval(&cfg.Scheduler.ScanInterval, "SCHEDULER_SCAN_INTERVAL")
	e.integer(&cfg.Scheduler.ReconcileEvery, "SCHEDULER_RECONCILE_EVERY")
	e.integer(&cfg.Scheduler.Workers, "SCHEDULER_WORKERS")

	// ── Ledger / Postgres ──
	e.str(&cfg.Ledger.Driver, "LEDGER_DRIVER")
	e.str(&cfg.Ledger.SQLitePath, "LEDGER_SQLITE_PATH")
	e.str(&cfg.Postgres.DSN, "POSTGRES_DSN")
	e.str(&cfg.Postgres.Host, "POSTGRES_HOST")
	e.integer(&cfg.Postgres.Port, "POSTGRES_PORT")
	e.str(&cfg.Postgres.Database, "POSTGRES_DATABASE")
	e.str(&cfg.Postgres.User, "POSTGRES_USER")
	e.str(&cfg.Postgres.Password, "POSTGRES_PASSWORD")
	e.str(&cfg.Postgres.SSLMode, "POSTGRES_SSL_MODE")
	e.boolean(&cfg.Postgres.RunMigrations, "POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	e.boolean(&cfg.Redis.Enabled, "REDIS_ENABLED")
	e.str(&cfg.Redis.Addr, "REDIS_ADDR")
	e.str(&cfg.Redis.Password, "REDIS_PASSWORD")
	e.integer(&cfg.Redis.DB, "REDIS_DB")
	e.boolean(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")
	e.str(&cfg.Redis.KeyPrefix, "REDIS_KEY_PREFIX")

	// ── S3 ──
	e.boolean(&cfg.S3.Enabled, "S3_ENABLED")
	e.str(&cfg.S3.Endpoint, "S3_ENDPOINT")
	e.str(&cfg.S3.Region, "S3_REGION")
	e.str(&cfg.S3.Bucket, "S3_BUCKET")
	e.str(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	e.str(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	e.boolean(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")
	e.str(&cfg.S3.Prefix, "S3_PREFIX")

	// ── Notify ──
	e.str(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	e.str(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	e.str(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	e.list(&cfg.Notify.Events, "NOTIFY_EVENTS")

	// ── Server ──
	e.boolean(&cfg.Server.Enabled, "SERVER_ENABLED")
	e.integer(&cfg.Server.Port, "SERVER_PORT")
	e.list(&cfg.Server.CORSOrigins, "SERVER_CORS_ORIGINS")
	e.str(&cfg.Server.APIKey, "SERVER_API_KEY")

	// ── Paper ──
	e.amount(&cfg.Paper.InitialBalance, "PAPER_INITIAL_BALANCE")

	if len(e.errs) > 0 {
		return fmt.Errorf("config: invalid environment overrides: %s", strings.Join(e.errs, "; "))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func (e *envSetter) lookup(key string) (string, string, bool) {
	name := envPrefix + key
	v := strings.TrimSpace(os.Getenv(name))
	return name, v, v != ""
}

func (e *envSetter) fail(name, v string, err error) {
	e.errs = append(e.errs, fmt.Sprintf("%s=%q: %v", name, v, err))
}

func (e *envSetter) str(dst *string, key string) {
	if _, v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envSetter) integer(dst *int, key string) {
	if name, v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = n
	}
}

func (e *envSetter) float(dst *float64, key string) {
	if name, v, ok := e.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = f
	}
}

func (e *envSetter) boolean(dst *bool, key string) {
	if name, v, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = b
	}
}

func (e *envSetter) amount(dst *decimal.Decimal, key string) {
	if name, v, ok := e.lookup(key); ok {
		d, err := decimal.NewFromString(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		*dst = d
	}
}

func (e *envSetter) interval(dst *duration, key string) {
	if name, v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(name, v, err)
			return
		}
		dst.Duration = d
	}
}

func (e *envSetter) list(dst *[]string, key string) {
	if _, v, ok := e.lookup(key); ok {
		if parts := splitList(v); len(parts) > 0 {
			*dst = parts
		}
	}
}

func (e *envSetter) amounts(dst *[]decimal.Decimal, key string) {
	if name, v, ok := e.lookup(key); ok {
		parts := splitList(v)
		out := make([]decimal.Decimal, 0, len(parts))
		for _, p := range parts {
			d, err := decimal.NewFromString(p)
			if err != nil {
				e.fail(name, v, err)
				return
			}
			out = append(out, d)
		}
		if len(out) > 0 {
			*dst = out
		}
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return cleaned
}
