package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies OPTBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known OPTBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Broker ──
	setStr(&cfg.Broker.BaseURL, "OPTBOT_BROKER_BASE_URL")
	setStr(&cfg.Broker.APIKey, "OPTBOT_BROKER_API_KEY")
	setStr(&cfg.Broker.ClientID, "OPTBOT_BROKER_CLIENT_ID")
	setStr(&cfg.Broker.PIN, "OPTBOT_BROKER_PIN")
	setStr(&cfg.Broker.TOTPSecret, "OPTBOT_BROKER_TOTP_SECRET")
	setStr(&cfg.Broker.ScripMasterURL, "OPTBOT_BROKER_SCRIP_MASTER_URL")

	// ── Risk ──
	setFloat64(&cfg.Risk.MaxDailyLoss, "OPTBOT_RISK_MAX_DAILY_LOSS")
	setFloat64(&cfg.Risk.MarginBuffer, "OPTBOT_RISK_MARGIN_BUFFER")
	setFloat64(&cfg.Risk.VIXThreshold, "OPTBOT_RISK_VIX_THRESHOLD")
	setDuration(&cfg.Risk.MarginCacheTTL, "OPTBOT_RISK_MARGIN_CACHE_TTL")

	// ── Stops ──
	setStr(&cfg.Stops.Policy, "OPTBOT_STOPS_POLICY")
	setFloat64(&cfg.Stops.FixedPct, "OPTBOT_STOPS_FIXED_PCT")
	setFloat64(&cfg.Stops.ArmPct, "OPTBOT_STOPS_ARM_PCT")
	setFloat64(&cfg.Stops.TrailPct, "OPTBOT_STOPS_TRAIL_PCT")
	setBool(&cfg.Stops.PlaceBrokerStop, "OPTBOT_STOPS_PLACE_BROKER_STOP")

	// ── Trading ──
	setStr(&cfg.Trading.Strategy, "OPTBOT_TRADING_STRATEGY")
	setBool(&cfg.Trading.DryRun, "OPTBOT_TRADING_DRY_RUN")
	setDuration(&cfg.Trading.PollInterval, "OPTBOT_TRADING_POLL_INTERVAL")
	setStr(&cfg.Trading.ReversalMode, "OPTBOT_TRADING_REVERSAL_MODE")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "OPTBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "OPTBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "OPTBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "OPTBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "OPTBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "OPTBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "OPTBOT_POSTGRES_SSL_MODE")
	setBool(&cfg.Postgres.RunMigrations, "OPTBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "OPTBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "OPTBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "OPTBOT_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "OPTBOT_REDIS_TLS_ENABLED")

	// ── Journal (S3) ──
	setBool(&cfg.Journal.Enabled, "OPTBOT_JOURNAL_ENABLED")
	setStr(&cfg.Journal.Endpoint, "OPTBOT_JOURNAL_ENDPOINT")
	setStr(&cfg.Journal.Region, "OPTBOT_JOURNAL_REGION")
	setStr(&cfg.Journal.Bucket, "OPTBOT_JOURNAL_BUCKET")
	setStr(&cfg.Journal.AccessKey, "OPTBOT_JOURNAL_ACCESS_KEY")
	setStr(&cfg.Journal.SecretKey, "OPTBOT_JOURNAL_SECRET_KEY")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "OPTBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "OPTBOT_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "OPTBOT_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "OPTBOT_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "OPTBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "OPTBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "OPTBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "OPTBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "OPTBOT_MODE")
	setStr(&cfg.LogLevel, "OPTBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
