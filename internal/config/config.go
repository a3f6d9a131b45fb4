// Package config defines the top-level configuration for the options bot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by OPTBOT_* environment variables.
type Config struct {
	Broker    BrokerConfig    `toml:"broker"`
	Market    MarketConfig    `toml:"market"`
	Risk      RiskConfig      `toml:"risk"`
	Stops     StopsConfig     `toml:"stops"`
	Trading   TradingConfig   `toml:"trading"`
	Sentiment SentimentConfig `toml:"sentiment"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	Journal   JournalConfig   `toml:"journal"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"` // "live" or "paper"
	LogLevel  string          `toml:"log_level"`
}

// BrokerConfig holds broker API credentials and endpoints.
type BrokerConfig struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	ClientID       string `toml:"client_id"`
	PIN            string `toml:"pin"`
	TOTPSecret     string `toml:"totp_secret"`
	ScripMasterURL string `toml:"scrip_master_url"`
}

// MarketConfig holds the traded index parameters and session timings.
// Times are "HH:MM" in exchange-local time.
type MarketConfig struct {
	Underlying     string `toml:"underlying"`
	SpotSymbol     string `toml:"spot_symbol"`
	SpotToken      string `toml:"spot_token"`
	SpotExchange   string `toml:"spot_exchange"`
	OptionExchange string `toml:"option_exchange"`
	VIXSymbol      string `toml:"vix_symbol"`
	VIXToken       string `toml:"vix_token"`
	LotSize        int    `toml:"lot_size"`
	StrikeStep     int    `toml:"strike_step"`
	SessionStart   string `toml:"session_start"`
	SessionEnd     string `toml:"session_end"`
	SquareOff      string `toml:"square_off"`
	BlackoutStart  string `toml:"blackout_start"`
	BlackoutEnd    string `toml:"blackout_end"`
}

// RiskConfig holds the gatekeeper parameters.
type RiskConfig struct {
	MarginBuffer   float64  `toml:"margin_buffer"`    // fractional, e.g. 0.10
	MarginCacheTTL duration `toml:"margin_cache_ttl"` // margin fetch validity window
	MaxDailyLoss   float64  `toml:"max_daily_loss"`   // negative floor, e.g. -2000
	VIXThreshold   float64  `toml:"vix_threshold"`    // above this, halve position size
	// VIX sizing and the sentiment veto fail OPEN when their data source is
	// unreachable; every other check fails CLOSED.
	VIXFailOpen       bool    `toml:"vix_fail_open"`
	SentimentFailOpen bool    `toml:"sentiment_fail_open"`
	SentimentVeto     float64 `toml:"sentiment_veto"` // |score| above this vetoes the aligned side
	MarginPerLot      float64 `toml:"margin_per_lot"`
	MarginStraddle    float64 `toml:"margin_straddle"`
}

// StopsConfig selects and parameterizes the stop-loss policy.
type StopsConfig struct {
	Policy          string    `toml:"policy"` // "fixed", "step_ladder", "breakeven_trail"
	FixedPct        float64   `toml:"fixed_pct"`
	ArmPct          float64   `toml:"arm_pct"`
	TrailPct        float64   `toml:"trail_pct"`
	LadderTriggers  []float64 `toml:"ladder_triggers"` // profit points
	LadderOffsets   []float64 `toml:"ladder_offsets"`  // stop offsets above entry
	TargetPct       float64   `toml:"target_pct"`
	PlaceBrokerStop bool      `toml:"place_broker_stop"`
}

// TradingConfig holds the runner loop parameters.
type TradingConfig struct {
	Strategy          string   `toml:"strategy"`
	DryRun            bool     `toml:"dry_run"`
	PollInterval      duration `toml:"poll_interval"`
	ReconcileInterval duration `toml:"reconcile_interval"`
	MaxBlindTicks     int      `toml:"max_blind_ticks"`
	ReversalMode      string   `toml:"reversal_mode"` // "flip" or "wait"
	StopTimeout       duration `toml:"stop_timeout"`
	RecoveryFile      string   `toml:"recovery_file"`
}

// SentimentConfig holds the news sentiment source parameters.
type SentimentConfig struct {
	Enabled  bool     `toml:"enabled"`
	Feeds    []string `toml:"feeds"`
	CacheTTL duration `toml:"cache_ttl"`
}

// PostgresConfig holds ledger database connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// JournalConfig holds the end-of-day S3 archive parameters.
type JournalConfig struct {
	Enabled   bool   `toml:"enabled"`
	Endpoint  string `toml:"endpoint"`
	Region    string `toml:"region"`
	Bucket    string `toml:"bucket"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Prefix    string `toml:"prefix"`
}

// ServerConfig holds the HTTP façade parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
}

// NotifyConfig holds notification channel parameters.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration wraps time.Duration for TOML decoding of strings like "60s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// Defaults returns a Config populated with sane defaults for a NIFTY
// weekly-options setup. The TOML file and env overrides are applied on top.
func Defaults() Config {
	return Config{
		Broker: BrokerConfig{
			BaseURL:        "https://apiconnect.angelone.in",
			ScripMasterURL: "https://margincalculator.angelbroking.com/OpenAPI_File/files/OpenAPIScripMaster.json",
		},
		Market: MarketConfig{
			Underlying:     "NIFTY",
			SpotSymbol:     "Nifty 50",
			SpotToken:      "99926000",
			SpotExchange:   "NSE",
			OptionExchange: "NFO",
			VIXSymbol:      "India VIX",
			VIXToken:       "99926017",
			LotSize:        65,
			StrikeStep:     50,
			SessionStart:   "09:15",
			SessionEnd:     "15:29",
			SquareOff:      "15:15",
			BlackoutStart:  "12:00",
			BlackoutEnd:    "13:00",
		},
		Risk: RiskConfig{
			MarginBuffer:      0.10,
			MarginCacheTTL:    duration{10 * time.Second},
			MaxDailyLoss:      -2000,
			VIXThreshold:      15,
			VIXFailOpen:       true,
			SentimentFailOpen: true,
			SentimentVeto:     0.5,
			MarginPerLot:      5000,
			MarginStraddle:    150000,
		},
		Stops: StopsConfig{
			Policy:         "breakeven_trail",
			FixedPct:       0.10,
			ArmPct:         0.10,
			TrailPct:       0.10,
			LadderTriggers: []float64{20, 40, 60},
			LadderOffsets:  []float64{5, 25, 45},
			TargetPct:      0.20,
		},
		Trading: TradingConfig{
			Strategy:          "momentum",
			DryRun:            true,
			PollInterval:      duration{60 * time.Second},
			ReconcileInterval: duration{15 * time.Second},
			MaxBlindTicks:     3,
			ReversalMode:      "flip",
			StopTimeout:       duration{5 * time.Second},
			RecoveryFile:      "recovery.json",
		},
		Sentiment: SentimentConfig{
			Enabled:  false,
			CacheTTL: duration{5 * time.Minute},
		},
		Postgres: PostgresConfig{
			SSLMode:      "disable",
			PoolMaxConns: 4,
			PoolMinConns: 1,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8080,
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// Validate checks cross-field consistency. It should be called after Load.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Mode) {
	case "live", "paper":
	default:
		return fmt.Errorf("config: mode must be \"live\" or \"paper\", got %q", c.Mode)
	}

	if c.Mode == "live" {
		if c.Broker.APIKey == "" || c.Broker.ClientID == "" || c.Broker.TOTPSecret == "" {
			return fmt.Errorf("config: live mode requires broker api_key, client_id, and totp_secret")
		}
	}

	switch c.Stops.Policy {
	case "fixed", "step_ladder", "breakeven_trail":
	default:
		return fmt.Errorf("config: unknown stop policy %q", c.Stops.Policy)
	}
	if len(c.Stops.LadderTriggers) != len(c.Stops.LadderOffsets) {
		return fmt.Errorf("config: ladder_triggers and ladder_offsets must have equal length")
	}

	switch c.Trading.ReversalMode {
	case "flip", "wait":
	default:
		return fmt.Errorf("config: reversal_mode must be \"flip\" or \"wait\", got %q", c.Trading.ReversalMode)
	}

	if c.Risk.MaxDailyLoss >= 0 {
		return fmt.Errorf("config: max_daily_loss must be negative, got %v", c.Risk.MaxDailyLoss)
	}
	if c.Market.LotSize <= 0 {
		return fmt.Errorf("config: lot_size must be positive")
	}

	for _, tod := range []struct{ name, val string }{
		{"session_start", c.Market.SessionStart},
		{"session_end", c.Market.SessionEnd},
		{"square_off", c.Market.SquareOff},
		{"blackout_start", c.Market.BlackoutStart},
		{"blackout_end", c.Market.BlackoutEnd},
	} {
		if _, err := ParseTimeOfDay(tod.val); err != nil {
			return fmt.Errorf("config: %s: %w", tod.name, err)
		}
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("config: server port %d out of range", c.Server.Port)
	}

	return nil
}

// TimeOfDay is a wall-clock time within a trading day.
type TimeOfDay struct {
	Hour, Minute int
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	var t TimeOfDay
	if _, err := fmt.Sscanf(s, "%d:%d", &t.Hour, &t.Minute); err != nil {
		return t, fmt.Errorf("invalid time of day %q", s)
	}
	if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 {
		return t, fmt.Errorf("time of day %q out of range", s)
	}
	return t, nil
}

// Minutes returns the time of day as minutes after midnight.
func (t TimeOfDay) Minutes() int { return t.Hour*60 + t.Minute }

// Reached reports whether the clock time of now is at or past t.
func (t TimeOfDay) Reached(now time.Time) bool {
	return now.Hour()*60+now.Minute() >= t.Minutes()
}
