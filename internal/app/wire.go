package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/alphadeck/optionsbot/internal/broker/paper"
	"github.com/alphadeck/optionsbot/internal/broker/scrips"
	"github.com/alphadeck/optionsbot/internal/broker/sim"
	"github.com/alphadeck/optionsbot/internal/broker/smartapi"
	redisc "github.com/alphadeck/optionsbot/internal/cache/redis"
	"github.com/alphadeck/optionsbot/internal/config"
	"github.com/alphadeck/optionsbot/internal/domain"
	"github.com/alphadeck/optionsbot/internal/journal"
	"github.com/alphadeck/optionsbot/internal/ledger/postgres"
	"github.com/alphadeck/optionsbot/internal/lifecycle"
	"github.com/alphadeck/optionsbot/internal/notify"
	"github.com/alphadeck/optionsbot/internal/position"
	"github.com/alphadeck/optionsbot/internal/risk"
	"github.com/alphadeck/optionsbot/internal/runner"
	"github.com/alphadeck/optionsbot/internal/sentiment"
	"github.com/alphadeck/optionsbot/internal/server"
	"github.com/alphadeck/optionsbot/internal/server/handler"
	"github.com/alphadeck/optionsbot/internal/server/ws"
	"github.com/alphadeck/optionsbot/internal/strategy"
)

// paperMargin is the simulated account balance in paper mode.
const paperMargin = 1_000_000

// Dependencies holds every constructed component the app needs at runtime.
type Dependencies struct {
	Ledger    *postgres.LedgerStore
	Audit     *postgres.AuditStore
	Prices    *redisc.PriceCache
	Bus       *redisc.SignalBus
	Locks     *redisc.LockManager
	Broker    domain.Broker
	Gate      *risk.Gatekeeper
	News      *sentiment.NewsScorer
	Runner    *runner.Runner
	Scheduler *lifecycle.Scheduler
	Hub       *ws.Hub
	Server    *server.Server
}

// Wire builds the full dependency graph from the configuration. The returned
// cleanup function closes every opened resource in reverse order of creation.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	pg, err := postgres.New(ctx, postgres.ClientConfig{
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
		return fail(fmt.Errorf("app: postgres: %w", err))
	}
	closers = append(closers, pg.Close)

	if cfg.Postgres.RunMigrations {
		if err := pg.RunMigrations(ctx); err != nil {
			return fail(fmt.Errorf("app: migrations: %w", err))
		}
	}
	ledgerStore := postgres.NewLedgerStore(pg.Pool())
	auditStore := postgres.NewAuditStore(pg.Pool())

	rdb, err := redisc.New(ctx, redisc.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		return fail(fmt.Errorf("app: redis: %w", err))
	}
	closers = append(closers, func() { _ = rdb.Close() })

	prices := redisc.NewPriceCache(rdb)
	bus := redisc.NewSignalBus(rdb)
	locks := redisc.NewLockManager(rdb)

	// From here on, log records are also streamed to WebSocket clients.
	logger = slog.New(NewBusLogHandler(logger.Handler(), bus))

	broker, resolver, expiries := buildBroker(cfg, logger)

	var news *sentiment.NewsScorer
	if cfg.Sentiment.Enabled {
		news = sentiment.NewNewsScorer(cfg.Sentiment.Feeds, cfg.Sentiment.CacheTTL.Duration, logger)
	}
	var sentimentSource risk.SentimentSource
	if news != nil {
		sentimentSource = news
	}

	gate := risk.New(broker, sentimentSource, risk.Options{
		SessionStart:      tod(cfg.Market.SessionStart),
		SessionEnd:        tod(cfg.Market.SessionEnd),
		BlackoutStart:     tod(cfg.Market.BlackoutStart),
		BlackoutEnd:       tod(cfg.Market.BlackoutEnd),
		MarginBuffer:      cfg.Risk.MarginBuffer,
		MarginCacheTTL:    cfg.Risk.MarginCacheTTL.Duration,
		MaxDailyLoss:      cfg.Risk.MaxDailyLoss,
		VIXThreshold:      cfg.Risk.VIXThreshold,
		VIXExchange:       cfg.Market.SpotExchange,
		VIXSymbol:         cfg.Market.VIXSymbol,
		VIXToken:          cfg.Market.VIXToken,
		LotSize:           cfg.Market.LotSize,
		SentimentVeto:     cfg.Risk.SentimentVeto,
		VIXFailOpen:       cfg.Risk.VIXFailOpen,
		SentimentFailOpen: cfg.Risk.SentimentFailOpen,
	}, logger)

	legs, err := buildLegs(cfg, broker, ledgerStore, auditStore, gate, logger)
	if err != nil {
		return fail(err)
	}

	sessionStart := tod(cfg.Market.SessionStart)
	feed := strategy.NewFeed(broker, cfg.Market.SpotExchange, cfg.Market.SpotToken,
		sessionStart.Hour, sessionStart.Minute)

	pcr := sentiment.NewPCRAnalyzer(broker, resolver,
		cfg.Market.Underlying, cfg.Market.OptionExchange, cfg.Market.StrikeStep, logger)

	straddlePlanner := strategy.NewStraddlePlanner(feed, resolver,
		cfg.Market.Underlying, cfg.Market.SpotSymbol, cfg.Market.OptionExchange,
		cfg.Market.StrikeStep, cfg.Stops.FixedPct, cfg.Stops.TargetPct)

	drivers := strategy.NewRegistry()
	drivers.Register(strategy.NewMomentum(feed))
	drivers.Register(strategy.NewVWAPConfluence(feed))
	drivers.Register(strategy.NewOpeningRangeBreakout(feed))
	drivers.Register(strategy.NewInsideBar(feed))
	drivers.Register(strategy.NewOpenHighLow(feed))
	drivers.Register(strategy.NewStraddle(straddlePlanner))
	drivers.Register(strategy.NewPutCallRatio(feed, pcr, expiries,
		cfg.Market.Underlying, cfg.Market.SpotSymbol))

	notifier := buildNotifier(cfg, logger)

	run := runner.New(runner.Deps{
		Drivers:  drivers,
		Legs:     legs,
		Straddle: straddlePlanner,
		Resolver: resolver,
		Expiries: expiries,
		Broker:   broker,
		Gate:     gate,
		Ledger:   ledgerStore,
		Prices:   prices,
		Bus:      bus,
		Locks:    locks,
		Notifier: notifier,
		Logger:   logger,
	}, runner.Options{
		Driver:         cfg.Trading.Strategy,
		Underlying:     cfg.Market.Underlying,
		OptionExchange: cfg.Market.OptionExchange,
		SpotExchange:   cfg.Market.SpotExchange,
		SpotSymbol:     cfg.Market.SpotSymbol,
		SpotToken:      cfg.Market.SpotToken,
		StrikeStep:     cfg.Market.StrikeStep,
		PollInterval:   cfg.Trading.PollInterval.Duration,
		ReconcileEvery: cfg.Trading.ReconcileInterval.Duration,
		MaxBlindTicks:  cfg.Trading.MaxBlindTicks,
		ReversalFlip:   strings.EqualFold(cfg.Trading.ReversalMode, "flip"),
		SquareOff:      tod(cfg.Market.SquareOff),
		StopTimeout:    cfg.Trading.StopTimeout.Duration,
		MarginPerLot:   cfg.Risk.MarginPerLot,
		MarginStraddle: cfg.Risk.MarginStraddle,
		LockKey:        "session:" + cfg.Market.Underlying,
	})

	var archiver *journal.Archiver
	if cfg.Journal.Enabled {
		archiver, err = journal.NewArchiver(ctx, journal.S3Config{
			Endpoint:  cfg.Journal.Endpoint,
			Region:    cfg.Journal.Region,
			Bucket:    cfg.Journal.Bucket,
			AccessKey: cfg.Journal.AccessKey,
			SecretKey: cfg.Journal.SecretKey,
			Prefix:    cfg.Journal.Prefix,
		}, ledgerStore, logger)
		if err != nil {
			return fail(fmt.Errorf("app: journal: %w", err))
		}
	}

	scheduler := lifecycle.New(run,
		lifecycle.CapitalBased{Gate: gate, StraddleMargin: cfg.Risk.MarginStraddle},
		archiver,
		lifecycle.Options{
			SessionStart: sessionStart,
			OHLEnd:       addMinutes(sessionStart, 30),
			SquareOff:    tod(cfg.Market.SquareOff),
		}, logger)

	var srv *server.Server
	var hub *ws.Hub
	if cfg.Server.Enabled {
		hub = ws.NewHub(bus, logger)
		srv = server.NewServer(server.Config{
			Port:        cfg.Server.Port,
			CORSOrigins: cfg.Server.CORSOrigins,
			APIKey:      cfg.Server.APIKey,
		}, server.Handlers{
			Health:    handler.NewHealthHandler(cfg.Mode),
			Bot:       handler.NewBotHandler(run, prices),
			Trades:    handler.NewTradeHandler(ledgerStore, auditStore),
			Sentiment: handler.NewSentimentHandler(news),
		}, hub, logger)
	}

	return &Dependencies{
		Ledger:    ledgerStore,
		Audit:     auditStore,
		Prices:    prices,
		Bus:       bus,
		Locks:     locks,
		Broker:    broker,
		Gate:      gate,
		News:      news,
		Runner:    run,
		Scheduler: scheduler,
		Hub:       hub,
		Server:    srv,
	}, cleanup, nil
}

// buildBroker selects the execution stack for the configured mode. Live mode
// talks to the real broker; paper mode simulates fills, using live market
// data when credentials are present and a pure simulator otherwise. DryRun
// forces simulated execution even when the mode says live.
func buildBroker(cfg *config.Config, logger *slog.Logger) (domain.Broker, domain.ContractResolver, runner.ExpirySource) {
	hasCreds := cfg.Broker.APIKey != "" && cfg.Broker.ClientID != "" && cfg.Broker.TOTPSecret != ""

	var live domain.Broker
	if hasCreds {
		live = smartapi.New(smartapi.Config{
			BaseURL:    cfg.Broker.BaseURL,
			APIKey:     cfg.Broker.APIKey,
			ClientID:   cfg.Broker.ClientID,
			PIN:        cfg.Broker.PIN,
			TOTPSecret: cfg.Broker.TOTPSecret,
			Timeout:    10 * time.Second,
		}, logger)
	}

	simulated := cfg.Mode != "live" || cfg.Trading.DryRun

	switch {
	case !simulated:
		resolver := scrips.NewResolver(cfg.Broker.ScripMasterURL, logger)
		return live, resolver, resolver
	case hasCreds:
		resolver := scrips.NewResolver(cfg.Broker.ScripMasterURL, logger)
		return paper.New(live, cfg.Market.OptionExchange, paperMargin), resolver, resolver
	default:
		return sim.New(paperMargin), sim.Resolver{}, runner.StaticExpiry("SIM")
	}
}

// buildLegs constructs the two position controllers. Slot 0 carries the
// directional trade (and the CE leg of a straddle) with the configured stop
// policy; slot 1 carries the straddle PE leg with a fixed percent stop.
func buildLegs(cfg *config.Config, broker domain.Broker, ledger domain.TradeLedger,
	audit domain.AuditStore, gate *risk.Gatekeeper, logger *slog.Logger) ([2]*position.Controller, error) {

	var legs [2]*position.Controller

	opts := position.Options{
		Exchange:        cfg.Market.OptionExchange,
		PlaceBrokerStop: cfg.Stops.PlaceBrokerStop,
		FallbackStopPct: cfg.Stops.FixedPct,
	}

	for i := range legs {
		stops := cfg.Stops
		if i == 1 {
			stops.Policy = "fixed"
		}
		policy, err := position.NewStopPolicy(stops)
		if err != nil {
			return legs, fmt.Errorf("app: stop policy: %w", err)
		}
		recovery := journal.NewRecoveryFile(legRecoveryPath(cfg.Trading.RecoveryFile, i))
		legs[i] = position.NewController(broker, ledger, audit, gate, policy, recovery, opts, logger)
	}
	return legs, nil
}

func buildNotifier(cfg *config.Config, logger *slog.Logger) *notify.Notifier {
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	return notify.NewNotifier(senders, cfg.Notify.Events, logger)
}

// legRecoveryPath derives a per-leg recovery file path, e.g. recovery.json
// becomes recovery.1.json for the second leg.
func legRecoveryPath(path string, i int) string {
	if i == 0 {
		return path
	}
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s.%d%s", strings.TrimSuffix(path, ext), i, ext)
}

// tod parses a validated "HH:MM" string. Config.Validate has already
// rejected malformed values.
func tod(s string) config.TimeOfDay {
	t, _ := config.ParseTimeOfDay(s)
	return t
}

func addMinutes(t config.TimeOfDay, mins int) config.TimeOfDay {
	total := t.Minutes() + mins
	return config.TimeOfDay{Hour: total / 60, Minute: total % 60}
}
