package main

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/enggilvano-cmd/Bot-trade/internal/alert"
	"github.com/enggilvano-cmd/Bot-trade/internal/bus"
	"github.com/enggilvano-cmd/Bot-trade/internal/bybit"
	"github.com/enggilvano-cmd/Bot-trade/internal/collector"
	"github.com/enggilvano-cmd/Bot-trade/internal/config"
	"github.com/enggilvano-cmd/Bot-trade/internal/engine"
	"github.com/enggilvano-cmd/Bot-trade/internal/metrics"
	"github.com/enggilvano-cmd/Bot-trade/internal/ntpcheck"
	"github.com/enggilvano-cmd/Bot-trade/internal/orders"
	"github.com/enggilvano-cmd/Bot-trade/internal/store"
	"github.com/enggilvano-cmd/Bot-trade/internal/strategy"
	"github.com/enggilvano-cmd/Bot-trade/internal/supervisor"
	"github.com/enggilvano-cmd/Bot-trade/internal/util"
)

const (
	waitRetries  = 10
	waitInterval = 5 * time.Second
)

func main() {
	_ = godotenv.Load()

	cfgPath := util.Getenv("CONFIG_PATH", "configs/btc_usdt_config.yaml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		boot := util.NewLogger("info")
		boot.Fatal().Err(err).Str("path", cfgPath).Msg("load config")
	}
	log := util.NewLogger(cfg.App.LogLevel)

	if cfg.NTP.Enabled {
		checker := ntpcheck.New(cfg.NTP.Server,
			time.Duration(cfg.NTP.MaxDriftMs)*time.Millisecond,
			time.Duration(cfg.NTP.TimeoutSecs)*time.Second)
		offset, err := checker.Check()
		if err != nil {
			log.Fatal().Err(err).Msg("clock drift preflight failed")
		}
		log.Info().Dur("offset", offset).Msg("system clock within tolerance")
	}

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dsn := util.Getenv("DATABASE_URL", store.DefaultDSN)
	db, err := store.Open(dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()
	if err := waitFor(ctx, log, "database", func() error { return db.Ping(ctx) }); err != nil {
		log.Fatal().Err(err).Msg("database unavailable")
	}
	if err := db.Init(ctx); err != nil {
		log.Fatal().Err(err).Msg("initialize schema")
	}

	redisAddr := fmt.Sprintf("%s:%s", util.Getenv("REDIS_HOST", "localhost"), util.Getenv("REDIS_PORT", "6379"))
	messageBus := bus.New(redisAddr)
	defer messageBus.Close()
	if err := waitFor(ctx, log, "redis", func() error { return messageBus.Ping(ctx) }); err != nil {
		log.Fatal().Err(err).Msg("redis unavailable")
	}

	_ = metrics.Serve(cfg.App.MetricsAddr)
	log.Info().Str("addr", cfg.App.MetricsAddr).Msg("metrics up")

	notify := alert.NewTelegram(os.Getenv("TELEGRAM_BOT_TOKEN"), os.Getenv("TELEGRAM_CHAT_ID"), log)

	creds := bybit.Credentials{
		Key:    os.Getenv("BYBIT_API_KEY"),
		Secret: os.Getenv("BYBIT_API_SECRET"),
	}
	if creds.Key == "" || creds.Secret == "" {
		log.Fatal().Msg("BYBIT_API_KEY and BYBIT_API_SECRET are required")
	}
	client := bybit.NewClient(creds, cfg.Testnet(), log)

	strat, err := strategy.Build(cfg.StrategyName, cfg.Strategy, cfg.Risk)
	if err != nil {
		log.Fatal().Err(err).Msg("build strategy")
	}

	klines := bybit.NewKlineStream(cfg.Symbol, cfg.Timeframe, cfg.Testnet(), log)
	private := bybit.NewOrderStream(creds, cfg.Testnet(), log)

	components := []supervisor.Component{
		collector.New(cfg.Symbol, klines, db, messageBus, log),
		orders.New(client, db, messageBus, private, notify, log),
		engine.New(*cfg, strat, client, db, messageBus, notify, log),
	}

	mode := "TESTNET"
	if cfg.LiveMode {
		mode = "LIVE"
		if cfg.ShadowMode {
			mode = "LIVE (SHADOW MODE)"
		}
	}
	log.Info().
		Str("symbol", cfg.Symbol).
		Str("timeframe", cfg.Timeframe).
		Str("strategy", strat.Name()).
		Str("mode", mode).
		Msg("trading system starting")
	notify.Send(fmt.Sprintf("🚀 %s started: %s %sm [%s]", cfg.App.Name, cfg.Symbol, cfg.Timeframe, mode))

	sup := supervisor.New(messageBus, notify, log)
	err = sup.Run(ctx, components...)

	notify.Send(fmt.Sprintf("🛑 %s stopped", cfg.App.Name))
	log.Info().Err(err).Msg("trading system stopped")
}

// waitFor polls a dependency until it answers. The container can come up
// before Postgres or Redis accept connections.
func waitFor(ctx context.Context, log zerolog.Logger, name string, probe func() error) error {
	var err error
	for attempt := 1; attempt <= waitRetries; attempt++ {
		if err = probe(); err == nil {
			return nil
		}
		log.Warn().Err(err).
			Str("service", name).
			Int("attempt", attempt).
			Int("max", waitRetries).
			Msg("waiting for service")
		select {
		case <-time.After(waitInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s not reachable after %d attempts: %w", name, waitRetries, err)
}
