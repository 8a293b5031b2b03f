// Command backfill downloads historical klines from the exchange into the
// local store, paginating backwards from now until the configured range is
// covered or the exchange runs out of history.
package main

import (
	"context"
	"flag"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/enggilvano-cmd/Bot-trade/internal/bybit"
	"github.com/enggilvano-cmd/Bot-trade/internal/config"
	"github.com/enggilvano-cmd/Bot-trade/internal/store"
	"github.com/enggilvano-cmd/Bot-trade/internal/util"
)

const (
	pageSize  = 1000
	pagePause = 500 * time.Millisecond
)

func main() {
	_ = godotenv.Load()

	var days int
	flag.IntVar(&days, "days", 0, "days of history to fetch (default: config days_to_backfill)")
	flag.Parse()

	cfgPath := util.Getenv("CONFIG_PATH", "configs/btc_usdt_config.yaml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		boot := util.NewLogger("info")
		boot.Fatal().Err(err).Str("path", cfgPath).Msg("load config")
	}
	log := util.NewLogger(cfg.App.LogLevel)

	if days <= 0 {
		days = cfg.Engine.DaysToBackfill
	}

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := store.Open(util.Getenv("DATABASE_URL", store.DefaultDSN))
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()
	if err := db.Init(ctx); err != nil {
		log.Fatal().Err(err).Msg("initialize schema")
	}

	client := bybit.NewClient(bybit.Credentials{}, cfg.Testnet(), log)
	cutoff := time.Now().AddDate(0, 0, -days).UnixMilli()

	log.Info().
		Str("symbol", cfg.Symbol).
		Str("timeframe", cfg.Timeframe).
		Int("days", days).
		Msg("backfill starting")

	var total int64
	endMs := int64(0) // 0 asks for the newest page
	for {
		if ctx.Err() != nil {
			log.Warn().Msg("backfill interrupted")
			break
		}
		candles, oldest, err := client.Klines(ctx, cfg.Symbol, cfg.Timeframe, pageSize, endMs)
		if err != nil {
			log.Fatal().Err(err).Msg("fetch klines")
		}
		if len(candles) == 0 {
			log.Info().Msg("exchange history exhausted")
			break
		}

		inserted, err := db.InsertKlines(ctx, candles)
		if err != nil {
			log.Fatal().Err(err).Msg("insert klines")
		}
		total += inserted
		log.Info().
			Time("oldest", time.UnixMilli(oldest).UTC()).
			Int("fetched", len(candles)).
			Int64("inserted", inserted).
			Msg("page stored")

		if oldest <= cutoff {
			break
		}
		// Next page ends just before the oldest candle we have.
		endMs = oldest - 1

		select {
		case <-time.After(pagePause):
		case <-ctx.Done():
		}
	}

	count, err := db.CountKlines(ctx, cfg.Symbol)
	if err != nil {
		log.Warn().Err(err).Msg("count klines")
	}
	log.Info().Int64("inserted", total).Int("total_rows", count).Msg("backfill finished")
}
