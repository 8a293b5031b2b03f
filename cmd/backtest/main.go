// Command backtest replays stored klines through the configured strategy and
// prints the aggregate result.
package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/joho/godotenv"

	"github.com/enggilvano-cmd/Bot-trade/internal/backtest"
	"github.com/enggilvano-cmd/Bot-trade/internal/config"
	"github.com/enggilvano-cmd/Bot-trade/internal/store"
	"github.com/enggilvano-cmd/Bot-trade/internal/strategy"
	"github.com/enggilvano-cmd/Bot-trade/internal/util"
)

func main() {
	_ = godotenv.Load()

	var (
		cash       float64
		commission float64
		tradesOut  string
	)
	flag.Float64Var(&cash, "cash", 10000, "starting cash in USDT")
	flag.Float64Var(&commission, "commission", backtest.DefaultCommissionRate, "taker commission rate")
	flag.StringVar(&tradesOut, "trades", "", "optional JSONL file for individual trades")
	flag.Parse()

	cfgPath := util.Getenv("CONFIG_PATH", "configs/btc_usdt_config.yaml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		boot := util.NewLogger("info")
		boot.Fatal().Err(err).Str("path", cfgPath).Msg("load config")
	}
	log := util.NewLogger(cfg.App.LogLevel)

	ctx := context.Background()
	db, err := store.Open(util.Getenv("DATABASE_URL", store.DefaultDSN))
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()

	candles, err := db.AllKlines(ctx, cfg.Symbol)
	if err != nil {
		log.Fatal().Err(err).Msg("load klines")
	}
	if len(candles) == 0 {
		log.Fatal().Msg("no stored klines, run the backfill first")
	}

	strat, err := strategy.Build(cfg.StrategyName, cfg.Strategy, cfg.Risk)
	if err != nil {
		log.Fatal().Err(err).Msg("build strategy")
	}

	var recorder backtest.TradeRecorder
	if tradesOut != "" {
		jsonl, err := backtest.NewJSONLRecorder(tradesOut)
		if err != nil {
			log.Fatal().Err(err).Msg("open trade recorder")
		}
		defer jsonl.Close()
		recorder = jsonl
	}

	broker := backtest.NewBroker(cash, commission)
	runner := backtest.NewRunner(*cfg, strat, broker, recorder, log)

	log.Info().
		Str("symbol", cfg.Symbol).
		Str("strategy", strat.Name()).
		Int("candles", len(candles)).
		Msg("replay starting")

	result, err := runner.Run(candles)
	if err != nil {
		log.Fatal().Err(err).Msg("replay failed")
	}

	fmt.Printf("\n===== Backtest: %s / %s =====\n", cfg.Symbol, strat.Name())
	fmt.Printf("Candles:        %d (%s .. %s)\n", len(candles),
		candles[0].Timestamp.Format("2006-01-02"), candles[len(candles)-1].Timestamp.Format("2006-01-02"))
	fmt.Printf("Trades:         %d (%d W / %d L, %.1f%% win rate)\n",
		result.TotalTrades, result.Wins, result.Losses, result.WinRate)
	fmt.Printf("Net PnL:        %.2f USDT (commission %.2f)\n", result.NetPnL, result.Commission)
	fmt.Printf("Final equity:   %.2f USDT (%.2f%%)\n", result.FinalEquity, result.Return)
	fmt.Printf("Max drawdown:   %.2f%%\n", result.MaxDrawdown)
}
