// Command initdb creates the database schema. The bot does this on startup
// as well; this exists for provisioning a database ahead of first deploy.
package main

import (
	"context"

	"github.com/joho/godotenv"

	"github.com/enggilvano-cmd/Bot-trade/internal/store"
	"github.com/enggilvano-cmd/Bot-trade/internal/util"
)

func main() {
	_ = godotenv.Load()
	log := util.NewLogger(util.Getenv("LOG_LEVEL", "info"))

	dsn := util.Getenv("DATABASE_URL", store.DefaultDSN)
	db, err := store.Open(dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("database unreachable")
	}
	if err := db.Init(ctx); err != nil {
		log.Fatal().Err(err).Msg("create schema")
	}
	log.Info().Msg("schema ready")
}
