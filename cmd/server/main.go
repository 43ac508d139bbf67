package main

import (
	"github.com/rs/zerolog/log"

	app "guidance-engine/internal/app/server"
	"guidance-engine/internal/config"
)

func main() {
	cfg := config.Load()
	config.SetupLogging(cfg.Server.LogLevel, cfg.Server.LogFormat)

	if err := app.Run(cfg); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
	log.Info().Msg("server stopped")
}
