package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"mutuo-backend/internal/app"
	"mutuo-backend/internal/config"
	"mutuo-backend/internal/jobs"
	"mutuo-backend/internal/loans"
	"mutuo-backend/internal/reconciliation"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	fiberApp, db, rdb, err := app.CreateApp(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("app init failed")
	}

	if rdb != nil {
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatal().Err(err).Msg("redis connection failed")
		}
	}

	loanSvc := &loans.Service{DB: db, Cfg: cfg}
	reconSvc := &reconciliation.Service{DB: db, Cfg: cfg, Rdb: rdb}
	scheduler, err := jobs.New(cfg, loanSvc, reconSvc)
	if err != nil {
		log.Fatal().Err(err).Msg("scheduler init failed")
	}
	scheduler.Start()
	defer scheduler.Stop()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Info().Msg("shutting down")
		_ = fiberApp.Shutdown()
	}()

	log.Info().Str("port", cfg.Port).Msg("server listening")
	if err := fiberApp.Listen(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
