// Package main is the entry point for the pattern-matching realtime
// engine: a standalone service that runs nearest-neighbor pattern scans
// over a symbol list, verifies predictions once their horizon elapses,
// and streams progress, results and live pnl to WebSocket subscribers.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aristath/patterns-realtime/internal/config"
	"github.com/aristath/patterns-realtime/internal/di"
	"github.com/aristath/patterns-realtime/internal/server"
	"github.com/aristath/patterns-realtime/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	log.Info().Msg("starting pattern-matching realtime engine")

	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to wire dependencies")
	}
	defer container.DB.Close()

	srv := server.New(server.Config{
		Port:      cfg.Port,
		Container: container,
		Log:       log,
		DevMode:   cfg.DevMode,
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("server started")

	container.Verify.Start()
	container.Tracker.Start()

	sched := cron.New()
	if _, err := sched.AddFunc("@daily", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := container.Sweeper.Run(ctx); err != nil {
			log.Error().Err(err).Msg("retention sweep failed")
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to schedule retention sweep")
	}
	sched.Start()
	log.Info().Msg("retention sweep scheduled daily")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	cronCtx := sched.Stop()
	<-cronCtx.Done()

	container.Verify.Stop()
	container.Tracker.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("shutdown complete")
}
