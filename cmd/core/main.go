package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gpuctl/core/internal/config"
	"github.com/gpuctl/core/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.New(envOr("LOG_LEVEL", "info"), envOr("LOG_PRETTY", "") != "")

	services, err := NewCoreServices(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct core services")
	}

	if err := services.LoadFromStore(); err != nil {
		log.Error().Err(err).Msg("failed to restore persisted state; starting clean")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	services.Start(ctx)
	log.Info().Msg("core services started")

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := services.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown completed with errors")
		os.Exit(1)
	}
	log.Info().Msg("shutdown complete")
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
