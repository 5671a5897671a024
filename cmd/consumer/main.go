package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"drawing-mesh-pipeline/internal/config"
	"drawing-mesh-pipeline/internal/consumer"
	"drawing-mesh-pipeline/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	log := logger.Setup(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("consumer started",
		"api", cfg.ConsumerAPIURL,
		"interval", cfg.ConsumerPollInterval,
		"manifest", cfg.ConsumerManifest)
	if err := consumer.New(cfg, log).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("consumer stopped", "error", err)
		os.Exit(1)
	}
}
