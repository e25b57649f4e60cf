package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"trading_sim/internal/app"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	flag.Parse()

	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(*configPath); err != nil {
		slog.Error("Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := bootstrap.Run(ctx)
	if runErr != nil {
		slog.Error("Run failed", slog.Any("error", runErr))
	}
	if err := bootstrap.Shutdown(); err != nil {
		slog.Error("Shutdown failed", slog.Any("error", err))
	}
	if runErr != nil {
		os.Exit(1)
	}
}
