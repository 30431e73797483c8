package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/supercall/supercall/internal/config"
	"github.com/supercall/supercall/internal/runtime"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting supercall",
		"addr", cfg.ListenAddr(),
		"provider", cfg.Provider,
		"tunnel", cfg.TunnelProvider,
		"store_dir", cfg.StoreDir,
	)

	rt, err := runtime.New(cfg, logger)
	if err != nil {
		slog.Error("failed to assemble runtime", "error", err)
		os.Exit(1)
	}

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	if err := rt.Start(appCtx); err != nil {
		slog.Error("failed to start", "error", err)
		os.Exit(1)
	}

	// Wait for interrupt.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("received shutdown signal", "signal", sig.String())

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := rt.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("supercall stopped")
}
