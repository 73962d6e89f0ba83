package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sebas/patchbay/internal/banner"
	"github.com/sebas/patchbay/internal/logger"
	"github.com/sebas/patchbay/internal/signaling/app"
	"github.com/sebas/patchbay/internal/signaling/config"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	banner.Print("PATCHBAY SIGNALING SERVER", []banner.ConfigLine{
		{Label: "Listen", Value: fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.Port)},
		{Label: "Log level", Value: cfg.LogLevel},
		{Label: "Max call duration", Value: cfg.MaxCallDuration.String()},
		{Label: "Sweep interval", Value: cfg.SweepInterval.String()},
		{Label: "Call log", Value: callLogLabel(cfg.CallLogPath)},
	})

	// Create server
	server, err := app.NewServer(cfg)
	if err != nil {
		slog.Error("Failed to create signaling server", "error", err)
		os.Exit(1)
	}
	defer server.Close()

	run(server, cfg)
}

func run(server *app.Patchbay, cfg *config.Config) {
	slog.Info("Starting Patchbay Signaling Server", "port", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start server
	go func() {
		if err := server.Start(ctx); err != nil {
			slog.Error("Server error", "error", err)
		}
	}()

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received signal, shutting down", "signal", sig)
	cancel()

	time.Sleep(1 * time.Second)
}

func callLogLabel(path string) string {
	if path == "" {
		return "disabled"
	}
	return path
}
