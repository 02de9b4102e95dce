package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/agent-relay/relay/internal/broker"
	"github.com/agent-relay/relay/internal/config"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to broker configuration file (defaults apply if omitted)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("relay-broker", version)
		os.Exit(0)
	}

	cfg, err := config.LoadBroker(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))

	b, err := broker.New(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize broker", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	logger.Info("relay broker starting", "version", version, "socket", cfg.SocketPath)

	if err := b.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("broker error", "error", err)
		os.Exit(1)
	}

	logger.Info("broker stopped")
}
