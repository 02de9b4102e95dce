package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agent-relay/relay/internal/broker"
	"github.com/agent-relay/relay/internal/config"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config-file]",
		Short: "Start the broker",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadBroker(resolveConfigPath(cmd, args))
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}
	if f := cmd.Root().PersistentFlags().Lookup("socket"); f != nil && f.Changed {
		cfg.SocketPath = f.Value.String()
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
	return nil
}
