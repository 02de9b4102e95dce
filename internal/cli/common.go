package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agent-relay/relay/internal/client"
	"github.com/agent-relay/relay/internal/config"
	"github.com/agent-relay/relay/pkg/protocol"
)

// resolveConfigPath resolves the config path from a positional arg, then
// --config/-c flag on this command or the root, else "" (LoadBroker
// tolerates a missing path and returns defaults).
func resolveConfigPath(cmd *cobra.Command, args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	if f := cmd.Root().PersistentFlags().Lookup("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	return ""
}

// resolveSocketPath prefers an explicit --socket flag over the client
// default (AGENT_RELAY_SOCKET env var or the well-known relative path).
func resolveSocketPath(cmd *cobra.Command) string {
	if f := cmd.Root().PersistentFlags().Lookup("socket"); f != nil && f.Changed {
		return f.Value.String()
	}
	return config.DefaultClientConfig().SocketPath
}

// dialOneShot opens a short-lived client connection under name and blocks
// until the handshake completes, used by spawn/release/send/status/monitor.
// handler receives every envelope the broker delivers after that.
func dialOneShot(ctx context.Context, socketPath, name string, handler client.EnvelopeHandler) (*client.Client, context.CancelFunc, error) {
	cfg := config.DefaultClientConfig()
	cfg.SocketPath = socketPath
	cfg.Name = name
	cfg.Entity = "user"

	if handler == nil {
		handler = func(protocol.Envelope) error { return nil }
	}

	c := client.New(cfg, handler, nil)
	runCtx, cancel := context.WithCancel(ctx)
	go func() { _ = c.Run(runCtx) }()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.Connected() {
			return c, cancel, nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	return nil, nil, fmt.Errorf("timed out connecting to broker at %s", socketPath)
}
