package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agent-relay/relay/internal/tui/dashboard"
	"github.com/agent-relay/relay/pkg/protocol"
)

func newMonitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch the LOG and DELIVER envelopes the broker routes to this monitor",
		RunE:  runMonitor,
	}
	cmd.Flags().Bool("plain", false, "print envelopes as lines instead of the TUI dashboard")
	return cmd
}

func runMonitor(cmd *cobra.Command, args []string) error {
	socketPath := resolveSocketPath(cmd)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if plain, _ := cmd.Flags().GetBool("plain"); plain {
		return runMonitorPlain(ctx, cmd, socketPath)
	}

	return dashboard.Attach(ctx, socketPath, "relayctl-monitor")
}

// runMonitorPlain is the line-oriented fallback for scripting and for
// terminals that can't host an alt-screen TUI.
func runMonitorPlain(ctx context.Context, cmd *cobra.Command, socketPath string) error {
	out := cmd.OutOrStdout()
	c, dialCancel, err := dialOneShot(ctx, socketPath, "relayctl-monitor", func(env protocol.Envelope) error {
		ts := time.UnixMilli(env.TS).Format("15:04:05.000")
		switch env.Type {
		case protocol.TypeLog:
			var p protocol.LogPayload
			_ = env.DecodePayload(&p)
			fmt.Fprintf(out, "%s [%s/%s] %s\n", ts, p.Name, p.Stream, p.Data)
		case protocol.TypeDeliver:
			var p protocol.SendPayload
			_ = env.DecodePayload(&p)
			fmt.Fprintf(out, "%s %s -> %s: %s\n", ts, env.From, env.To, p.Body)
		default:
			fmt.Fprintf(out, "%s %s from=%s to=%s\n", ts, env.Type, env.From, env.To)
		}
		return nil
	})
	if err != nil {
		return err
	}
	defer dialCancel()
	defer c.Close()

	<-ctx.Done()
	return nil
}
