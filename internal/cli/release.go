package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agent-relay/relay/pkg/protocol"
)

func newReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <name>",
		Short: "Ask the broker to release a supervised agent",
		Args:  cobra.ExactArgs(1),
		RunE:  runRelease,
	}
}

func runRelease(cmd *cobra.Command, args []string) error {
	socketPath := resolveSocketPath(cmd)
	c, cancel, err := dialOneShot(context.Background(), socketPath, "relayctl-release", nil)
	if err != nil {
		return err
	}
	defer cancel()
	defer c.Close()

	result, err := c.Release(protocol.ReleasePayload{Name: args[0]})
	if err != nil {
		return fmt.Errorf("release request failed: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("broker rejected release: %s", result.Error)
	}

	cmd.Printf("released %s\n", result.Name)
	return nil
}
