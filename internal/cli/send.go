package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agent-relay/relay/pkg/protocol"
)

func newSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <to> <body>",
		Short: "Send a message to a name, #channel, or * (everyone)",
		Args:  cobra.ExactArgs(2),
		RunE:  runSend,
	}
	cmd.Flags().String("as", "relayctl", "sender name to present to the broker")
	return cmd
}

func runSend(cmd *cobra.Command, args []string) error {
	socketPath := resolveSocketPath(cmd)
	as, _ := cmd.Flags().GetString("as")

	c, cancel, err := dialOneShot(context.Background(), socketPath, as, nil)
	if err != nil {
		return err
	}
	defer cancel()
	defer c.Close()

	if err := c.SendMessage(args[0], protocol.SendPayload{Body: args[1]}); err != nil {
		return fmt.Errorf("send failed: %w", err)
	}
	cmd.Printf("sent to %s\n", args[0])
	return nil
}
