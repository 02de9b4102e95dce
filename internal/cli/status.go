package cli

import (
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether a broker is reachable on its socket",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	socketPath := resolveSocketPath(cmd)

	if _, err := os.Stat(socketPath); err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Status:  stopped (no socket at %s)\n", socketPath)
		return nil
	}

	nc, err := net.Dial("unix", socketPath)
	if err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Status:  stopped (stale socket %s)\n", socketPath)
		return nil
	}
	defer nc.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "Status:  running\n")
	fmt.Fprintf(cmd.OutOrStdout(), "Socket:  %s\n", socketPath)
	return nil
}
