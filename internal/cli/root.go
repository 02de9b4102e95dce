// Package cli builds the relayctl cobra command tree: one file per
// subcommand, registered on a shared root.
package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command for relayctl.
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:           "relayctl",
		Short:         "relayctl — control and observe an agent-relay broker",
		Long:          "relayctl starts a broker, spawns and releases supervised agents, sends messages, and watches live traffic.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newSpawnCmd())
	root.AddCommand(newReleaseCmd())
	root.AddCommand(newSendCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newMonitorCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to broker config file")
	root.PersistentFlags().String("socket", "", "path to the broker's unix socket (overrides config/env)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("relayctl", version)
		},
	}
}
