package cmd

import (
	"github.com/spf13/cobra"
)

func NewConnectCommand() *cobra.Command {
	return &cobra.Command{
		Use:               "connect <key>",
		Aliases:           []string{"c"},
		Short:             "Start a tunnel",
		Long:              `Start the ssh process of a tunnel, starting the manager first if needed.`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: tunnelKeyCompletionFunc,
		Run: func(cmd *cobra.Command, args []string) {
			ensureManagerIsRunning()
			checkVersionMismatch()
			sendCommand("START " + args[0])
		},
	}
}
