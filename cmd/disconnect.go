package cmd

import (
	"github.com/spf13/cobra"
)

func NewDisconnectCommand() *cobra.Command {
	return &cobra.Command{
		Use:               "disconnect <key>",
		Aliases:           []string{"d"},
		Short:             "Stop a tunnel",
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: tunnelKeyCompletionFunc,
		Run: func(cmd *cobra.Command, args []string) {
			sendCommand("STOP " + args[0])
		},
	}
}
