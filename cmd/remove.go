package cmd

import (
	"github.com/spf13/cobra"
)

func NewRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:               "remove <key>",
		Aliases:           []string{"rm", "delete"},
		Short:             "Stop and remove a tunnel on the next save",
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: tunnelKeyCompletionFunc,
		Run: func(cmd *cobra.Command, args []string) {
			sendCommand("REMOVE " + args[0])
		},
	}
}
