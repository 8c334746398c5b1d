package cmd

import (
	"strings"

	"github.com/spf13/cobra"
)

func NewRenameCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <key> <name>",
		Short: "Rename a tunnel on the next save",
		Long: `Give a tunnel a new name. The key is derived from the name like on add
and is moved when the registry is saved. A name whose key is already taken
is rejected.`,
		Example:           `  tunnelmgr rename Staging_DB Staging primary`,
		Args:              cobra.MinimumNArgs(2),
		ValidArgsFunction: tunnelKeyCompletionFunc,
		Run: func(cmd *cobra.Command, args []string) {
			sendCommand("RENAME " + args[0] + " " + strings.Join(args[1:], " "))
		},
	}
}
