package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.tunnelmgr.dev/tunnelmgr/internal/registry"
)

func NewEditCommand() *cobra.Command {
	var flags entryFlags

	editCmd := &cobra.Command{
		Use:   "edit <key>",
		Short: "Change tunnel fields",
		Long: `Change the fields of a tunnel. Only the flags given are changed. The
edit is kept by the manager until 'tunnelmgr save'; a running tunnel keeps
its old command until it is reconnected. Use 'tunnelmgr rename' to change
the name.`,
		Example:           `  tunnelmgr edit Staging_DB --port 25432`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: tunnelKeyCompletionFunc,
		Run: func(cmd *cobra.Command, args []string) {
			key := args[0]
			if !flags.changed(cmd) {
				slog.Error("Nothing to change. Pass at least one of --remote, --port, --proxy, --browser or --icon.")
				os.Exit(1)
			}

			var current registry.Status
			decodeData(sendCommand("SHOW "+key), &current)

			entry := current.Entry
			flags.apply(cmd, &entry)
			sendCommand("EDIT " + key + " " + encodeEntry(entry))
		},
	}
	flags.register(editCmd)

	return editCmd
}
