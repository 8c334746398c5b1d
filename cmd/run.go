package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.tunnelmgr.dev/tunnelmgr/internal/daemon"
)

func NewRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the manager in the foreground",
		Long: `Run the manager in the foreground until it receives SIGINT or SIGTERM,
or 'tunnelmgr quit' is issued.

Only one manager can run per user. On exit pending registry edits are saved
and every tunnel is stopped.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			d := daemon.New(settings, daemon.WithVerbose(verbose))
			if err := d.Run(); err != nil {
				slog.Error(err.Error())
				os.Exit(1)
			}
		},
	}
}
