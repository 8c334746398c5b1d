package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.tunnelmgr.dev/tunnelmgr/internal/daemon"
)

func NewQuitCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "quit",
		Aliases: []string{"exit", "shutdown"},
		Short:   "Save pending edits, stop all tunnels and shut down the manager",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			response, err := daemon.SendCommand(settings.SocketPath(), "QUIT")
			if err != nil {
				slog.Error("tunnelmgr is not running. Nothing to stop.")
				os.Exit(1)
			}
			response.LogMessages()
		},
	}
}
