package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.tunnelmgr.dev/tunnelmgr/internal/daemon"
)

func NewStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the manager in the background",
		Long: `Start the manager in the background.

The manager holds the tunnel registry and every running tunnel. It keeps
running until stopped with 'tunnelmgr quit'.

If the manager is already running, this command only reports it.`,
		Aliases: []string{"boot"},
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if daemon.IsRunning(settings.SocketPath()) {
				slog.Info("tunnelmgr is already running")
				checkVersionMismatch()
				return
			}

			slog.Info("Starting tunnelmgr...")
			pid, err := daemon.StartDaemon(settings.ConfigPath, verbose)
			if err != nil {
				slog.Error(fmt.Sprintf("Failed to start tunnelmgr: %v", err))
				os.Exit(1)
			}

			if err := daemon.WaitForDaemon(settings.SocketPath(), managerStartTimeout); err != nil {
				slog.Error(fmt.Sprintf("tunnelmgr failed to start: %v", err))
				os.Exit(1)
			}

			slog.Info(fmt.Sprintf("tunnelmgr started (PID %d)", pid))
		},
	}
}
