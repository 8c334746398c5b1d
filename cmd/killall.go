package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.tunnelmgr.dev/tunnelmgr/internal/daemon"
	"go.tunnelmgr.dev/tunnelmgr/internal/supervisor"
)

func NewKillAllCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "kill-all",
		Short: "Kill every ssh process of the current user",
		Long: `Stop every tunnel and kill every process named like the ssh client,
including ssh sessions that tunnelmgr did not start. Works without a
running manager.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if daemon.IsRunning(settings.SocketPath()) {
				sendCommand("KILLALL")
				return
			}

			sup := supervisor.New(supervisor.WithProcessName(settings.SSHBinary))
			killed, err := sup.KillAllSystemWide()
			if err != nil {
				slog.Error(err.Error())
				os.Exit(1)
			}
			slog.Info(fmt.Sprintf("Killed %d ssh processes", killed))
		},
	}
}
