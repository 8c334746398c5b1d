package cmd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"go.tunnelmgr.dev/tunnelmgr/internal/daemon"
)

func NewStatusCommand() *cobra.Command {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show manager status",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			format := outputFormat(cmd)

			response, err := daemon.SendCommand(settings.SocketPath(), "STATUS")
			if err != nil {
				slog.Warn("tunnelmgr is not running.")
				return
			}

			var status daemon.ManagerStatus
			decodeData(response, &status)

			switch format {
			case "json":
				printJSON(status)
			default:
				fmt.Print(formatManagerStatus(status, time.Now()))
			}
		},
	}
	addFormatFlag(statusCmd)

	return statusCmd
}

func formatManagerStatus(status daemon.ManagerStatus, now time.Time) string {
	registryState := "saved"
	if status.Dirty {
		registryState = pendingStyle.Render("unsaved changes")
	}

	return fmt.Sprintf("tunnelmgr %s (PID: %d, Uptime: %s)\nRegistry: %s (%s)\nTunnels: %d defined, %s\n",
		status.Version, status.Pid, now.Sub(status.StartDate).Round(time.Second),
		status.RegistryFile, registryState,
		status.Tunnels, runningStyle.Render(fmt.Sprintf("%d running", status.Running)))
}
