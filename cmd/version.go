package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.tunnelmgr.dev/tunnelmgr/internal/core"
	"go.tunnelmgr.dev/tunnelmgr/internal/daemon"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Long:  `Show version of both client and manager (if running)`,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			clientFormatted := core.FormatVersion(core.Version)
			fmt.Fprintf(os.Stderr, "Client version: %s\n", clientFormatted)

			response, err := daemon.SendCommand(settings.SocketPath(), "VERSION")
			if err != nil {
				fmt.Fprintln(os.Stderr, "Manager: not running")
				return
			}

			var version string
			if err := response.DecodeData(&version); err != nil || version == "" {
				return
			}
			managerFormatted := core.FormatVersion(version)
			fmt.Fprintf(os.Stderr, "Manager version: %s\n", managerFormatted)

			if version != core.Version {
				slog.Warn(fmt.Sprintf("Version mismatch! Client %s and manager %s differ. Consider restarting tunnelmgr.", clientFormatted, managerFormatted))
			}
		},
	}
}
