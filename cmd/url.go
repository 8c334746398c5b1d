package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.tunnelmgr.dev/tunnelmgr/internal/daemon"
)

func NewURLCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "url <key>",
		Short: "Print the local browser URL of a tunnel",
		Long: `Print the browser URL of a tunnel: its browser_open template pointed at
the local end of the forward.`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: tunnelKeyCompletionFunc,
		Run: func(cmd *cobra.Command, args []string) {
			var url string
			if daemon.IsRunning(settings.SocketPath()) {
				decodeData(sendCommand("URL "+args[0]), &url)
			} else {
				var err error
				url, err = entryFromDisk(args[0]).BrowserURL()
				if err != nil {
					slog.Error(err.Error())
					os.Exit(1)
				}
			}

			if url == "" {
				slog.Warn(fmt.Sprintf("Tunnel '%s' has no browser URL", args[0]))
				return
			}
			fmt.Println(url)
		},
	}
}
