package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"go.tunnelmgr.dev/tunnelmgr/internal/registry"
)

func NewShowCommand() *cobra.Command {
	showCmd := &cobra.Command{
		Use:               "show <key>",
		Short:             "Show one tunnel",
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: tunnelKeyCompletionFunc,
		Run: func(cmd *cobra.Command, args []string) {
			format := outputFormat(cmd)

			var status registry.Status
			decodeData(sendCommand("SHOW "+args[0]), &status)

			switch format {
			case "json":
				printJSON(status)
			default:
				fmt.Print(formatTunnel(status))
			}
		},
	}
	addFormatFlag(showCmd)

	return showCmd
}

func formatTunnel(s registry.Status) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s (%s)\n", s.DisplayName, s.Key)
	if s.PendingMove != "" {
		fmt.Fprintf(&b, "  Pending key:    %s\n", s.PendingMove)
	}
	fmt.Fprintf(&b, "  Remote address: %s\n", s.RemoteAddress)
	fmt.Fprintf(&b, "  Local port:     %d\n", s.LocalPort)
	fmt.Fprintf(&b, "  Proxy host:     %s\n", s.ProxyHost)
	if s.BrowserOpen != "" {
		fmt.Fprintf(&b, "  Browser URL:    %s\n", s.BrowserOpen)
	}
	fmt.Fprintf(&b, "  Icon:           %s\n", s.IconPath)
	fmt.Fprintf(&b, "  Command:        %s\n", s.Command)
	if s.Running {
		fmt.Fprintf(&b, "  State:          %s (PID: %d)\n", runningStyle.Render("running"), s.Pid)
	} else {
		fmt.Fprintf(&b, "  State:          %s\n", stoppedStyle.Render("stopped"))
	}

	return b.String()
}
