package cmd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"go.tunnelmgr.dev/tunnelmgr/internal/registry"
)

func NewListCommand() *cobra.Command {
	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List tunnels with their state",
		Long: `List every tunnel known to the manager, including unsaved edits.
Keys with a pending rename are shown as 'old -> new'.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			format := outputFormat(cmd)

			var statuses []registry.Status
			decodeData(sendCommand("LIST"), &statuses)

			switch format {
			case "json":
				printJSON(statuses)
			default:
				if len(statuses) == 0 {
					slog.Info("No tunnels defined. Add one with 'tunnelmgr add'.")
					return
				}
				fmt.Println(renderTunnelTable(statuses, time.Now()))
			}
		},
	}
	addFormatFlag(listCmd)

	return listCmd
}
