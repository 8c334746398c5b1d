package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"go.tunnelmgr.dev/tunnelmgr/internal/db"
)

func NewHistoryCommand() *cobra.Command {
	var limit int

	historyCmd := &cobra.Command{
		Use:               "history [key]",
		Short:             "Show recent tunnel events",
		Long:              `Show recent tunnel events (added, started, stopped, exited, renamed), newest first.`,
		Args:              cobra.MaximumNArgs(1),
		ValidArgsFunction: tunnelKeyCompletionFunc,
		Run: func(cmd *cobra.Command, args []string) {
			format := outputFormat(cmd)

			command := fmt.Sprintf("HISTORY %d", limit)
			if len(args) == 1 {
				command += " " + args[0]
			}

			var events []db.TunnelEvent
			decodeData(sendCommand(command), &events)

			switch format {
			case "json":
				printJSON(events)
			default:
				if len(events) == 0 {
					slog.Info("No events recorded")
					return
				}
				fmt.Println(renderHistoryTable(events))
			}
		},
	}
	historyCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of events to show")
	addFormatFlag(historyCmd)

	return historyCmd
}
