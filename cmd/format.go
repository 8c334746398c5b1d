package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"go.tunnelmgr.dev/tunnelmgr/internal/db"
	"go.tunnelmgr.dev/tunnelmgr/internal/registry"
	"go.tunnelmgr.dev/tunnelmgr/internal/tunnel"
)

var (
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	stoppedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
)

func addFormatFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("format", "F", "text", "Format to use (text/json)")
}

// outputFormat returns the --format flag, exiting on unknown values
func outputFormat(cmd *cobra.Command) string {
	format, _ := cmd.Flags().GetString("format")
	if format != "text" && format != "json" {
		slog.Error(fmt.Sprintf("unknown format %q", format))
		os.Exit(1)
	}
	return format
}

func printJSON(v any) {
	bytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		slog.Error(fmt.Sprintf("Failed to encode output: %v", err))
		os.Exit(1)
	}
	fmt.Println(string(bytes))
}

// tunnelRows returns one plain row per tunnel: key, name, forward, state, PID, started
func tunnelRows(statuses []registry.Status, now time.Time) [][]string {
	rows := make([][]string, 0, len(statuses))
	for _, s := range statuses {
		key := s.Key
		if s.PendingMove != "" {
			key = fmt.Sprintf("%s -> %s", s.Key, s.PendingMove)
		}

		state, pid, started := "stopped", "", ""
		if s.Running {
			state = "running"
			pid = strconv.Itoa(s.Pid)
			started = humanize.RelTime(s.StartDate, now, "ago", "from now")
		}

		rows = append(rows, []string{
			key,
			s.DisplayName,
			fmt.Sprintf("%s:%d -> %s via %s", tunnel.LocalBindAddress, s.LocalPort, s.RemoteAddress, s.ProxyHost),
			state,
			pid,
			started,
		})
	}
	return rows
}

func renderTunnelTable(statuses []registry.Status, now time.Time) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("KEY", "NAME", "FORWARD", "STATE", "PID", "STARTED").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})

	for i, row := range tunnelRows(statuses, now) {
		if statuses[i].Running {
			row[3] = runningStyle.Render(row[3])
		} else {
			row[3] = stoppedStyle.Render(row[3])
		}
		if statuses[i].PendingMove != "" {
			row[0] = pendingStyle.Render(row[0])
		}
		t.Row(row...)
	}
	return t.String()
}

func renderHistoryTable(events []db.TunnelEvent) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("TIME", "TUNNEL", "EVENT", "DETAILS").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})

	for _, e := range events {
		t.Row(e.Timestamp.Local().Format(time.DateTime), e.TunnelKey, e.EventType, e.Details)
	}
	return t.String()
}
