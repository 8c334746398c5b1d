package cmd

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

func NewLogsCommand() *cobra.Command {
	var lines int

	logsCmd := &cobra.Command{
		Use:     "logs",
		Aliases: []string{"log"},
		Short:   "Stream manager logs in real-time",
		Long: `Stream manager logs in real-time. Press Ctrl+C to exit.

Examples:
  tunnelmgr logs              # Stream with 20 lines of history
  tunnelmgr logs -L 100       # Show 100 history lines on connect
  tunnelmgr logs -F Staging   # Only lines mentioning Staging`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			filter, _ := cmd.Flags().GetString("filter")
			noColor, _ := cmd.Flags().GetBool("no-color")

			conn, err := net.Dial("unix", settings.SocketPath())
			if err != nil {
				slog.Error("tunnelmgr is not running. Use 'tunnelmgr start' to start it.")
				os.Exit(1)
			}
			defer conn.Close()

			if _, err := fmt.Fprintf(conn, "LOGS %d\n", lines); err != nil {
				slog.Error(fmt.Sprintf("Failed to send LOGS command: %v", err))
				os.Exit(1)
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			done := make(chan struct{})
			go func() {
				defer close(done)
				reader := bufio.NewReader(conn)
				for {
					line, err := reader.ReadString('\n')
					if err != nil {
						return
					}
					if filter != "" && !matchesFilter(line, filter) {
						continue
					}
					if noColor {
						line = stripANSI(line)
					}
					fmt.Print(line)
				}
			}()

			select {
			case <-sigChan:
				fmt.Println("\nDisconnected from tunnelmgr logs.")
			case <-done:
				fmt.Println("tunnelmgr stopped.")
			}
		},
	}

	logsCmd.Flags().StringP("filter", "F", "", "Only show lines containing this keyword")
	logsCmd.Flags().Bool("no-color", false, "Disable colored output")
	logsCmd.Flags().IntVarP(&lines, "lines", "L", 20, "Number of history lines to show on connect")

	return logsCmd
}

// matchesFilter reports whether line contains filter, ignoring case and colors
func matchesFilter(line, filter string) bool {
	return strings.Contains(strings.ToLower(stripANSI(line)), strings.ToLower(filter))
}

// stripANSI removes ANSI escape codes from a string
func stripANSI(s string) string {
	var result strings.Builder
	inEscape := false

	for i := 0; i < len(s); i++ {
		if s[i] == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if s[i] == 'm' {
				inEscape = false
			}
			continue
		}
		result.WriteByte(s[i])
	}

	return result.String()
}
