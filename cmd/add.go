package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"go.tunnelmgr.dev/tunnelmgr/internal/tunnel"
)

// entryFlags are the editable tunnel fields shared by add and edit
type entryFlags struct {
	remote  string
	port    int
	proxy   string
	browser string
	icon    string
}

func (f *entryFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.remote, "remote", "r", "", "remote address as host:port, resolved on the proxy host")
	cmd.Flags().IntVarP(&f.port, "port", "p", 0, "local port to listen on")
	cmd.Flags().StringVarP(&f.proxy, "proxy", "j", "", "SSH host to forward through, e.g. user@bastion")
	cmd.Flags().StringVarP(&f.browser, "browser", "b", "", "URL template opened in a browser, e.g. https://localhost/admin")
	cmd.Flags().StringVar(&f.icon, "icon", "", "icon name, defaults to the tunnel key")
	cmd.RegisterFlagCompletionFunc("proxy", sshHostCompletionFunc)
}

// apply copies the flags that were set on cmd into entry
func (f *entryFlags) apply(cmd *cobra.Command, entry *tunnel.Entry) {
	if cmd.Flags().Changed("remote") {
		entry.RemoteAddress = f.remote
	}
	if cmd.Flags().Changed("port") {
		entry.LocalPort = f.port
	}
	if cmd.Flags().Changed("proxy") {
		entry.ProxyHost = f.proxy
	}
	if cmd.Flags().Changed("browser") {
		entry.BrowserOpen = f.browser
	}
	if cmd.Flags().Changed("icon") {
		entry.Icon = f.icon
	}
}

func (f *entryFlags) changed(cmd *cobra.Command) bool {
	for _, name := range []string{"remote", "port", "proxy", "browser", "icon"} {
		if cmd.Flags().Changed(name) {
			return true
		}
	}
	return false
}

func encodeEntry(entry tunnel.Entry) string {
	payload, err := json.Marshal(entry)
	if err != nil {
		slog.Error(fmt.Sprintf("Failed to encode tunnel: %v", err))
		os.Exit(1)
	}
	return string(payload)
}

func NewAddCommand() *cobra.Command {
	var flags entryFlags

	addCmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a tunnel and save it immediately",
		Long: `Add a tunnel to the registry. The name is turned into the tunnel key by
replacing every character other than letters, digits, '_', '.' and '-'
with '_'. The new tunnel is written to the registry file right away;
other pending edits are not.`,
		Example: `  tunnelmgr add "Staging DB" --remote db.internal:5432 --port 15432 --proxy me@bastion`,
		Args:    cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			entry := tunnel.Entry{Name: strings.Join(args, " ")}
			flags.apply(cmd, &entry)

			ensureManagerIsRunning()
			sendCommand("ADD " + encodeEntry(entry))
		},
	}
	flags.register(addCmd)
	addCmd.MarkFlagRequired("remote")
	addCmd.MarkFlagRequired("port")
	addCmd.MarkFlagRequired("proxy")

	return addCmd
}
