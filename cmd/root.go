package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.tunnelmgr.dev/tunnelmgr/internal/core"
	"go.tunnelmgr.dev/tunnelmgr/internal/daemon"
)

var (
	configPath string
	verbose    int

	// settings is loaded before any command runs
	settings *core.Settings
)

func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tunnelmgr",
		Short: "tunnelmgr - SSH tunnel manager",
		Long: `tunnelmgr keeps a registry of SSH local port forwards and runs them
through a background manager.

Registry edits are held by the manager until 'tunnelmgr save'; adding a
tunnel is saved immediately. Quitting the manager saves pending edits and
stops every tunnel.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// askpass output is read by ssh and needs nothing but the keyring
			if cmd.Name() == "askpass" {
				return nil
			}
			slog.SetDefault(slog.New(daemon.NewLogHandler(os.Stderr, core.DefaultSettings(configPath).Level(verbose))))

			loaded, err := core.LoadSettings(configPath)
			if err != nil {
				return err
			}
			settings = loaded
			slog.SetDefault(slog.New(daemon.NewLogHandler(os.Stderr, settings.Level(verbose))))
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config-path", core.DefaultConfigPath(), "config path")
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "more output, repeat for even more")

	rootCmd.AddGroup(
		&cobra.Group{ID: "manager", Title: "Manager:"},
		&cobra.Group{ID: "registry", Title: "Registry:"},
		&cobra.Group{ID: "tunnels", Title: "Tunnels:"},
	)

	for _, c := range []*cobra.Command{
		NewRunCommand(),
		NewStartCommand(),
		NewQuitCommand(),
		NewStatusCommand(),
		NewLogsCommand(),
		NewHistoryCommand(),
	} {
		c.GroupID = "manager"
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{
		NewListCommand(),
		NewShowCommand(),
		NewAddCommand(),
		NewEditCommand(),
		NewRenameCommand(),
		NewRemoveCommand(),
		NewSaveCommand(),
	} {
		c.GroupID = "registry"
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{
		NewConnectCommand(),
		NewDisconnectCommand(),
		NewKillAllCommand(),
		NewCommandCommand(),
		NewURLCommand(),
	} {
		c.GroupID = "tunnels"
		rootCmd.AddCommand(c)
	}
	rootCmd.AddCommand(
		NewPasswordCommand(),
		NewAskpassCommand(),
		NewVersionCommand(),
	)

	return rootCmd
}
