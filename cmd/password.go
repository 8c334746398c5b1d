package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.tunnelmgr.dev/tunnelmgr/internal/daemon"
	"go.tunnelmgr.dev/tunnelmgr/internal/keyring"
	"go.tunnelmgr.dev/tunnelmgr/internal/registry"
)

func NewPasswordCommand() *cobra.Command {
	passwordCmd := &cobra.Command{
		Use:     "password",
		Aliases: []string{"passwd", "pass"},
		Short:   "Manage stored tunnel passwords",
		Long: `Store, delete, and list SSH passwords for tunnels. Passwords are stored
in the system keyring and handed to ssh through SSH_ASKPASS when the tunnel
starts. Tunnels without a stored password use keys and agents as usual.`,
	}

	setCmd := &cobra.Command{
		Use:               "set <key>",
		Short:             "Store the SSH password of a tunnel",
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: tunnelKeyCompletionFunc,
		Run: func(cmd *cobra.Command, args []string) {
			key := args[0]
			passwords := openPasswords()

			password, err := keyring.PromptAndConfirmPassword(key)
			if err != nil {
				slog.Error(fmt.Sprintf("Failed to read password: %v", err))
				os.Exit(1)
			}

			if err := passwords.Set(key, password); err != nil {
				slog.Error(fmt.Sprintf("Failed to store password: %v", err))
				os.Exit(1)
			}

			slog.Info(fmt.Sprintf("Password stored securely for '%s'", key))
		},
	}

	deleteCmd := &cobra.Command{
		Use:               "delete <key>",
		Aliases:           []string{"del", "remove", "rm"},
		Short:             "Delete the stored password of a tunnel",
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: tunnelKeyCompletionFunc,
		Run: func(cmd *cobra.Command, args []string) {
			key := args[0]

			if err := openPasswords().Delete(key); err != nil {
				slog.Error(fmt.Sprintf("Failed to delete password: %v", err))
				os.Exit(1)
			}

			slog.Info(fmt.Sprintf("Password deleted for '%s'", key))
		},
	}

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls", "show"},
		Short:   "List tunnels with a stored password",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			passwords := openPasswords()

			var withPassword []string
			for _, key := range knownTunnelKeys() {
				if passwords.Has(key) {
					withPassword = append(withPassword, key)
				}
			}

			if len(withPassword) == 0 {
				slog.Info("No stored passwords found")
				return
			}

			fmt.Println("Tunnels with stored passwords:")
			for _, key := range withPassword {
				fmt.Printf("  - %s\n", key)
			}
		},
	}

	passwordCmd.AddCommand(setCmd, deleteCmd, listCmd)
	return passwordCmd
}

func openPasswords() *keyring.Passwords {
	passwords, err := keyring.Default()
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
	return passwords
}

// knownTunnelKeys asks the manager for its keys and falls back to the registry file
func knownTunnelKeys() []string {
	response, err := daemon.SendCommand(settings.SocketPath(), "LIST")
	if err != nil || response.Failed() {
		return registryKeys()
	}

	var statuses []registry.Status
	if err := response.DecodeData(&statuses); err != nil {
		return registryKeys()
	}

	keys := make([]string, 0, len(statuses))
	for _, s := range statuses {
		keys = append(keys, s.Key)
	}
	return keys
}
