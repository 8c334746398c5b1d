package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.tunnelmgr.dev/tunnelmgr/internal/daemon"
	"go.tunnelmgr.dev/tunnelmgr/internal/store"
	"go.tunnelmgr.dev/tunnelmgr/internal/tunnel"
)

func NewCommandCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "command <key>",
		Short: "Print the ssh command of a tunnel",
		Long: `Print the ssh command line of a tunnel. When the manager is running the
command reflects unsaved edits; otherwise it is read from the registry file.`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: tunnelKeyCompletionFunc,
		Run: func(cmd *cobra.Command, args []string) {
			if daemon.IsRunning(settings.SocketPath()) {
				var command string
				decodeData(sendCommand("COMMAND "+args[0]), &command)
				fmt.Println(command)
				return
			}

			entry := entryFromDisk(args[0])
			fmt.Println(entry.Command(settings.SSHBinary))
		},
	}
}

// entryFromDisk reads one entry straight from the registry file
func entryFromDisk(key string) tunnel.Entry {
	reg, err := store.New(settings.RegistryFile).ReadDisk()
	if err != nil {
		slog.Error(fmt.Sprintf("Failed to read registry: %v", err))
		os.Exit(1)
	}

	entry, ok := reg[key]
	if !ok {
		slog.Error(fmt.Sprintf("Tunnel '%s' not found in %s", key, settings.RegistryFile))
		os.Exit(1)
	}
	return entry
}

// registryKeys lists the keys in the registry file, nil when it cannot be read
func registryKeys() []string {
	reg, err := store.New(settings.RegistryFile).ReadDisk()
	if err != nil {
		if !errors.Is(err, store.ErrStorageUnavailable) {
			slog.Debug("Registry is unreadable", "error", err)
		}
		return nil
	}
	return reg.Keys()
}
