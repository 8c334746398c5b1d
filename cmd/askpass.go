package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"go.tunnelmgr.dev/tunnelmgr/internal/daemon"
	"go.tunnelmgr.dev/tunnelmgr/internal/keyring"
)

func NewAskpassCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "askpass",
		Short:  "Internal SSH askpass helper (do not call directly)",
		Long:   `Internal command used by the SSH_ASKPASS mechanism. Do not call this directly.`,
		Hidden: true,
		Args:   cobra.ArbitraryArgs,
		Run: func(cmd *cobra.Command, args []string) {
			key := os.Getenv(keyring.AskpassKeyEnv)
			token := os.Getenv(keyring.AskpassTokenEnv)
			socketPath := os.Getenv(keyring.AskpassSocketEnv)
			if key == "" || token == "" || socketPath == "" {
				os.Exit(1)
			}

			// The manager checks the token it handed to this launch
			response, err := daemon.SendCommand(socketPath, fmt.Sprintf("ASKPASS %s %s", key, token))
			if err != nil || response.Failed() {
				os.Exit(1)
			}
			var password string
			if err := response.DecodeData(&password); err != nil || password == "" {
				os.Exit(1)
			}

			// ssh reads the password from stdout
			fmt.Println(password)
		},
	}
}
