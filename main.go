package main

import (
	"os"

	"go.tunnelmgr.dev/tunnelmgr/cmd"
	"go.tunnelmgr.dev/tunnelmgr/internal/keyring"
)

func main() {
	// ssh runs SSH_ASKPASS without arguments
	if os.Getenv(keyring.AskpassKeyEnv) != "" {
		os.Args = []string{os.Args[0], "askpass"}
	}

	if len(os.Args) == 1 {
		os.Args = []string{os.Args[0], "status"}
	}

	root := cmd.NewRootCommand()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
