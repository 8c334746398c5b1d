package cmd

import (
	"github.com/spf13/cobra"
)

func NewSaveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "save",
		Short: "Write pending edits to the registry file",
		Long: `Write pending edits to the registry file. The previous file is kept as a
timestamped backup. Renames whose key collides with another tunnel are
skipped with a warning and the tunnel keeps its key.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			sendCommand("SAVE")
		},
	}
}
