package main

import (
	"os"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "voicerelay",
		Short: "Realtime voice relay between browser clients and a speech API",
		// the serve command prints its own errors through the logger
		SilenceUsage: true,
	}

	cmd.AddCommand(
		newServeCommand(),
		newVersionCommand(),
	)
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
