package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is overridden at build time via -ldflags.
var Version = "dev"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the pairlink version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("pairlink", Version)
		},
	}
}
