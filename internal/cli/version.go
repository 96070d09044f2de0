package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version can be overridden at build time:
//
//	go build -ldflags="-X 'github.com/petervdpas/goopcall/internal/cli.Version=v1.0.0'"
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "goopcall %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
