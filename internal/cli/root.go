// Package cli holds the goopcall commands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var flagConfig string

var rootCmd = &cobra.Command{
	Use:   "goopcall",
	Short: "WebRTC call signaling and connection lifecycle client",
	Long: `goopcall runs one call participant: it signals through a shared document
store, negotiates pion/webrtc connections with every other participant and
exposes the call controls over a local HTTP and websocket API.`,
	Version: Version,
}

// Execute runs the command line. It is called once by main.main.
func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "goopcall.json", "config file, created with defaults when missing")
}
