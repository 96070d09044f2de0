package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/petervdpas/goopcall/internal/app"
)

var flagUser string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the call client and its viewer API",
	Long: `Run the call client until interrupted.

Examples:
  goopcall serve
  goopcall serve --config ~/.goopcall/alice.json
  goopcall serve --user bob`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return app.Run(ctx, app.Options{CfgPath: flagConfig, UserID: flagUser})
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&flagUser, "user", "u", "", "user id, overrides identity.user_id")
}
