package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/petervdpas/goopcall/internal/auth"
	"github.com/petervdpas/goopcall/internal/config"
)

var flagTTL time.Duration

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a viewer API token for the configured user",
	Long: `Mint a bearer token signed with auth.jwt_secret.

Examples:
  goopcall token
  goopcall token --user bob --ttl 8h`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := config.Ensure(flagConfig)
		if err != nil {
			return err
		}
		user := flagUser
		if user == "" {
			user = cfg.Identity.UserID
		}
		if user == "" {
			return fmt.Errorf("no user: set identity.user_id or pass --user")
		}
		v, err := auth.NewVerifier(cfg.Auth.JWTSecret)
		if err != nil {
			return err
		}
		ttl := flagTTL
		if ttl <= 0 {
			ttl = cfg.Auth.TokenTTL()
		}
		tok, err := v.Mint(user, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().DurationVar(&flagTTL, "ttl", 0, "token lifetime (default auth.token_ttl_minutes)")
	tokenCmd.Flags().StringVarP(&flagUser, "user", "u", "", "user id, overrides identity.user_id")
}
