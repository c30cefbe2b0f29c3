package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/token-ledger/api"
	"github.com/warp/token-ledger/ledger"
)

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().StringP("user", "u", "", "User id to put in the token")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token signed with the configured secret",
	Long: `Issues an HS256 token for local testing. Production tokens come from the
identity service and share the same secret.`,
	Args: cobra.NoArgs,
	RunE: runToken,
}

func runToken(cmd *cobra.Command, _ []string) error {
	user, _ := cmd.Flags().GetString("user")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	cfg, _, err := setup(cmd)
	if err != nil {
		return err
	}

	token, err := api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer).Issue(ledger.UserID(user), ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
