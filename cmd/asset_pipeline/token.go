package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/jonathan/asset-pipeline/internal/config"
	"github.com/jonathan/asset-pipeline/internal/server"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token <account-id>",
	Short: "Mint a bearer token for an account (development)",
	Long:  `Signs a token with JWT_SECRET that the API accepts for the given account.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		accountID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid account id %q: %w", args[0], err)
		}
		jwtConfig, err := config.NewJWTConfig()
		if err != nil {
			return err
		}
		token, err := server.NewJWTService(jwtConfig).GenerateToken(accountID)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
}
