package main

import (
	"fmt"
	"time"

	"github.com/ecocart/groupnotify/internal/config"
	"github.com/ecocart/groupnotify/internal/identity"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newTokenCommand() *cobra.Command {
	var claims identity.Claims
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token for a user of the reference server",
		RunE: func(cmd *cobra.Command, args []string) error {
			serverConfig, err := config.LoadServer(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := identity.NewTokenIssuer(identity.TokenIssuerConfig{
				SigningSecret: []byte(serverConfig.SigningSecret),
				Issuer:        serverConfig.Issuer,
				Audience:      serverConfig.Audience,
				TokenTTL:      serverConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueToken(cmd.Context(), claims)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&claims.UserID, "user", "", "User id placed in the token subject")
	cmd.Flags().StringVar(&claims.DisplayName, "name", "", "Display name")
	cmd.Flags().StringVar(&claims.Email, "email", "", "Email address")
	return cmd
}
