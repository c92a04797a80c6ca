package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/cloudbridge/internal/httpapi"
)

const defaultTokenTTL = time.Hour

func newTokenCmd() *cobra.Command {
	var (
		user string
		ttl  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API bearer token for a local user",
		Long: `Mint a bearer token signed with server.jwt_secret.

Deployments behind an identity provider issue these tokens themselves; this
command is for scripts and local testing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(resolvedCfg.Server.JWTSecret) == 0 {
				return errors.New("server.jwt_secret is not set")
			}

			tok, err := httpapi.IssueToken([]byte(resolvedCfg.Server.JWTSecret), resolvedCfg.Server.JWTIssuer, user, ttl)
			if err != nil {
				return err
			}

			if flagJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]string{
					"access_token": tok,
					"token_type":   "Bearer",
					"expires_at":   time.Now().Add(ttl).UTC().Format(time.RFC3339),
				})
			}

			fmt.Fprintln(cmd.OutOrStdout(), tok)

			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "local user the token identifies (required)")
	cmd.Flags().DurationVar(&ttl, "ttl", defaultTokenTTL, "token lifetime")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}
