package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/tunnelmesh/refcas/internal/api"
)

var (
	tokenSubject string
	tokenTTL     time.Duration
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP API",
		Long: `Sign an HS256 token with server.jwt_secret from the config file.

  curl -H "Authorization: Bearer $(refcas token --ttl 1h)" localhost:8080/v1/objects/x/stat`,
		Args: cobra.NoArgs,
		RunE: runToken,
	}
	cmd.Flags().StringVar(&tokenSubject, "subject", "refcas", "token subject (sub claim)")
	cmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Server.JWTSecret == "" {
		return fmt.Errorf("server.jwt_secret is not set")
	}
	token, err := api.IssueToken([]byte(cfg.Server.JWTSecret), tokenSubject, tokenTTL, time.Now())
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
