package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for the write API",
	Long:  `Sign a token with EXPORTER_JWT_SECRET for the PUT and POST routes of a running exporter.`,
	RunE:  runToken,
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "cli", "token subject, shown in the exporter's write log")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
}

func runToken(cmd *cobra.Command, args []string) error {
	secret := os.Getenv("EXPORTER_JWT_SECRET")
	if secret == "" {
		return errors.New("EXPORTER_JWT_SECRET must be set")
	}
	if tokenTTL <= 0 {
		return errors.New("--ttl must be positive")
	}

	token, expiresAt, err := generateToken(secret, tokenSubject, tokenTTL)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Expires: %s\n", expiresAt.Format(time.RFC3339))
	return nil
}
