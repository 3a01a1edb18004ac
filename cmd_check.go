package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the Deye Cloud credentials",
	Long:  `Log in once with the configured credentials and report whether the account is usable.`,
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, client, _, err := setupAPI(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if err := client.Connect(cmd.Context()); err != nil {
		_, _ = fmt.Fprintf(out, "✗ %s is not ready: %v\n", cfg.BaseURL, err)
		return err
	}

	token := client.Tokens().Current()
	_, _ = fmt.Fprintf(out, "✓ Logged in to %s as %s\n", cfg.BaseURL, cfg.Credentials.Email)
	_, _ = fmt.Fprintf(out, "  Dialect: %s\n", client.Dialect().Name())
	_, _ = fmt.Fprintf(out, "  Token valid until: %s\n", token.Expiry.Format(time.RFC3339))
	return nil
}
