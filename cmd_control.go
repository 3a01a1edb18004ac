package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var controlCmd = &cobra.Command{
	Use:   "control",
	Short: "Change inverter settings",
	Long: `Send a write control straight to Deye Cloud, bypassing a running exporter.

Values are JSON; bare words are taken as strings, so
  deyecloud-exporter control work-mode 2301010001 ZERO_EXPORT_TO_CT
works without quoting.`,
}

func init() {
	rootCmd.AddCommand(controlCmd)
	for _, ctl := range controls {
		controlCmd.AddCommand(newControlCmd(ctl))
	}
}

func newControlCmd(ctl control) *cobra.Command {
	return &cobra.Command{
		Use:   ctl.Name + " <serial> <value>",
		Short: fmt.Sprintf("Set %s (%s)", ctl.Name, ctl.Usage),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, client, _, err := setupAPI(cmd)
			if err != nil {
				return err
			}
			serial := args[0]
			if err := ctl.apply(cmd.Context(), client, serial, cliValue(args[1])); err != nil {
				return fmt.Errorf("failed to set %s on %s: %w", ctl.Name, serial, err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✓ %s set on %s\n", ctl.Name, serial)
			return nil
		},
	}
}
