package main

import (
	"encoding/json"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/JHOFER-Cloud/deyecloud-exporter/internal/coordinator"
)

var snapshotCompact bool

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Fetch the fleet once and print it",
	Long:  `Run a single refresh cycle and print the resulting snapshot as JSON.`,
	RunE:  runSnapshot,
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
	snapshotCmd.Flags().BoolVar(&snapshotCompact, "compact", false, "print the snapshot on a single line")
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	_, _, fetcher, err := setupAPI(cmd)
	if err != nil {
		return err
	}

	coord := coordinator.New(fetcher, coordinator.WithLogger(slog.Default()))
	if err := coord.Setup(cmd.Context()); err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	if !snapshotCompact {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(coord.Snapshot())
}
