package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var stationCmd = &cobra.Command{
	Use:   "station",
	Short: "Inspect Deye Cloud stations",
	Long:  `List the stations and devices visible to the configured account.`,
}

var stationListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all stations",
	Long:  `Display every station of the account, including the ones the exporter excludes.`,
	RunE:  runStationList,
}

var stationDevicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List all devices",
	Long:  `Display the devices of every monitored station.`,
	RunE:  runStationDevices,
}

func init() {
	rootCmd.AddCommand(stationCmd)
	stationCmd.AddCommand(stationListCmd)
	stationCmd.AddCommand(stationDevicesCmd)
}

func runStationList(cmd *cobra.Command, args []string) error {
	_, _, fetcher, err := setupAPI(cmd)
	if err != nil {
		return err
	}

	stations, err := fetcher.ListStations(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to fetch stations: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(stations) == 0 {
		_, _ = fmt.Fprintln(out, "No stations found.")
		return nil
	}

	_, _ = fmt.Fprintln(out, "\n"+strings.Repeat("=", 60))
	_, _ = fmt.Fprintf(out, "Stations (%d)\n", len(stations))
	_, _ = fmt.Fprintln(out, strings.Repeat("=", 60))
	for i, st := range stations {
		_, _ = fmt.Fprintf(out, "[%d] %s\n", i+1, st.Name)
		_, _ = fmt.Fprintf(out, "    ID: %s\n", st.ID)
		_, _ = fmt.Fprintf(out, "    Devices: %d\n", len(st.Devices))
	}
	_, _ = fmt.Fprintln(out, strings.Repeat("=", 60))
	return nil
}

func runStationDevices(cmd *cobra.Command, args []string) error {
	_, _, fetcher, err := setupAPI(cmd)
	if err != nil {
		return err
	}

	devices, err := fetcher.ListDevices(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to fetch devices: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(devices) == 0 {
		_, _ = fmt.Fprintln(out, "No devices found.")
		return nil
	}
	for _, d := range devices {
		_, _ = fmt.Fprintf(out, "%s\t%s\tstation %s\n", d.Serial, d.Type, d.StationID)
	}
	return nil
}
