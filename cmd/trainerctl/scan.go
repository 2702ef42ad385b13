package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lowaak/smart-trainer/trainer-connect/internal/trainer"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for trainers",
	Long: `Scan for trainers on the configured transport and list them.

Over Bluetooth, devices advertising FTMS, Cycling Power or Cycling
Speed/Cadence are listed. Over the companion transport the companion
app performs the scan.`,
	RunE: runScan,
}

var scanFormat string

func init() {
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	c, err := s.newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := signalContext()
	defer cancel()

	devices, err := c.Scan(ctx)
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}
	if scanFormat == "json" {
		return printDevicesJSON(cmd.OutOrStdout(), devices)
	}
	return printDevicesTable(cmd.OutOrStdout(), devices)
}

func printDevicesJSON(w io.Writer, devices []trainer.DeviceInfo) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(devices)
}

func printDevicesTable(w io.Writer, devices []trainer.DeviceInfo) error {
	if len(devices) == 0 {
		_, err := fmt.Fprintln(w, "No trainers found.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTRANSPORT\tRSSI")
	for _, d := range devices {
		rssi := "-"
		if d.RSSI != nil {
			rssi = fmt.Sprintf("%d", *d.RSSI)
		}
		name := d.Name
		if name == "" {
			name = "Unknown"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.ID, name, d.Transport, rssi)
	}
	return tw.Flush()
}
