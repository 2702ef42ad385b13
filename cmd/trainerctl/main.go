package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lowaak/smart-trainer/trainer-connect/internal/config"
)

var version = "dev"

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "trainerctl",
	Short: "Smart trainer connectivity tool",
	Long: `Discover, connect to and control smart bike trainers.

Transports:
- ftms: Bluetooth FTMS, falling back to Cycling Power and Speed/Cadence
- companion: a companion app bridging the trainer over WebSocket
- ant: ANT+ FE-C (not implemented)

Settings come from flags, TRAINER_* environment variables or a YAML file
given with --config.`,
	Version: version,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(rideCmd)
	rootCmd.AddCommand(bridgeCmd)

	config.RegisterFlags(rootCmd.PersistentFlags())
}
