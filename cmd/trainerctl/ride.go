package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lowaak/smart-trainer/trainer-connect/internal/client"
	"github.com/lowaak/smart-trainer/trainer-connect/internal/trainer"
)

// rideCmd represents the ride command
var rideCmd = &cobra.Command{
	Use:   "ride",
	Short: "Connect to a trainer and stream telemetry",
	Long: `Connect to a trainer, optionally hold an ERG target, and print one line
per telemetry sample until the duration ends or Ctrl+C is pressed.

Without --device the trainer used last time is picked if a scan finds it,
otherwise the first trainer found.`,
	Example: `  trainerctl ride --simulate ftms --watts 200 --duration 30s
  trainerctl ride --transport companion --device kickr-1 --slope 4`,
	RunE: runRide,
}

var (
	rideDevice   string
	rideWatts    float64
	rideSlope    float64
	rideDuration time.Duration
)

func init() {
	rideCmd.Flags().StringVar(&rideDevice, "device", "", "Device ID from scan (default: first found)")
	rideCmd.Flags().Float64Var(&rideWatts, "watts", 0, "ERG target power in W (0 leaves ERG off)")
	rideCmd.Flags().Float64Var(&rideSlope, "slope", 0, "Simulation grade in percent")
	rideCmd.Flags().DurationVar(&rideDuration, "duration", 0, "How long to ride (0 until Ctrl+C)")
}

func runRide(cmd *cobra.Command, args []string) error {
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
	if rideDuration > 0 {
		ctx, cancel = context.WithTimeout(ctx, rideDuration)
		defer cancel()
	}

	prefs := client.LoadPreferences(s.preferencesPath(), s.logger)
	transport := c.Adapter().Transport()

	deviceID := rideDevice
	if deviceID == "" {
		devices, err := c.Scan(ctx)
		if err != nil {
			return fmt.Errorf("scan failed: %w", err)
		}
		device, ok := client.PickDevice(devices, prefs.PreferredDevice(transport))
		if !ok {
			return errors.New("no trainers found")
		}
		deviceID = device.ID
		s.logger.Infof("trainerctl: riding on %s (%s)", device.Name, deviceID)
	}

	if err := c.Connect(ctx, deviceID); err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	if err := prefs.SetPreferredDevice(transport, deviceID); err != nil {
		s.logger.Warnf("trainerctl: %v", err)
	}
	if caps := c.State().Capabilities; caps != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "connected: %s\n", describeCapabilities(caps))
	}

	c.Watch(ctx, newTelemetryPrinter(cmd.OutOrStdout()).print)

	if cmd.Flags().Changed("slope") {
		if err := c.SetSlope(ctx, rideSlope); err != nil {
			s.logger.Warnf("trainerctl: slope %.1f%% not applied: %v", rideSlope, err)
		}
	}
	if rideWatts > 0 {
		if err := c.SetErgWatts(ctx, rideWatts); err != nil {
			return fmt.Errorf("set ERG %.0f W: %w", rideWatts, err)
		}
	}

	<-ctx.Done()
	if err := c.Disconnect(); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}

func describeCapabilities(caps *trainer.Capabilities) string {
	var modes []string
	if caps.ERG {
		modes = append(modes, "erg")
	}
	if caps.Resistance {
		modes = append(modes, "resistance")
	}
	if caps.Slope {
		modes = append(modes, "slope")
	}
	if len(modes) == 0 {
		modes = append(modes, "read-only")
	}
	out := strings.Join(modes, ",")
	if caps.PowerRange != nil {
		out += fmt.Sprintf(" power %.0f..%.0f W", caps.PowerRange.Min, caps.PowerRange.Max)
	}
	return out
}

// telemetryPrinter prints each new sample, status and error once.
type telemetryPrinter struct {
	w         io.Writer
	lastTS    int64
	lastError string
	status    trainer.Status
}

func newTelemetryPrinter(w io.Writer) *telemetryPrinter {
	return &telemetryPrinter{w: w, status: -1}
}

func (p *telemetryPrinter) print(s client.State) {
	if s.Status != p.status {
		p.status = s.Status
		fmt.Fprintf(p.w, "status: %s\n", s.Status)
	}
	if s.Error != "" && s.Error != p.lastError {
		fmt.Fprintf(p.w, "error: %s\n", s.Error)
	}
	p.lastError = s.Error
	t := s.Telemetry
	if t == nil || t.TS == p.lastTS {
		return
	}
	p.lastTS = t.TS
	if !t.Connected {
		fmt.Fprintln(p.w, "trainer disconnected")
		return
	}
	fmt.Fprintf(p.w, "%s power=%s cadence=%s speed=%s hr=%s\n",
		time.UnixMilli(t.TS).Format("15:04:05"),
		formatValue(t.Power, "W"), formatValue(t.Cadence, "rpm"),
		formatValue(t.Speed, "km/h"), formatValue(t.HR, "bpm"))
}

func formatValue(v *float64, unit string) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f%s", *v, unit)
}
