package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/smart-trainer/trainer-connect/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-connect/internal/bt/btsim"
	"github.com/lowaak/smart-trainer/trainer-connect/internal/client"
	"github.com/lowaak/smart-trainer/trainer-connect/internal/config"
	"github.com/lowaak/smart-trainer/trainer-connect/internal/ftmsble"
	"github.com/lowaak/smart-trainer/trainer-connect/internal/trainer"
)

const simulatedAddress = "00:11:22:33:44:55"

// session holds what every command needs: config, logger and the radio.
type session struct {
	cfg      *config.Config
	logger   *logrus.Logger
	logFile  io.Closer
	manager  bt.BTManagerInterface
	shutdown func()
}

func newSession(cmd *cobra.Command) (*session, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, err
	}
	logger, logFile, err := cfg.NewLogger()
	if err != nil {
		return nil, err
	}
	// Arguments are valid past this point; runtime errors should not print usage.
	cmd.SilenceUsage = true

	s := &session{cfg: cfg, logger: logger, logFile: logFile}
	if cfg.Simulated() {
		profile, err := btsim.ParseProfile(cfg.Simulate)
		if err != nil {
			return nil, err
		}
		device := btsim.NewDevice(logger, btsim.Config{
			Address:       simulatedAddress,
			Profile:       profile,
			VendorControl: true,
		})
		sim := btsim.NewManager(logger, device)
		sim.StartNotifications(time.Second)
		s.manager = sim
		s.shutdown = sim.Shutdown
		logger.Infof("trainerctl: using simulated %s trainer %s", profile, simulatedAddress)
	} else {
		manager := bt.NewBTManager(bluetooth.DefaultAdapter, logger)
		s.manager = manager
		s.shutdown = manager.Shutdown
	}
	return s, nil
}

// newAdapter picks the configured transport.
func (s *session) newAdapter() (trainer.Adapter, error) {
	preferred, err := client.ParsePreference(s.cfg.Transport)
	if err != nil {
		return nil, err
	}
	ftmsOpts := ftmsble.DefaultOptions()
	ftmsOpts.ScanDuration = s.cfg.ScanTimeout

	return client.NewAdapter(client.AdapterOptions{
		Preferred:    preferred,
		CompanionURL: s.cfg.CompanionURL,
		AntBridgeURL: s.cfg.AntBridgeURL,
		Bluetooth:    s.manager,
		FTMS:         &ftmsOpts,
	}, s.logger)
}

// newClient wraps the configured adapter in a client.
func (s *session) newClient() (*client.Client, error) {
	adapter, err := s.newAdapter()
	if err != nil {
		return nil, err
	}
	return client.New(adapter, s.logger, client.Options{ErgDebounce: s.cfg.ErgDebounce}), nil
}

func (s *session) preferencesPath() string {
	if s.cfg.PreferencesFile != "" {
		return s.cfg.PreferencesFile
	}
	return client.DefaultPreferencesPath()
}

func (s *session) Close() {
	if s.shutdown != nil {
		s.shutdown()
	}
	if err := s.logFile.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "close log file: %v\n", err)
	}
}

// signalContext is cancelled by Ctrl+C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
