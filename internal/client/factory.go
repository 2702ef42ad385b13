// Package client selects a trainer transport and wraps the chosen adapter in
// an observable, UI-friendly Client.
package client

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/lowaak/smart-trainer/trainer-connect/internal/antfec"
	"github.com/lowaak/smart-trainer/trainer-connect/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-connect/internal/companion"
	"github.com/lowaak/smart-trainer/trainer-connect/internal/ftmsble"
	"github.com/lowaak/smart-trainer/trainer-connect/internal/trainer"
)

// Preference names the transport a caller asks for.
type Preference string

const (
	PreferAuto      Preference = "auto"
	PreferFTMS      Preference = "ftms"
	PreferCompanion Preference = "companion"
	PreferANT       Preference = "ant"
)

const (
	DefaultCompanionURL = "ws://localhost:8765"
	DefaultAntBridgeURL = "ws://localhost:8766"
)

// ParsePreference accepts the names used in configuration.
func ParsePreference(s string) (Preference, error) {
	switch p := Preference(s); p {
	case PreferAuto, PreferFTMS, PreferCompanion, PreferANT:
		return p, nil
	case "":
		return PreferAuto, nil
	}
	return "", fmt.Errorf("unknown transport %q (want auto, ftms, companion or ant)", s)
}

// AdapterOptions configures NewAdapter.
type AdapterOptions struct {
	Preferred    Preference
	CompanionURL string
	AntBridgeURL string
	// Bluetooth is the host's GATT backend. Nil means the host has none.
	Bluetooth bt.BTManagerInterface

	// FTMS and Companion override the adapters' default timings. Zero
	// values select the defaults.
	FTMS      *ftmsble.Options
	Companion *companion.Options
}

// NewAdapter returns one new adapter for the preferred transport:
//
//	ftms                  -> FTMS BLE (fails if Bluetooth cannot be enabled)
//	auto with Bluetooth   -> FTMS BLE
//	auto, companion       -> companion WebSocket
//	ant                   -> ANT+ FE-C stub
//	anything else         -> companion WebSocket
func NewAdapter(opts AdapterOptions, logger logrus.FieldLogger) (trainer.Adapter, error) {
	if logger == nil {
		panic("TrainerFactory: logger cannot be nil")
	}

	switch opts.Preferred {
	case PreferFTMS:
		if err := enableBluetooth(opts.Bluetooth); err != nil {
			return nil, err
		}
		return newFTMS(opts, logger), nil

	case PreferAuto:
		err := enableBluetooth(opts.Bluetooth)
		if err == nil {
			return newFTMS(opts, logger), nil
		}
		logger.Infof("TrainerFactory: %v, using companion at %s", err, companionURL(opts))
		return newCompanion(opts, logger), nil

	case PreferANT:
		url := opts.AntBridgeURL
		if url == "" {
			url = DefaultAntBridgeURL
		}
		return antfec.New(url, logger), nil
	}
	return newCompanion(opts, logger), nil
}

func enableBluetooth(manager bt.BTManagerInterface) error {
	if manager == nil {
		return fmt.Errorf("%w: no Bluetooth adapter on this host", trainer.ErrTransportUnavailable)
	}
	if err := manager.Enable(); err != nil {
		return fmt.Errorf("%w: enable Bluetooth: %w", trainer.ErrTransportUnavailable, err)
	}
	return nil
}

func newFTMS(opts AdapterOptions, logger logrus.FieldLogger) trainer.Adapter {
	ftmsOpts := ftmsble.DefaultOptions()
	if opts.FTMS != nil {
		ftmsOpts = *opts.FTMS
	}
	return ftmsble.New(opts.Bluetooth, logger, ftmsOpts)
}

func companionURL(opts AdapterOptions) string {
	if opts.CompanionURL != "" {
		return opts.CompanionURL
	}
	return DefaultCompanionURL
}

func newCompanion(opts AdapterOptions, logger logrus.FieldLogger) trainer.Adapter {
	url := companionURL(opts)
	companionOpts := companion.DefaultOptions(url)
	if opts.Companion != nil {
		companionOpts = *opts.Companion
		companionOpts.URL = url
	}
	return companion.NewAdapter(companionOpts, logger)
}
