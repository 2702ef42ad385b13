package client

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/lowaak/smart-trainer/trainer-connect/internal/trainer"
)

type preferencesData struct {
	PreferredDeviceByTransport map[trainer.Transport]string `json:"preferred_device_by_transport"`
}

// Preferences remembers the last trainer used on each transport.
type Preferences struct {
	filePath string
	logger   logrus.FieldLogger

	mu   sync.Mutex
	data preferencesData
}

// DefaultPreferencesPath is ~/.smart-trainer/trainer_connect.json.
func DefaultPreferencesPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, ".smart-trainer", "trainer_connect.json")
}

// LoadPreferences reads filePath. A missing or unreadable file yields empty
// preferences.
func LoadPreferences(filePath string, logger logrus.FieldLogger) *Preferences {
	if logger == nil {
		panic("Preferences: logger cannot be nil")
	}
	p := &Preferences{
		filePath: filePath,
		logger:   logger.WithField("component", "preferences"),
		data: preferencesData{
			PreferredDeviceByTransport: make(map[trainer.Transport]string),
		},
	}

	raw, err := os.ReadFile(filePath)
	if err != nil {
		p.logger.Debugf("Preferences: load %s (no existing file)", filePath)
		return p
	}
	if err := json.Unmarshal(raw, &p.data); err != nil {
		p.logger.Warnf("Preferences: load %s failed to parse: %v", filePath, err)
	}
	if p.data.PreferredDeviceByTransport == nil {
		p.data.PreferredDeviceByTransport = make(map[trainer.Transport]string)
	}
	return p
}

// PreferredDevice returns the remembered device ID for transport, or "".
func (p *Preferences) PreferredDevice(transport trainer.Transport) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data.PreferredDeviceByTransport[transport]
}

// SetPreferredDevice remembers deviceID and writes the file.
func (p *Preferences) SetPreferredDevice(transport trainer.Transport, deviceID string) error {
	p.mu.Lock()
	p.data.PreferredDeviceByTransport[transport] = deviceID
	raw, err := json.MarshalIndent(p.data, "", "  ")
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(p.filePath), 0o755); err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	if err := os.WriteFile(p.filePath, raw, 0o644); err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	p.logger.Debugf("Preferences: %s -> %s", transport, deviceID)
	return nil
}

// PickDevice returns the device with ID preferred if the scan found it,
// otherwise the first device. ok is false for an empty list.
func PickDevice(devices []trainer.DeviceInfo, preferred string) (device trainer.DeviceInfo, ok bool) {
	if len(devices) == 0 {
		return trainer.DeviceInfo{}, false
	}
	for _, d := range devices {
		if preferred != "" && d.ID == preferred {
			return d, true
		}
	}
	return devices[0], true
}
