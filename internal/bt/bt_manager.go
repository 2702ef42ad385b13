// Package bt wraps the host Bluetooth radio (tinygo bluetooth) behind the
// small GATT surface the trainer adapters need: scan, connect, characteristic
// read/write/notify, and disconnect events.
package bt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/smart-trainer/trainer-connect/internal/events"
	"github.com/lowaak/smart-trainer/trainer-connect/internal/go_func_utils"
)

// ScanResult is one advertising peripheral seen during a scan.
type ScanResult struct {
	Address      string
	LocalName    string
	RSSI         int16
	ServiceUUIDs []string
}

// BTManagerInterface defines the interface for Bluetooth manager implementations
type BTManagerInterface interface {
	Enable() error
	// Scan listens for advertisements until duration elapses or ctx is done.
	// Only peripherals advertising one of serviceUuidFilter are returned (nil = all).
	Scan(ctx context.Context, serviceUuidFilter []string, duration time.Duration) ([]ScanResult, error)
	// Connect opens a GATT link to a peripheral seen by a previous scan.
	Connect(ctx context.Context, address string) (BTDevice, error)
	Disconnect(device BTDevice) error
	// ListenToDisconnects registers cb for link loss or user disconnects.
	ListenToDisconnects(cb func(address string)) func()
	Shutdown()
}

// ErrUnknownAddress is returned by Connect for a peripheral not seen by a scan.
var ErrUnknownAddress = errors.New("device not seen by a scan")

// Verify BTManager implements BTManagerInterface
var _ BTManagerInterface = (*BTManager)(nil)

type BTManager struct {
	adapter          *bluetooth.Adapter
	mu               sync.Mutex
	scanMu           sync.Mutex // one scan at a time
	devicesByAddress map[string]*btDeviceImpl
	addressByString  map[string]bluetooth.Address
	disconnects      *events.Subscribers[string]
	logger           logrus.FieldLogger
}

func NewBTManager(adapter *bluetooth.Adapter, logger logrus.FieldLogger) *BTManager {
	if logger == nil {
		panic("BTManager: logger cannot be nil")
	}
	m := &BTManager{
		adapter:          adapter,
		devicesByAddress: make(map[string]*btDeviceImpl),
		addressByString:  make(map[string]bluetooth.Address),
		disconnects:      events.NewSubscribers[string](false),
		logger:           logger.WithField("component", "bt"),
	}
	m.disconnects.OnPanic(func(r any) {
		m.logger.Errorf("BTManager: disconnect listener failed: %v", r)
	})
	return m
}

func (m *BTManager) Enable() error {
	// Track connections and disconnections
	m.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		addressStr := device.Address.String()
		m.mu.Lock()
		d, ok := m.devicesByAddress[addressStr]
		m.mu.Unlock()

		if connected {
			m.logger.Infof("Device connected: %s", addressStr)
			if ok && d.getConnectedDevice() == nil {
				dev := device
				d.setConnectedDevice(&dev)
			}
			return
		}

		m.logger.Infof("Device disconnected: %s", addressStr)
		if ok {
			d.setConnectedDevice(nil)
		}
		m.disconnects.Publish(addressStr)
	})

	if err := m.adapter.Enable(); err != nil {
		return fmt.Errorf("enable BLE stack: %w", err)
	}
	return nil
}

func (m *BTManager) Scan(ctx context.Context, serviceUuidFilter []string, duration time.Duration) ([]ScanResult, error) {
	m.scanMu.Lock()
	defer m.scanMu.Unlock()

	filterSet := make(map[string]struct{})
	for _, filter := range serviceUuidFilter {
		filterSet[strings.ToLower(filter)] = struct{}{}
	}

	m.logger.Infof("Starting scan for %v (filter %v)", duration, serviceUuidFilter)

	var resultsMu sync.Mutex
	results := make(map[string]ScanResult)

	scanDone := make(chan error, 1)
	go_func_utils.SafeGo(m.logger, func() {
		scanDone <- m.adapter.Scan(func(adapter *bluetooth.Adapter, device bluetooth.ScanResult) {
			serviceUuids := make([]string, 0, len(device.ServiceUUIDs()))
			matched := len(filterSet) == 0
			for _, uuid := range device.ServiceUUIDs() {
				s := strings.ToLower(uuid.String())
				serviceUuids = append(serviceUuids, s)
				if _, ok := filterSet[s]; ok {
					matched = true
				}
			}
			if !matched {
				return
			}

			addressStr := device.Address.String()
			name := device.LocalName()

			m.mu.Lock()
			m.addressByString[addressStr] = device.Address
			if _, ok := m.devicesByAddress[addressStr]; !ok {
				m.devicesByAddress[addressStr] = newBtDeviceImpl(m.logger, device.Address, name)
			}
			m.mu.Unlock()

			resultsMu.Lock()
			if _, seen := results[addressStr]; !seen {
				m.logger.Infof("Found device: %s (%s) [RSSI: %d]", name, addressStr, device.RSSI)
			}
			results[addressStr] = ScanResult{
				Address:      addressStr,
				LocalName:    name,
				RSSI:         device.RSSI,
				ServiceUUIDs: serviceUuids,
			}
			resultsMu.Unlock()
		})
	})

	timer := time.NewTimer(duration)
	defer timer.Stop()

	var scanErr error
	select {
	case <-ctx.Done():
	case <-timer.C:
	case scanErr = <-scanDone:
		// Scan returned early, the radio refused to scan
		scanDone = nil
	}

	if scanDone != nil {
		if err := m.adapter.StopScan(); err != nil {
			m.logger.Warnf("BTManager: error stopping scan: %v", err)
		}
		scanErr = <-scanDone
	}
	if scanErr != nil {
		return nil, fmt.Errorf("scan failed: %w", scanErr)
	}

	resultsMu.Lock()
	defer resultsMu.Unlock()
	out := make([]ScanResult, 0, len(results))
	for _, r := range results {
		out = append(out, r)
	}
	m.logger.Infof("Scan finished: %d device(s)", len(out))
	return out, ctx.Err()
}

// Connect connects to a Bluetooth device previously returned by Scan.
func (m *BTManager) Connect(ctx context.Context, address string) (BTDevice, error) {
	m.mu.Lock()
	d, ok := m.devicesByAddress[address]
	addr := m.addressByString[address]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAddress, address)
	}

	m.logger.Infof("BTManager: connecting to %s", address)

	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	done := make(chan connectResult, 1)
	go_func_utils.SafeGo(m.logger, func() {
		device, err := m.adapter.Connect(addr, bluetooth.ConnectionParams{})
		done <- connectResult{device: device, err: err}
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			m.logger.Warnf("BTManager: connection error: %v", res.err)
			return nil, fmt.Errorf("connect %s: %w", address, res.err)
		}
		device := res.device
		d.setConnectedDevice(&device)
	}

	m.logger.Infof("BTManager: connected to %s", address)
	return d, nil
}

func (m *BTManager) Disconnect(device BTDevice) error {
	addressStr := device.GetAddressString()

	m.mu.Lock()
	d, ok := m.devicesByAddress[addressStr]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAddress, addressStr)
	}

	innerDevice := d.getConnectedDevice()
	if innerDevice == nil {
		m.logger.Debugf("BTManager: %s already disconnected", addressStr)
		return nil
	}
	m.logger.Infof("BTManager: disconnecting from %s", addressStr)
	return innerDevice.Disconnect()
}

func (m *BTManager) ListenToDisconnects(cb func(address string)) func() {
	return m.disconnects.Subscribe(cb)
}

// Shutdown disconnects every connected device.
func (m *BTManager) Shutdown() {
	m.logger.Info("BTManager: shutting down")
	m.mu.Lock()
	devices := make([]*btDeviceImpl, 0, len(m.devicesByAddress))
	for _, d := range m.devicesByAddress {
		devices = append(devices, d)
	}
	m.mu.Unlock()

	for _, d := range devices {
		if !d.IsConnected() {
			continue
		}
		if err := m.Disconnect(d); err != nil {
			m.logger.Warnf("Error disconnecting from %v: %v", d.GetAddressString(), err)
		}
	}
	m.disconnects.Clear()
	m.logger.Info("BTManager: shutdown complete")
}
