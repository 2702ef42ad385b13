package btsim

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lowaak/smart-trainer/trainer-connect/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-connect/internal/events"
	"github.com/lowaak/smart-trainer/trainer-connect/internal/go_func_utils"
)

// Manager is a simulated radio. It implements bt.BTManagerInterface.
type Manager struct {
	logger      logrus.FieldLogger
	devices     []*Device
	disconnects *events.Subscribers[string]

	mu                   sync.Mutex
	seen                 map[string]bool
	scanCount            int
	connectCount         int
	notificationsRunning bool
	notifyCancel         context.CancelFunc
	wg                   sync.WaitGroup
}

// Verify Manager implements bt.BTManagerInterface
var _ bt.BTManagerInterface = (*Manager)(nil)

// NewManager creates a radio that can see the given devices.
func NewManager(logger logrus.FieldLogger, devices ...*Device) *Manager {
	if logger == nil {
		panic("btsim: logger cannot be nil")
	}
	m := &Manager{
		logger:      logger.WithField("component", "btsim"),
		devices:     devices,
		disconnects: events.NewSubscribers[string](false),
		seen:        make(map[string]bool),
	}
	m.disconnects.OnPanic(func(r any) {
		m.logger.Errorf("btsim: disconnect listener failed: %v", r)
	})
	return m
}

func (m *Manager) Enable() error {
	m.logger.Infof("btsim: radio enabled with %d simulated trainer(s)", len(m.devices))
	return nil
}

// Scan reports every device advertising a service in serviceUuidFilter. It
// returns immediately instead of listening for the whole duration.
func (m *Manager) Scan(ctx context.Context, serviceUuidFilter []string, duration time.Duration) ([]bt.ScanResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filter := make(map[string]bool, len(serviceUuidFilter))
	for _, s := range serviceUuidFilter {
		filter[strings.ToLower(s)] = true
	}

	var results []bt.ScanResult
	m.mu.Lock()
	m.scanCount++
	for _, d := range m.devices {
		services := d.ServiceUUIDs()
		matched := len(filter) == 0
		for _, s := range services {
			if filter[s] {
				matched = true
			}
		}
		if !matched {
			continue
		}
		m.seen[d.GetAddressString()] = true
		results = append(results, bt.ScanResult{
			Address:      d.GetAddressString(),
			LocalName:    d.GetLocalName(),
			RSSI:         d.config.RSSI,
			ServiceUUIDs: services,
		})
	}
	m.mu.Unlock()

	m.logger.Debugf("btsim: scan found %d device(s)", len(results))
	return results, nil
}

// Connect fails with bt.ErrUnknownAddress for devices no scan has reported.
func (m *Manager) Connect(ctx context.Context, address string) (bt.BTDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d := m.Device(address)

	m.mu.Lock()
	seen := m.seen[address]
	m.connectCount++
	m.mu.Unlock()

	if d == nil || !seen {
		return nil, fmt.Errorf("%w: %s", bt.ErrUnknownAddress, address)
	}
	if err := d.connect(); err != nil {
		return nil, err
	}
	m.logger.Infof("btsim: connected to %s", address)
	return d, nil
}

func (m *Manager) Disconnect(device bt.BTDevice) error {
	d := m.Device(device.GetAddressString())
	if d == nil {
		return fmt.Errorf("%w: %s", bt.ErrUnknownAddress, device.GetAddressString())
	}
	if d.disconnect() {
		m.logger.Infof("btsim: disconnected from %s", d.GetAddressString())
		m.disconnects.Publish(d.GetAddressString())
	}
	return nil
}

// DropLink simulates a link loss initiated by the peripheral.
func (m *Manager) DropLink(address string) {
	d := m.Device(address)
	if d == nil || !d.disconnect() {
		return
	}
	m.logger.Infof("btsim: link to %s lost", address)
	m.disconnects.Publish(address)
}

func (m *Manager) ListenToDisconnects(cb func(address string)) func() {
	return m.disconnects.Subscribe(cb)
}

// Device returns the simulated device with the given address, or nil.
func (m *Manager) Device(address string) *Device {
	for _, d := range m.devices {
		if d.GetAddressString() == address {
			return d
		}
	}
	return nil
}

// ScanCount returns how many scans have run.
func (m *Manager) ScanCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scanCount
}

// ConnectCount returns how many connection attempts were made.
func (m *Manager) ConnectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectCount
}

// StartNotifications makes every connected device send its ride values
// once per interval until Shutdown.
func (m *Manager) StartNotifications(interval time.Duration) {
	m.mu.Lock()
	if m.notificationsRunning {
		m.mu.Unlock()
		return
	}
	m.notificationsRunning = true
	ctx, cancel := context.WithCancel(context.Background())
	m.notifyCancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go_func_utils.SafeGo(m.logger, func() {
		defer m.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, d := range m.devices {
					if d.IsConnected() {
						d.NotifyRide()
					}
				}
			}
		}
	})
}

func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.notifyCancel != nil {
		m.notifyCancel()
		m.notifyCancel = nil
	}
	m.notificationsRunning = false
	m.mu.Unlock()
	m.wg.Wait()

	for _, d := range m.devices {
		if d.IsConnected() {
			_ = m.Disconnect(d)
		}
	}
	m.disconnects.Clear()
}
