// Package antfec is the ANT+ FE-C transport. Only the contract exists: the
// adapter never finds or connects to a trainer, so callers can hold it the
// same way as the other transports.
package antfec

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/lowaak/smart-trainer/trainer-connect/internal/events"
	"github.com/lowaak/smart-trainer/trainer-connect/internal/trainer"
)

// Adapter is a permanently disconnected ANT+ FE-C adapter.
type Adapter struct {
	bridgeURL string
	logger    logrus.FieldLogger
	state     *trainer.StateMachine
	telemetry *events.Subscribers[trainer.Telemetry]
}

// Verify Adapter implements trainer.Adapter
var _ trainer.Adapter = (*Adapter)(nil)

// New creates the adapter. bridgeURL is the ANT+ USB bridge endpoint; it is
// kept for diagnostics only.
func New(bridgeURL string, logger logrus.FieldLogger) *Adapter {
	if logger == nil {
		panic("AntAdapter: logger cannot be nil")
	}
	return &Adapter{
		bridgeURL: bridgeURL,
		logger:    logger.WithField("component", "ant-fec"),
		state:     trainer.NewStateMachine(),
		telemetry: events.NewSubscribers[trainer.Telemetry](false),
	}
}

// BridgeURL returns the configured bridge endpoint.
func (a *Adapter) BridgeURL() string {
	return a.bridgeURL
}

func (a *Adapter) Transport() trainer.Transport {
	return trainer.TransportANTFEC
}

// Scan finds nothing.
func (a *Adapter) Scan(ctx context.Context) ([]trainer.DeviceInfo, error) {
	a.logger.Debugf("AntAdapter: scan via %q returns no devices", a.bridgeURL)
	return []trainer.DeviceInfo{}, nil
}

func (a *Adapter) Connect(ctx context.Context, deviceID string) error {
	a.logger.Warnf("AntAdapter: connect to %s: %v", deviceID, trainer.ErrNotImplemented)
	return trainer.ErrNotImplemented
}

func (a *Adapter) Disconnect() error {
	return nil
}

func (a *Adapter) IsConnected() bool {
	return false
}

func (a *Adapter) Capabilities() *trainer.Capabilities {
	return nil
}

// SubscribeTelemetry registers cb; it is never called.
func (a *Adapter) SubscribeTelemetry(cb func(trainer.Telemetry)) func() {
	return a.telemetry.Subscribe(cb)
}

func (a *Adapter) SetErgWatts(ctx context.Context, watts float64) error {
	return trainer.ErrNotImplemented
}

func (a *Adapter) State() trainer.Status {
	return a.state.Current()
}

func (a *Adapter) SubscribeState(cb func(trainer.Status)) func() {
	return a.state.Subscribe(cb)
}
