// Package trainer holds the transport-agnostic trainer contract: the value
// types shared by every transport, the connection state machine and the
// reconnection backoff policy.
package trainer

import "context"

// Adapter is the contract every transport implements. One adapter instance
// owns at most one trainer session at a time.
type Adapter interface {
	Transport() Transport
	Scan(ctx context.Context) ([]DeviceInfo, error)
	Connect(ctx context.Context, deviceID string) error
	Disconnect() error
	IsConnected() bool
	// Capabilities returns a copy of the session's capabilities, or nil when disconnected.
	Capabilities() *Capabilities
	// SubscribeTelemetry registers cb for every sample; the returned func unsubscribes.
	SubscribeTelemetry(cb func(Telemetry)) func()
	SetErgWatts(ctx context.Context, watts float64) error
	State() Status
	SubscribeState(cb func(Status)) func()
}

// ResistanceSetter is implemented by adapters that support resistance mode.
type ResistanceSetter interface {
	SetResistance(ctx context.Context, level float64) error
}

// SlopeSetter is implemented by adapters that support simulation (grade) mode.
type SlopeSetter interface {
	SetSlope(ctx context.Context, grade float64) error
}

// ControlRequester is implemented by adapters with an explicit control handshake.
type ControlRequester interface {
	RequestControl(ctx context.Context) error
}

// Starter is implemented by adapters that can start or resume a session.
type Starter interface {
	Start(ctx context.Context) error
}
