package trainer

import "errors"

var (
	// ErrTransportUnavailable means the host has no usable radio/bridge for this transport.
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrNotConnected         = errors.New("trainer not connected")
	ErrNotImplemented       = errors.New("not implemented")
	ErrTimeout              = errors.New("timed out waiting for response")
	ErrControlNotGranted    = errors.New("trainer control not granted")
	ErrNoControlPoint       = errors.New("no control characteristic available")
	ErrNoUsableService      = errors.New("no usable trainer service (FTMS, Cycling Power, Cycling Speed/Cadence)")
	ErrIllegalTransition    = errors.New("illegal state transition")
	ErrAdapterClosed        = errors.New("adapter closed")
	ErrUnknownDevice        = errors.New("unknown device")
	ErrUnsupported          = errors.New("operation not supported by this trainer")
)
