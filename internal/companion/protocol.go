// Package companion speaks the companion bridge protocol: JSON messages over
// one WebSocket, discriminated by "type" and correlated by "requestId".
//
// The Adapter is the client side and drives a trainer owned by another
// process. The Bridge is the server side and exposes any trainer.Adapter to
// such clients.
package companion

import (
	"encoding/json"
	"fmt"

	"github.com/lowaak/smart-trainer/trainer-connect/internal/trainer"
)

// MessageType discriminates companion messages.
type MessageType string

const (
	TypeScan           MessageType = "scan"
	TypeScanResult     MessageType = "scanResult"
	TypeConnect        MessageType = "connect"
	TypeConnected      MessageType = "connected"
	TypeDisconnect     MessageType = "disconnect"
	TypeDisconnected   MessageType = "disconnected"
	TypeTelemetry      MessageType = "telemetry"
	TypeSetErg         MessageType = "setErg"
	TypeSetResistance  MessageType = "setResistance"
	TypeSetSlope       MessageType = "setSlope"
	TypeRequestControl MessageType = "requestControl"
	TypeStart          MessageType = "start"
	TypeAck            MessageType = "ack"
	TypeError          MessageType = "error"
)

var knownTypes = map[MessageType]bool{
	TypeScan: true, TypeScanResult: true, TypeConnect: true, TypeConnected: true,
	TypeDisconnect: true, TypeDisconnected: true, TypeTelemetry: true, TypeSetErg: true,
	TypeSetResistance: true, TypeSetSlope: true, TypeRequestControl: true, TypeStart: true,
	TypeAck: true, TypeError: true,
}

// IsRequest reports whether the type is sent by clients and answered by the bridge.
func (t MessageType) IsRequest() bool {
	switch t {
	case TypeScan, TypeConnect, TypeDisconnect, TypeSetErg, TypeSetResistance,
		TypeSetSlope, TypeRequestControl, TypeStart:
		return true
	}
	return false
}

// IsResponse reports whether the type can answer a request.
func (t MessageType) IsResponse() bool {
	switch t {
	case TypeAck, TypeError, TypeScanResult, TypeConnected, TypeDisconnected:
		return true
	}
	return false
}

// Message is one protocol frame. Only the fields of its type are set.
// Telemetry fields are inlined at the top level of telemetry messages.
type Message struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId,omitempty"`

	DeviceID     string                `json:"deviceId,omitempty"`
	Devices      []trainer.DeviceInfo  `json:"devices,omitempty"`
	Capabilities *trainer.Capabilities `json:"capabilities,omitempty"`

	Watts *float64 `json:"watts,omitempty"`
	Level *float64 `json:"level,omitempty"`
	Grade *float64 `json:"grade,omitempty"`

	OK    *bool  `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`

	*trainer.Telemetry
}

// RemoteError is a failure reported by the other end of the socket.
type RemoteError struct {
	Op      MessageType
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("companion rejected %s", e.Op)
	}
	return fmt.Sprintf("companion rejected %s: %s", e.Op, e.Message)
}

// Err returns a *RemoteError for error messages and negative acks, else nil.
func (m Message) Err(op MessageType) error {
	switch {
	case m.Type == TypeError:
		return &RemoteError{Op: op, Message: m.Error}
	case m.Type == TypeAck && m.OK != nil && !*m.OK:
		return &RemoteError{Op: op, Message: m.Error}
	}
	return nil
}

// DecodeMessage parses one frame and rejects unknown types.
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("invalid companion message: %w", err)
	}
	if !knownTypes[msg.Type] {
		return Message{}, fmt.Errorf("unknown companion message type %q", msg.Type)
	}
	return msg, nil
}

// --- Constructors ---

// NewRequest builds a request of the given type. The requestId is assigned
// when it is sent.
func NewRequest(t MessageType) Message {
	return Message{Type: t}
}

// NewAck builds an ack for requestID. A nil err acks success.
func NewAck(requestID string, err error) Message {
	ok := err == nil
	msg := Message{Type: TypeAck, RequestID: requestID, OK: &ok}
	if err != nil {
		msg.Error = err.Error()
	}
	return msg
}

// NewError builds an error response.
func NewError(requestID string, err error) Message {
	return Message{Type: TypeError, RequestID: requestID, Error: err.Error()}
}

// NewTelemetry wraps a sample.
func NewTelemetry(t trainer.Telemetry) Message {
	return Message{Type: TypeTelemetry, Telemetry: &t}
}

// NewScanResult tags every device with the companion transport.
func NewScanResult(requestID string, devices []trainer.DeviceInfo) Message {
	return Message{Type: TypeScanResult, RequestID: requestID, Devices: TagDevices(devices)}
}

// NewConnected answers a connect request.
func NewConnected(requestID string, deviceID string, caps *trainer.Capabilities) Message {
	return Message{Type: TypeConnected, RequestID: requestID, DeviceID: deviceID, Capabilities: caps}
}

// TagDevices returns a copy of devices with Transport set to companion.
func TagDevices(devices []trainer.DeviceInfo) []trainer.DeviceInfo {
	out := make([]trainer.DeviceInfo, len(devices))
	for i, d := range devices {
		d.Transport = trainer.TransportCompanion
		out[i] = d
	}
	return out
}
