package ftms

import (
	"encoding/binary"
	"fmt"
	"math"
)

// FTMS Control Point Op Codes
const (
	OpCodeRequestControl          byte = 0x00
	OpCodeReset                   byte = 0x01
	OpCodeSetTargetResistance     byte = 0x04
	OpCodeSetTargetPower          byte = 0x05
	OpCodeStartOrResume           byte = 0x07
	OpCodeStopOrPause             byte = 0x08
	OpCodeSetIndoorBikeSimulation byte = 0x11
	OpCodeResponseCode            byte = 0x80
)

// Target power limits accepted by EncodeSetTargetPower.
const (
	MinTargetPowerWatts = 0
	MaxTargetPowerWatts = 2000
)

// ResultCode is the status byte of a control point response.
type ResultCode byte

const (
	ResultSuccess             ResultCode = 0x01
	ResultOpCodeNotSupported  ResultCode = 0x02
	ResultInvalidParameter    ResultCode = 0x03
	ResultOperationFailed     ResultCode = 0x04
	ResultControlNotPermitted ResultCode = 0x05
)

// ResponseStatus is the closed set a ResultCode maps onto.
type ResponseStatus string

const (
	StatusSuccess             ResponseStatus = "success"
	StatusNotSupported        ResponseStatus = "not-supported"
	StatusInvalidParameter    ResponseStatus = "invalid-parameter"
	StatusOperationFailed     ResponseStatus = "operation-failed"
	StatusControlNotPermitted ResponseStatus = "control-not-permitted"
	StatusUnknown             ResponseStatus = "unknown"
)

// Status maps the code onto its ResponseStatus.
func (c ResultCode) Status() ResponseStatus {
	switch c {
	case ResultSuccess:
		return StatusSuccess
	case ResultOpCodeNotSupported:
		return StatusNotSupported
	case ResultInvalidParameter:
		return StatusInvalidParameter
	case ResultOperationFailed:
		return StatusOperationFailed
	case ResultControlNotPermitted:
		return StatusControlNotPermitted
	default:
		return StatusUnknown
	}
}

// Message is a human readable description of the code.
func (c ResultCode) Message() string {
	switch c {
	case ResultSuccess:
		return "success"
	case ResultOpCodeNotSupported:
		return "op code not supported"
	case ResultInvalidParameter:
		return "invalid parameter"
	case ResultOperationFailed:
		return "operation failed"
	case ResultControlNotPermitted:
		return "control not permitted"
	default:
		return fmt.Sprintf("unknown result code 0x%02X", byte(c))
	}
}

// OpCodeName names a request op code for logs and errors.
func OpCodeName(op byte) string {
	switch op {
	case OpCodeRequestControl:
		return "Request Control"
	case OpCodeReset:
		return "Reset"
	case OpCodeSetTargetResistance:
		return "Set Target Resistance"
	case OpCodeSetTargetPower:
		return "Set Target Power"
	case OpCodeStartOrResume:
		return "Start/Resume"
	case OpCodeStopOrPause:
		return "Stop/Pause"
	case OpCodeSetIndoorBikeSimulation:
		return "Set Indoor Bike Simulation"
	default:
		return fmt.Sprintf("OpCode 0x%02X", op)
	}
}

// ControlPointResponse is a decoded [0x80, request op code, result code] frame.
type ControlPointResponse struct {
	OpCode  byte
	Code    ResultCode
	Status  ResponseStatus
	Success bool
	// Error is empty on success.
	Error string
}

// Err returns nil on success, otherwise a *ControlPointError.
func (r *ControlPointResponse) Err() error {
	if r.Success {
		return nil
	}
	return &ControlPointError{OpCode: r.OpCode, Code: r.Code}
}

// ControlPointError is a non-success control point response.
type ControlPointError struct {
	OpCode byte
	Code   ResultCode
}

func (e *ControlPointError) Error() string {
	return fmt.Sprintf("%s rejected: %s", OpCodeName(e.OpCode), e.Code.Message())
}

// DecodeControlPointResponse parses a control point indication. Frames shorter
// than 3 bytes or not starting with the response op code return nil.
func DecodeControlPointResponse(buf []byte) *ControlPointResponse {
	if len(buf) < 3 || buf[0] != OpCodeResponseCode {
		return nil
	}
	code := ResultCode(buf[2])
	resp := &ControlPointResponse{
		OpCode:  buf[1],
		Code:    code,
		Status:  code.Status(),
		Success: code == ResultSuccess,
	}
	if !resp.Success {
		resp.Error = code.Message()
	}
	return resp
}

// EncodeResponse builds a response frame. Used by simulated devices and tests.
func EncodeResponse(opCode byte, code ResultCode) []byte {
	return []byte{OpCodeResponseCode, opCode, byte(code)}
}

// EncodeRequestControl builds the Request Control command.
func EncodeRequestControl() []byte {
	return []byte{OpCodeRequestControl}
}

// EncodeStartOrResume builds the Start or Resume command.
func EncodeStartOrResume() []byte {
	return []byte{OpCodeStartOrResume}
}

// ClampTargetPower rounds watts and clamps it to [0, 2000].
func ClampTargetPower(watts float64) int16 {
	if math.IsNaN(watts) {
		return MinTargetPowerWatts
	}
	w := math.Round(watts)
	if w < MinTargetPowerWatts {
		w = MinTargetPowerWatts
	}
	if w > MaxTargetPowerWatts {
		w = MaxTargetPowerWatts
	}
	return int16(w)
}

// EncodeSetTargetPower builds [0x05, power_low, power_high], power as SINT16 watts.
func EncodeSetTargetPower(watts float64) []byte {
	out := []byte{OpCodeSetTargetPower, 0, 0}
	binary.LittleEndian.PutUint16(out[1:], uint16(ClampTargetPower(watts)))
	return out
}

// DecodeSetTargetPower extracts the watts from a Set Target Power command.
func DecodeSetTargetPower(buf []byte) (int16, bool) {
	if len(buf) < 3 || buf[0] != OpCodeSetTargetPower {
		return 0, false
	}
	return int16(binary.LittleEndian.Uint16(buf[1:])), true
}

// EncodeSetTargetResistance builds [0x04, level_low, level_high]; level has 0.1 resolution.
func EncodeSetTargetResistance(level float64) []byte {
	raw := int16(math.Round(level * 10))
	out := []byte{OpCodeSetTargetResistance, 0, 0}
	binary.LittleEndian.PutUint16(out[1:], uint16(raw))
	return out
}

// Simulation defaults used when only the grade is supplied.
const (
	DefaultWindSpeed = 0.0   // m/s
	DefaultCrr       = 0.004 // rolling resistance coefficient
	DefaultCw        = 0.51  // wind resistance coefficient, kg/m
)

// EncodeIndoorBikeSimulation builds the 0x11 command for grade in percent.
// Layout: wind SINT16 (0.001 m/s), grade SINT16 (0.01 %), crr UINT8 (0.0001), cw UINT8 (0.01 kg/m).
func EncodeIndoorBikeSimulation(grade float64) []byte {
	out := make([]byte, 7)
	out[0] = OpCodeSetIndoorBikeSimulation
	binary.LittleEndian.PutUint16(out[1:], uint16(int16(math.Round(DefaultWindSpeed*1000))))
	binary.LittleEndian.PutUint16(out[3:], uint16(int16(math.Round(grade*100))))
	out[5] = byte(math.Round(DefaultCrr * 10000))
	out[6] = byte(math.Round(DefaultCw * 100))
	return out
}

// EncodeFECTargetPower builds the vendor FE-C target power frame
// [0x31, power_low, power_high, 0, 0, 0] written to CPS/CSC control characteristics.
func EncodeFECTargetPower(watts float64) []byte {
	out := []byte{0x31, 0, 0, 0, 0, 0}
	binary.LittleEndian.PutUint16(out[1:], uint16(ClampTargetPower(watts)))
	return out
}
