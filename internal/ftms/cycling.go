package ftms

import "encoding/binary"

// DecodeCyclingPowerMeasurement returns the instantaneous power of a Cycling
// Power Measurement notification: 2 byte flags followed by SINT16 watts.
// See: https://www.bluetooth.com/specifications/specs/cycling-power-service-1-1/
func DecodeCyclingPowerMeasurement(buf []byte) *float64 {
	if len(buf) < 4 {
		return nil
	}
	watts := float64(int16(binary.LittleEndian.Uint16(buf[2:4])))
	if watts < 0 {
		watts = 0
	}
	return ptr(watts)
}

// EncodeCyclingPowerMeasurement builds a minimal measurement with no optional fields.
func EncodeCyclingPowerMeasurement(watts int16) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint16(out[2:], uint16(watts))
	return out
}

// CSC measurement flag bits
const (
	CSCFlagWheelData byte = 1 << 0
	CSCFlagCrankData byte = 1 << 1
)

// CSC derivation constants
const (
	WheelCircumferenceMeters = 2.1
	cscEventTimeUnits        = 1024.0
	minCSCIntervalSeconds    = 0.01
	maxCSCIntervalSeconds    = 10.0
	maxPlausibleSpeedKmh     = 100.0
	maxPlausibleCadenceRpm   = 200.0
)

// CSCMeasurement is one raw Cycling Speed and Cadence notification.
type CSCMeasurement struct {
	HasWheel       bool
	WheelRevs      uint32
	WheelEventTime uint16 // 1/1024 s
	HasCrank       bool
	CrankRevs      uint16
	CrankEventTime uint16 // 1/1024 s
}

// DecodeCSCMeasurement parses the cumulative counters. Sections that do not
// fit in the buffer are reported as absent.
// See: https://www.bluetooth.com/specifications/specs/cycling-speed-and-cadence-service-1-0/
func DecodeCSCMeasurement(buf []byte) CSCMeasurement {
	var m CSCMeasurement
	if len(buf) < 1 {
		return m
	}
	flags := buf[0]
	offset := 1

	if flags&CSCFlagWheelData != 0 {
		if offset+6 > len(buf) {
			return m
		}
		m.HasWheel = true
		m.WheelRevs = binary.LittleEndian.Uint32(buf[offset:])
		m.WheelEventTime = binary.LittleEndian.Uint16(buf[offset+4:])
		offset += 6
	}

	if flags&CSCFlagCrankData != 0 {
		if offset+4 > len(buf) {
			return m
		}
		m.HasCrank = true
		m.CrankRevs = binary.LittleEndian.Uint16(buf[offset:])
		m.CrankEventTime = binary.LittleEndian.Uint16(buf[offset+2:])
	}
	return m
}

// EncodeCSCMeasurement is the inverse of DecodeCSCMeasurement.
func EncodeCSCMeasurement(m CSCMeasurement) []byte {
	out := []byte{0}
	if m.HasWheel {
		out[0] |= CSCFlagWheelData
		out = binary.LittleEndian.AppendUint32(out, m.WheelRevs)
		out = binary.LittleEndian.AppendUint16(out, m.WheelEventTime)
	}
	if m.HasCrank {
		out[0] |= CSCFlagCrankData
		out = binary.LittleEndian.AppendUint16(out, m.CrankRevs)
		out = binary.LittleEndian.AppendUint16(out, m.CrankEventTime)
	}
	return out
}

// CSCCalculator derives speed and cadence from successive cumulative
// counters. It keeps the previous sample, so one calculator serves one session.
type CSCCalculator struct {
	hasWheel      bool
	lastWheelRevs uint16
	lastWheelTime uint16
	hasCrank      bool
	lastCrankRevs uint16
	lastCrankTime uint16
}

// Reset forgets the previous sample.
func (c *CSCCalculator) Reset() {
	*c = CSCCalculator{}
}

// Update consumes one notification and returns speed (km/h) and cadence (rpm).
// A value is nil until two samples exist, or when the implied interval or
// value is implausible.
func (c *CSCCalculator) Update(buf []byte) (speedKmh *float64, cadenceRpm *float64) {
	m := DecodeCSCMeasurement(buf)

	if m.HasWheel {
		// 16 bit rollover-aware deltas on both counters
		revs := uint16(m.WheelRevs)
		if c.hasWheel {
			revDelta := revs - c.lastWheelRevs
			seconds := float64(m.WheelEventTime-c.lastWheelTime) / cscEventTimeUnits
			if seconds > minCSCIntervalSeconds && seconds < maxCSCIntervalSeconds {
				kmh := float64(revDelta) * WheelCircumferenceMeters / seconds * 3.6
				if kmh <= maxPlausibleSpeedKmh {
					speedKmh = ptr(kmh)
				}
			}
		}
		c.hasWheel = true
		c.lastWheelRevs = revs
		c.lastWheelTime = m.WheelEventTime
	}

	if m.HasCrank {
		if c.hasCrank {
			revDelta := m.CrankRevs - c.lastCrankRevs
			seconds := float64(m.CrankEventTime-c.lastCrankTime) / cscEventTimeUnits
			if seconds > minCSCIntervalSeconds && seconds < maxCSCIntervalSeconds {
				rpm := float64(revDelta) * 60 / seconds
				if rpm > 0 && rpm < maxPlausibleCadenceRpm {
					cadenceRpm = ptr(rpm)
				}
			}
		}
		c.hasCrank = true
		c.lastCrankRevs = m.CrankRevs
		c.lastCrankTime = m.CrankEventTime
	}
	return speedKmh, cadenceRpm
}
