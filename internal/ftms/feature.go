package ftms

import "encoding/binary"

// Fitness Machine Features field bits
const (
	MachineFeatureCadence      uint32 = 1 << 1
	MachineFeatureHeartRate    uint32 = 1 << 10
	MachineFeaturePowerMeasure uint32 = 1 << 14
)

// Target Setting Features field bits
const (
	TargetInclination   uint32 = 1 << 1
	TargetResistance    uint32 = 1 << 2
	TargetPower         uint32 = 1 << 3
	TargetIndoorBikeSim uint32 = 1 << 13
)

// Compact Feature frame bits, used by trainers that serve a single 32-bit
// target word instead of the two-word FTMS layout.
const (
	CompactTargetPower      uint32 = 1 << 0
	CompactTargetResistance uint32 = 1 << 1
	CompactTargetIncline    uint32 = 1 << 2
)

// Features is the decoded Fitness Machine Feature characteristic.
type Features struct {
	Machine uint32
	Target  uint32
}

// DecodeFeatures parses the Feature characteristic. The 8 byte FTMS frame
// carries the machine and target words; a 4 byte frame is read as the
// compact target word and mapped onto the FTMS target bits, leaving Machine
// empty.
func DecodeFeatures(buf []byte) (Features, bool) {
	switch {
	case len(buf) >= 8:
		return Features{
			Machine: binary.LittleEndian.Uint32(buf[0:4]),
			Target:  binary.LittleEndian.Uint32(buf[4:8]),
		}, true
	case len(buf) >= 4:
		compact := binary.LittleEndian.Uint32(buf[0:4])
		var f Features
		if compact&CompactTargetPower != 0 {
			f.Target |= TargetPower
		}
		if compact&CompactTargetResistance != 0 {
			f.Target |= TargetResistance
		}
		if compact&CompactTargetIncline != 0 {
			f.Target |= TargetInclination
		}
		return f, true
	}
	return Features{}, false
}

// EncodeFeatures is the inverse of DecodeFeatures.
func EncodeFeatures(f Features) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint32(out[0:4], f.Machine)
	binary.LittleEndian.PutUint32(out[4:8], f.Target)
	return out
}

// EncodeCompactFeatures builds the 4 byte compact frame for f's target bits.
func EncodeCompactFeatures(f Features) []byte {
	var compact uint32
	if f.TargetPower() {
		compact |= CompactTargetPower
	}
	if f.TargetResistance() {
		compact |= CompactTargetResistance
	}
	if f.TargetIncline() {
		compact |= CompactTargetIncline
	}
	return binary.LittleEndian.AppendUint32(nil, compact)
}

func (f Features) TargetPower() bool      { return f.Target&TargetPower != 0 }
func (f Features) TargetResistance() bool { return f.Target&TargetResistance != 0 }
func (f Features) TargetIncline() bool {
	return f.Target&(TargetInclination|TargetIndoorBikeSim) != 0
}
func (f Features) Cadence() bool   { return f.Machine&MachineFeatureCadence != 0 }
func (f Features) HeartRate() bool { return f.Machine&MachineFeatureHeartRate != 0 }
func (f Features) Power() bool     { return f.Machine&MachineFeaturePowerMeasure != 0 }

// PowerRange is the Supported Power Range characteristic.
type PowerRange struct {
	Min       uint16
	Max       uint16
	Increment uint16
}

// DecodePowerRange parses min/max/increment as three little-endian UINT16.
func DecodePowerRange(buf []byte) (PowerRange, bool) {
	if len(buf) < 6 {
		return PowerRange{}, false
	}
	return PowerRange{
		Min:       binary.LittleEndian.Uint16(buf[0:2]),
		Max:       binary.LittleEndian.Uint16(buf[2:4]),
		Increment: binary.LittleEndian.Uint16(buf[4:6]),
	}, true
}

// EncodePowerRange is the inverse of DecodePowerRange.
func EncodePowerRange(r PowerRange) []byte {
	out := make([]byte, 6)
	binary.LittleEndian.PutUint16(out[0:2], r.Min)
	binary.LittleEndian.PutUint16(out[2:4], r.Max)
	binary.LittleEndian.PutUint16(out[4:6], r.Increment)
	return out
}
