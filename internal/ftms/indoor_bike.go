package ftms

import "encoding/binary"

// Indoor Bike Data flag bit positions (FTMS 1.0)
const (
	FlagMoreData             uint16 = 1 << 0 // 0 = Instantaneous Speed present
	FlagAverageSpeed         uint16 = 1 << 1
	FlagInstantaneousCadence uint16 = 1 << 2
	FlagAverageCadence       uint16 = 1 << 3
	FlagTotalDistance        uint16 = 1 << 4
	FlagResistanceLevel      uint16 = 1 << 5
	FlagInstantaneousPower   uint16 = 1 << 6
	FlagAveragePower         uint16 = 1 << 7
	FlagExpendedEnergy       uint16 = 1 << 8
	FlagHeartRate            uint16 = 1 << 9
	FlagMetabolicEquivalent  uint16 = 1 << 10
	FlagElapsedTime          uint16 = 1 << 11
	FlagRemainingTime        uint16 = 1 << 12
)

// IndoorBikeData is the decoded subset of an Indoor Bike Data notification.
// A nil field was either absent from the frame or beyond its end.
type IndoorBikeData struct {
	Speed       *float64 // 0.01 resolution
	Cadence     *float64 // rpm
	Power       *float64 // W, never negative
	HeartRate   *float64 // bpm
	ElapsedTime *float64 // s
	Distance    *float64 // m
}

type fieldReader struct {
	buf    []byte
	offset int
}

func (r *fieldReader) has(n int) bool {
	return r.offset+n <= len(r.buf)
}

func (r *fieldReader) skip(n int) bool {
	if !r.has(n) {
		return false
	}
	r.offset += n
	return true
}

func (r *fieldReader) uint8() (uint8, bool) {
	if !r.has(1) {
		return 0, false
	}
	v := r.buf[r.offset]
	r.offset++
	return v, true
}

func (r *fieldReader) uint16() (uint16, bool) {
	if !r.has(2) {
		return 0, false
	}
	v := binary.LittleEndian.Uint16(r.buf[r.offset:])
	r.offset += 2
	return v, true
}

func (r *fieldReader) uint24() (uint32, bool) {
	if !r.has(3) {
		return 0, false
	}
	b := r.buf[r.offset:]
	r.offset += 3
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16, true
}

func ptr(v float64) *float64 {
	return &v
}

// DecodeIndoorBikeData parses an Indoor Bike Data payload. It never fails: a
// frame that ends before a flagged field returns everything decoded so far.
func DecodeIndoorBikeData(buf []byte) IndoorBikeData {
	var data IndoorBikeData
	if len(buf) < 2 {
		return data
	}
	flags := binary.LittleEndian.Uint16(buf)
	r := &fieldReader{buf: buf, offset: 2}

	// 1. Instantaneous Speed (UINT16, 0.01 resolution), present when More Data is clear
	if flags&FlagMoreData == 0 {
		v, ok := r.uint16()
		if !ok {
			return data
		}
		data.Speed = ptr(float64(v) / 100)
	}

	// 2. Average Speed
	if flags&FlagAverageSpeed != 0 && !r.skip(2) {
		return data
	}

	// 3. Instantaneous Cadence (UINT16, 0.5 rpm resolution)
	if flags&FlagInstantaneousCadence != 0 {
		v, ok := r.uint16()
		if !ok {
			return data
		}
		data.Cadence = ptr(float64(v) / 2)
	}

	// 4. Average Cadence
	if flags&FlagAverageCadence != 0 && !r.skip(2) {
		return data
	}

	// 5. Total Distance (UINT24, meters)
	if flags&FlagTotalDistance != 0 {
		v, ok := r.uint24()
		if !ok {
			return data
		}
		data.Distance = ptr(float64(v))
	}

	// 6. Resistance Level
	if flags&FlagResistanceLevel != 0 && !r.skip(2) {
		return data
	}

	// 7. Instantaneous Power (SINT16, watts)
	if flags&FlagInstantaneousPower != 0 {
		v, ok := r.uint16()
		if !ok {
			return data
		}
		watts := float64(int16(v))
		if watts < 0 {
			watts = 0
		}
		data.Power = ptr(watts)
	}

	// 8. Average Power
	if flags&FlagAveragePower != 0 && !r.skip(2) {
		return data
	}

	// 9. Expended Energy (UINT16 total + UINT16 per hour + UINT8 per minute)
	if flags&FlagExpendedEnergy != 0 && !r.skip(5) {
		return data
	}

	// 10. Heart Rate (UINT8, bpm)
	if flags&FlagHeartRate != 0 {
		v, ok := r.uint8()
		if !ok {
			return data
		}
		data.HeartRate = ptr(float64(v))
	}

	// 11. Metabolic Equivalent
	if flags&FlagMetabolicEquivalent != 0 && !r.skip(1) {
		return data
	}

	// 12. Elapsed Time (UINT16, seconds)
	if flags&FlagElapsedTime != 0 {
		v, ok := r.uint16()
		if !ok {
			return data
		}
		data.ElapsedTime = ptr(float64(v))
	}

	// 13. Remaining Time is not reported.
	return data
}

// EncodeIndoorBikeData builds a frame carrying the non-nil fields of d.
// Used by the simulated trainer.
func EncodeIndoorBikeData(d IndoorBikeData) []byte {
	var flags uint16
	out := make([]byte, 2, 20)

	if d.Speed != nil {
		out = binary.LittleEndian.AppendUint16(out, uint16(*d.Speed*100))
	} else {
		flags |= FlagMoreData
	}
	if d.Cadence != nil {
		flags |= FlagInstantaneousCadence
		out = binary.LittleEndian.AppendUint16(out, uint16(*d.Cadence*2))
	}
	if d.Distance != nil {
		flags |= FlagTotalDistance
		v := uint32(*d.Distance)
		out = append(out, byte(v), byte(v>>8), byte(v>>16))
	}
	if d.Power != nil {
		flags |= FlagInstantaneousPower
		out = binary.LittleEndian.AppendUint16(out, uint16(int16(*d.Power)))
	}
	if d.HeartRate != nil {
		flags |= FlagHeartRate
		out = append(out, uint8(*d.HeartRate))
	}
	if d.ElapsedTime != nil {
		flags |= FlagElapsedTime
		out = binary.LittleEndian.AppendUint16(out, uint16(*d.ElapsedTime))
	}
	binary.LittleEndian.PutUint16(out, flags)
	return out
}
