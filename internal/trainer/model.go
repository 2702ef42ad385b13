package trainer

import "time"

// Transport identifies which physical path an adapter uses to reach a trainer.
type Transport string

const (
	TransportFTMSBLE   Transport = "ftms-ble"
	TransportCompanion Transport = "companion"
	TransportANTFEC    Transport = "ant-fec"
)

// Range is an inclusive min/max pair.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Clamp limits v to the range.
func (r Range) Clamp(v float64) float64 {
	if v < r.Min {
		return r.Min
	}
	if v > r.Max {
		return r.Max
	}
	return v
}

// DefaultPowerRange is used when a trainer does not report one.
var DefaultPowerRange = Range{Min: 0, Max: 2000}

// TelemetryAvailability reports which telemetry fields a session can deliver.
type TelemetryAvailability struct {
	Power   bool `json:"power"`
	Cadence bool `json:"cadence"`
	Speed   bool `json:"speed"`
	HR      bool `json:"hr"`
}

// Capabilities describes what a connected trainer can do.
// Telemetry flags are a lower bound: adapters raise them when a notification
// is observed to carry the field, and never lower them during a session.
type Capabilities struct {
	ERG                  bool                  `json:"erg"`
	Resistance           bool                  `json:"resistance"`
	Slope                bool                  `json:"slope"`
	SupportsControlPoint bool                  `json:"supportsControlPoint"`
	Telemetry            TelemetryAvailability `json:"telemetry"`
	PowerRange           *Range                `json:"powerRange,omitempty"`
	ResistanceRange      *Range                `json:"resistanceRange,omitempty"`
}

// Clone returns a deep copy, or nil for a nil receiver.
func (c *Capabilities) Clone() *Capabilities {
	if c == nil {
		return nil
	}
	out := *c
	if c.PowerRange != nil {
		r := *c.PowerRange
		out.PowerRange = &r
	}
	if c.ResistanceRange != nil {
		r := *c.ResistanceRange
		out.ResistanceRange = &r
	}
	return &out
}

// ObserveTelemetry raises availability flags for every field present in t.
// Returns true if any flag changed.
func (c *Capabilities) ObserveTelemetry(t Telemetry) bool {
	if c == nil {
		return false
	}
	changed := false
	raise := func(flag *bool, present bool) {
		if present && !*flag {
			*flag = true
			changed = true
		}
	}
	raise(&c.Telemetry.Power, t.Power != nil)
	raise(&c.Telemetry.Cadence, t.Cadence != nil)
	raise(&c.Telemetry.Speed, t.Speed != nil)
	raise(&c.Telemetry.HR, t.HR != nil)
	return changed
}

// DeviceInfo is one scan result. ID is opaque and only meaningful to the
// transport that produced it.
type DeviceInfo struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Transport    Transport     `json:"transport"`
	RSSI         *int          `json:"rssi,omitempty"`
	Capabilities *Capabilities `json:"capabilities,omitempty"`
}

// Telemetry is one live sample. A sample with Connected=false is the terminal
// sentinel of a session and carries no measurements.
type Telemetry struct {
	// TS is the capture time in milliseconds on the Unix epoch scale. It is
	// read from the monotonic clock, so samples never go backwards when the
	// wall clock is adjusted.
	TS        int64    `json:"ts"`
	Power     *float64 `json:"power,omitempty"`   // W
	Cadence   *float64 `json:"cadence,omitempty"` // rpm
	Speed     *float64 `json:"speed,omitempty"`   // km/h
	HR        *float64 `json:"hr,omitempty"`      // bpm
	Connected bool     `json:"connected"`
}

// clockBase anchors the monotonic clock to the wall clock once per process.
var clockBase = time.Now()

// Now returns the capture timestamp for a new sample.
func Now() int64 {
	return sinceBase(clockBase, time.Now())
}

func sinceBase(base, now time.Time) int64 {
	return base.UnixMilli() + now.Sub(base).Milliseconds()
}

// DisconnectedSample builds the terminal sentinel.
func DisconnectedSample() Telemetry {
	return Telemetry{TS: Now(), Connected: false}
}

// HasData reports whether the sample carries at least one measurement.
func (t Telemetry) HasData() bool {
	return t.Power != nil || t.Cadence != nil || t.Speed != nil || t.HR != nil
}

// Float returns a pointer to v, for building optional telemetry fields.
func Float(v float64) *float64 {
	return &v
}

// Int returns a pointer to v.
func Int(v int) *int {
	return &v
}
