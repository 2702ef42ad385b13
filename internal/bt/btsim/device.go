// Package btsim provides in-memory trainers and a simulated radio that
// satisfy the bt interfaces. It backs the CLI's --simulate mode and the
// adapter tests, so no Bluetooth hardware is needed for either.
package btsim

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lowaak/smart-trainer/trainer-connect/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-connect/internal/ftms"
	"github.com/lowaak/smart-trainer/trainer-connect/internal/go_func_utils"
)

// Profile selects which GATT services a simulated trainer exposes.
type Profile int

const (
	// ProfileFTMS exposes the Fitness Machine Service with a control point.
	ProfileFTMS Profile = iota
	// ProfileCyclingPower exposes only the Cycling Power Service.
	ProfileCyclingPower
	// ProfileSpeedCadence exposes only the Cycling Speed and Cadence Service.
	ProfileSpeedCadence
	// ProfileHeartRate is a heart rate strap, which is not a trainer.
	ProfileHeartRate
)

// Heart Rate Service, served by ProfileHeartRate
const (
	ServiceUUIDHeartRate         = "0000180d-0000-1000-8000-00805f9b34fb"
	CharUUIDHeartRateMeasurement = "00002a37-0000-1000-8000-00805f9b34fb"
)

func (p Profile) String() string {
	switch p {
	case ProfileFTMS:
		return "ftms"
	case ProfileCyclingPower:
		return "cps"
	case ProfileSpeedCadence:
		return "csc"
	case ProfileHeartRate:
		return "hr"
	default:
		return fmt.Sprintf("Profile(%d)", int(p))
	}
}

// ParseProfile accepts "ftms", "cps", "csc" or "hr".
func ParseProfile(s string) (Profile, error) {
	switch strings.ToLower(s) {
	case "ftms":
		return ProfileFTMS, nil
	case "cps", "power":
		return ProfileCyclingPower, nil
	case "csc", "speed-cadence":
		return ProfileSpeedCadence, nil
	case "hr":
		return ProfileHeartRate, nil
	}
	return 0, fmt.Errorf("unknown simulator profile %q (want ftms, cps, csc or hr)", s)
}

// ControlBehavior selects how the FTMS control point answers.
type ControlBehavior int

const (
	// ControlGrant answers every command with success.
	ControlGrant ControlBehavior = iota
	// ControlDeny refuses Request Control with "control not permitted".
	ControlDeny
	// ControlSilent never answers.
	ControlSilent
)

// Config describes one simulated trainer.
type Config struct {
	Address   string
	LocalName string
	RSSI      int16
	Profile   Profile

	// Features and PowerRange are served by the FTMS profile. Zero values
	// select a full-featured 0..2000 W trainer.
	Features   ftms.Features
	PowerRange ftms.PowerRange
	// CompactFeatures serves the 4 byte compact Feature frame.
	CompactFeatures bool
	// FailFeatureReads makes the Feature and Power Range reads fail.
	FailFeatureReads bool
	// NoControlPoint removes the FTMS control point.
	NoControlPoint bool
	// VendorControl adds a Cycling Power control point (CPS profile) or the
	// FE-C over BLE service (CSC profile).
	VendorControl bool
	Control       ControlBehavior
	// ResponseDelay delays control point responses.
	ResponseDelay time.Duration
}

// Ride holds the values the simulator reports in its notifications.
type Ride struct {
	Power     float64 // W
	Cadence   float64 // rpm
	SpeedKmh  float64
	HeartRate float64 // bpm
}

// Write records one frame written by the central.
type Write struct {
	Timestamp      time.Time
	Service        string
	Characteristic string
	Data           []byte
	Description    string
}

func (w Write) String() string {
	return fmt.Sprintf("%s %s [%s]", w.Characteristic[4:8], w.Description, hex.EncodeToString(w.Data))
}

type characteristic struct {
	value  []byte
	notify func([]byte)
}

// Device is a simulated trainer. It implements bt.BTDevice.
type Device struct {
	logger logrus.FieldLogger
	config Config

	mu        sync.RWMutex
	connected bool
	reachable bool
	services  map[string]map[string]*characteristic
	granted   bool
	target    *float64
	ride      Ride
	writes    []Write

	// CSC cumulative counters
	wheelRevs      uint32
	wheelTime      uint16
	wheelRemainder float64
	crankRevs      uint16
	crankTime      uint16
	crankRemainder float64
	lastCSCUpdate  time.Time
}

// Verify Device implements bt.BTDevice
var _ bt.BTDevice = (*Device)(nil)

// NewDevice creates a simulated trainer in the disconnected state.
func NewDevice(logger logrus.FieldLogger, config Config) *Device {
	if logger == nil {
		panic("btsim: logger cannot be nil")
	}
	if config.LocalName == "" {
		config.LocalName = "Sim " + strings.ToUpper(config.Profile.String()) + " Trainer"
	}
	if config.Features == (ftms.Features{}) {
		config.Features = ftms.Features{
			Machine: ftms.MachineFeatureCadence | ftms.MachineFeatureHeartRate | ftms.MachineFeaturePowerMeasure,
			Target:  ftms.TargetPower | ftms.TargetResistance | ftms.TargetIndoorBikeSim,
		}
	}
	if config.PowerRange == (ftms.PowerRange{}) {
		config.PowerRange = ftms.PowerRange{Min: 0, Max: 2000, Increment: 1}
	}

	d := &Device{
		logger:    logger.WithField("sim", config.Address),
		config:    config,
		reachable: true,
		services:  make(map[string]map[string]*characteristic),
		ride:      Ride{Power: 150, Cadence: 85, SpeedKmh: 30, HeartRate: 120},
	}
	d.buildServices()
	return d
}

func (d *Device) buildServices() {
	add := func(svc, char string, value []byte) {
		chars, ok := d.services[svc]
		if !ok {
			chars = make(map[string]*characteristic)
			d.services[svc] = chars
		}
		chars[char] = &characteristic{value: value}
	}

	switch d.config.Profile {
	case ProfileFTMS:
		var feature, powerRange []byte
		if !d.config.FailFeatureReads {
			feature = ftms.EncodeFeatures(d.config.Features)
			if d.config.CompactFeatures {
				feature = ftms.EncodeCompactFeatures(d.config.Features)
			}
			powerRange = ftms.EncodePowerRange(d.config.PowerRange)
		}
		add(ftms.ServiceUUIDFTMS, ftms.CharUUIDFTMSFeature, feature)
		add(ftms.ServiceUUIDFTMS, ftms.CharUUIDSupportedPowerRange, powerRange)
		add(ftms.ServiceUUIDFTMS, ftms.CharUUIDIndoorBikeData, nil)
		if !d.config.NoControlPoint {
			add(ftms.ServiceUUIDFTMS, ftms.CharUUIDFTMSControlPoint, nil)
		}
	case ProfileCyclingPower:
		add(ftms.ServiceUUIDCyclingPower, ftms.CharUUIDCyclingPowerMeasurement, nil)
		if d.config.VendorControl {
			add(ftms.ServiceUUIDCyclingPower, ftms.CharUUIDCyclingPowerControlPoint, nil)
		}
	case ProfileSpeedCadence:
		add(ftms.ServiceUUIDCyclingSpeedCadence, ftms.CharUUIDCSCMeasurement, nil)
		if d.config.VendorControl {
			add(ftms.ServiceUUIDFECOverBLE, ftms.CharUUIDFECWrite, nil)
		}
	case ProfileHeartRate:
		add(ServiceUUIDHeartRate, CharUUIDHeartRateMeasurement, nil)
	}
}

// ServiceUUIDs returns the advertised services.
func (d *Device) ServiceUUIDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.services))
	for svc := range d.services {
		out = append(out, svc)
	}
	return out
}

// --- bt.BTDevice Interface Implementation ---

func (d *Device) GetAddressString() string {
	return d.config.Address
}

func (d *Device) GetLocalName() string {
	return d.config.LocalName
}

func (d *Device) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

func (d *Device) HasService(serviceUuid string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.services[strings.ToLower(serviceUuid)]
	return ok && d.connected
}

func (d *Device) HasCharacteristic(serviceUuid string, characteristicUuid string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, err := d.lookupLocked(serviceUuid, characteristicUuid)
	return err == nil
}

func (d *Device) lookupLocked(serviceUuid string, characteristicUuid string) (*characteristic, error) {
	if !d.connected {
		return nil, fmt.Errorf("btsim: %s not connected", d.config.Address)
	}
	chars, ok := d.services[strings.ToLower(serviceUuid)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", bt.ErrServiceNotFound, serviceUuid)
	}
	c, ok := chars[strings.ToLower(characteristicUuid)]
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", bt.ErrCharacteristicNotFound, characteristicUuid, serviceUuid)
	}
	return c, nil
}

func (d *Device) EnableNotifications(serviceUuid string, characteristicUuid string, callbackFunc func(buf []byte)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, err := d.lookupLocked(serviceUuid, characteristicUuid)
	if err != nil {
		return err
	}
	c.notify = callbackFunc
	d.logger.Debugf("btsim: notifications enabled for %s", characteristicUuid)
	return nil
}

func (d *Device) DisableNotifications(serviceUuid string, characteristicUuid string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, err := d.lookupLocked(serviceUuid, characteristicUuid)
	if err != nil {
		return err
	}
	c.notify = nil
	return nil
}

func (d *Device) ReadCharacteristic(serviceUuid string, characteristicUuid string) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, err := d.lookupLocked(serviceUuid, characteristicUuid)
	if err != nil {
		return nil, err
	}
	if c.value == nil {
		return nil, fmt.Errorf("btsim: read of %s not permitted", characteristicUuid)
	}
	return append([]byte(nil), c.value...), nil
}

func (d *Device) WriteCharacteristic(serviceUuid string, characteristicUuid string, data []byte) error {
	return d.write(serviceUuid, characteristicUuid, data)
}

func (d *Device) WriteCharacteristicWithoutResponse(serviceUuid string, characteristicUuid string, data []byte) error {
	return d.write(serviceUuid, characteristicUuid, data)
}

func (d *Device) write(serviceUuid string, characteristicUuid string, data []byte) error {
	serviceUuid = strings.ToLower(serviceUuid)
	characteristicUuid = strings.ToLower(characteristicUuid)

	d.mu.Lock()
	if _, err := d.lookupLocked(serviceUuid, characteristicUuid); err != nil {
		d.mu.Unlock()
		return err
	}
	frame := append([]byte(nil), data...)
	d.writes = append(d.writes, Write{
		Timestamp:      time.Now(),
		Service:        serviceUuid,
		Characteristic: characteristicUuid,
		Data:           frame,
		Description:    describeWrite(characteristicUuid, frame),
	})
	// Keep only last 100 writes
	if len(d.writes) > 100 {
		d.writes = d.writes[len(d.writes)-100:]
	}
	d.mu.Unlock()

	d.logger.Debugf("btsim: write %s %x", characteristicUuid, frame)

	switch characteristicUuid {
	case ftms.CharUUIDFTMSControlPoint:
		d.handleFTMSControl(frame)
	case ftms.CharUUIDCyclingPowerControlPoint, ftms.CharUUIDFECWrite:
		if len(frame) >= 3 && frame[0] == 0x31 {
			watts := float64(uint16(frame[1]) | uint16(frame[2])<<8)
			d.setTarget(watts)
		}
	}
	return nil
}

func describeWrite(characteristicUuid string, data []byte) string {
	if len(data) == 0 {
		return "empty"
	}
	if characteristicUuid != ftms.CharUUIDFTMSControlPoint {
		if data[0] == 0x31 && len(data) >= 3 {
			return fmt.Sprintf("FE-C Target Power: %dW", uint16(data[1])|uint16(data[2])<<8)
		}
		return "vendor frame"
	}
	if watts, ok := ftms.DecodeSetTargetPower(data); ok {
		return fmt.Sprintf("Set Target Power: %dW", watts)
	}
	return ftms.OpCodeName(data[0])
}

func (d *Device) setTarget(watts float64) {
	d.mu.Lock()
	d.target = &watts
	d.ride.Power = watts
	d.mu.Unlock()
}

func (d *Device) handleFTMSControl(data []byte) {
	if len(data) == 0 {
		return
	}
	op := data[0]

	d.mu.Lock()
	behavior := d.config.Control
	var code ftms.ResultCode
	switch {
	case op == ftms.OpCodeRequestControl && behavior == ControlDeny:
		code = ftms.ResultControlNotPermitted
	case op == ftms.OpCodeRequestControl:
		d.granted = true
		code = ftms.ResultSuccess
	case !d.granted:
		code = ftms.ResultControlNotPermitted
	default:
		switch op {
		case ftms.OpCodeSetTargetPower:
			if watts, ok := ftms.DecodeSetTargetPower(data); ok {
				w := float64(watts)
				d.target = &w
				d.ride.Power = w
				code = ftms.ResultSuccess
			} else {
				code = ftms.ResultInvalidParameter
			}
		case ftms.OpCodeReset:
			d.granted = false
			d.target = nil
			code = ftms.ResultSuccess
		case ftms.OpCodeSetTargetResistance, ftms.OpCodeStartOrResume,
			ftms.OpCodeStopOrPause, ftms.OpCodeSetIndoorBikeSimulation:
			code = ftms.ResultSuccess
		default:
			code = ftms.ResultOpCodeNotSupported
		}
	}
	delay := d.config.ResponseDelay
	d.mu.Unlock()

	if behavior == ControlSilent {
		return
	}

	// Indications arrive on the radio's goroutine, never inside the write.
	response := ftms.EncodeResponse(op, code)
	go_func_utils.SafeGo(d.logger, func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		d.Emit(ftms.CharUUIDFTMSControlPoint, response)
	})
}

// --- Simulation controls ---

// Emit delivers data to the subscriber of characteristicUuid, if any.
// Returns false when notifications are not enabled.
func (d *Device) Emit(characteristicUuid string, data []byte) bool {
	characteristicUuid = strings.ToLower(characteristicUuid)
	d.mu.RLock()
	var cb func([]byte)
	if d.connected {
		for _, chars := range d.services {
			if c, ok := chars[characteristicUuid]; ok && c.notify != nil {
				cb = c.notify
				break
			}
		}
	}
	d.mu.RUnlock()

	if cb == nil {
		return false
	}
	cb(data)
	return true
}

// NotificationsEnabled reports whether the central subscribed to characteristicUuid.
func (d *Device) NotificationsEnabled(characteristicUuid string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, chars := range d.services {
		if c, ok := chars[strings.ToLower(characteristicUuid)]; ok && c.notify != nil {
			return true
		}
	}
	return false
}

// Writes returns a copy of the recorded writes, oldest first.
func (d *Device) Writes() []Write {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Write(nil), d.writes...)
}

// WritesTo returns the frames written to characteristicUuid, oldest first.
func (d *Device) WritesTo(characteristicUuid string) [][]byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out [][]byte
	for _, w := range d.writes {
		if w.Characteristic == strings.ToLower(characteristicUuid) {
			out = append(out, w.Data)
		}
	}
	return out
}

// TargetPower returns the last target power accepted by the trainer.
func (d *Device) TargetPower() (float64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.target == nil {
		return 0, false
	}
	return *d.target, true
}

// SetControlBehavior changes how the control point answers.
func (d *Device) SetControlBehavior(b ControlBehavior) {
	d.mu.Lock()
	d.config.Control = b
	d.mu.Unlock()
}

// SetReachable makes subsequent connection attempts fail (false) or succeed.
func (d *Device) SetReachable(reachable bool) {
	d.mu.Lock()
	d.reachable = reachable
	d.mu.Unlock()
}

// SetRide changes the values reported by NotifyRide.
func (d *Device) SetRide(r Ride) {
	d.mu.Lock()
	d.ride = r
	d.mu.Unlock()
}

func (d *Device) connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.reachable {
		return fmt.Errorf("btsim: %s out of range", d.config.Address)
	}
	d.connected = true
	d.granted = false
	d.lastCSCUpdate = time.Time{}
	return nil
}

// disconnect drops the link and forgets every subscription, like a real
// peripheral does.
func (d *Device) disconnect() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	was := d.connected
	d.connected = false
	d.granted = false
	for _, chars := range d.services {
		for _, c := range chars {
			c.notify = nil
		}
	}
	return was
}

// NotifyRide sends one notification per data characteristic of the profile,
// built from the current Ride values.
func (d *Device) NotifyRide() {
	d.mu.Lock()
	ride := d.ride
	var csc []byte
	if d.config.Profile == ProfileSpeedCadence {
		csc = d.advanceCSCLocked(ride, time.Now())
	}
	d.mu.Unlock()

	switch d.config.Profile {
	case ProfileFTMS:
		d.Emit(ftms.CharUUIDIndoorBikeData, ftms.EncodeIndoorBikeData(ftms.IndoorBikeData{
			Speed:     &ride.SpeedKmh,
			Cadence:   &ride.Cadence,
			Power:     &ride.Power,
			HeartRate: &ride.HeartRate,
		}))
	case ProfileCyclingPower:
		d.Emit(ftms.CharUUIDCyclingPowerMeasurement, ftms.EncodeCyclingPowerMeasurement(int16(ride.Power)))
	case ProfileSpeedCadence:
		d.Emit(ftms.CharUUIDCSCMeasurement, csc)
	case ProfileHeartRate:
		d.Emit(CharUUIDHeartRateMeasurement, []byte{0x00, byte(ride.HeartRate)})
	}
}

func (d *Device) advanceCSCLocked(ride Ride, now time.Time) []byte {
	last := d.lastCSCUpdate
	if last.IsZero() {
		last = now
	}
	elapsed := now.Sub(last).Seconds()
	d.lastCSCUpdate = now

	if elapsed > 0 {
		wheelRevs := ride.SpeedKmh/3.6/ftms.WheelCircumferenceMeters*elapsed + d.wheelRemainder
		d.wheelRemainder = wheelRevs - float64(uint32(wheelRevs))
		d.wheelRevs += uint32(wheelRevs)

		crankRevs := ride.Cadence/60*elapsed + d.crankRemainder
		d.crankRemainder = crankRevs - float64(uint16(crankRevs))
		d.crankRevs += uint16(crankRevs)

		ticks := uint16(elapsed * 1024)
		d.wheelTime += ticks
		d.crankTime += ticks
	}

	return ftms.EncodeCSCMeasurement(ftms.CSCMeasurement{
		HasWheel:       true,
		WheelRevs:      d.wheelRevs,
		WheelEventTime: d.wheelTime,
		HasCrank:       true,
		CrankRevs:      d.crankRevs,
		CrankEventTime: d.crankTime,
	})
}
