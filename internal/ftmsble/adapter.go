// Package ftmsble drives a trainer over a direct Bluetooth GATT session.
//
// Connect tries three service tiers in order: the Fitness Machine Service,
// then the Cycling Power Service, then the Cycling Speed and Cadence Service.
// The FTMS tier is controlled through the FTMS control point with
// request/response correlation. The fallback tiers are controlled, when the
// trainer offers a vendor characteristic, with fire-and-forget FE-C frames.
package ftmsble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lowaak/smart-trainer/trainer-connect/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-connect/internal/events"
	"github.com/lowaak/smart-trainer/trainer-connect/internal/ftms"
	"github.com/lowaak/smart-trainer/trainer-connect/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/trainer-connect/internal/trainer"
)

// Options tunes the adapter's timings.
type Options struct {
	ScanDuration time.Duration
	// ControlSettle is the minimum wait after Request Control before the
	// grant is checked.
	ControlSettle time.Duration
	// ResponseTimeout bounds the wait for a control point response.
	ResponseTimeout time.Duration
	// FECSettle is the wait after an unacknowledged FE-C write.
	FECSettle time.Duration
	Reconnect trainer.ReconnectPolicy
}

// DefaultOptions returns the production timings.
func DefaultOptions() Options {
	return Options{
		ScanDuration:    5 * time.Second,
		ControlSettle:   1 * time.Second,
		ResponseTimeout: 3 * time.Second,
		FECSettle:       500 * time.Millisecond,
		Reconnect:       trainer.DefaultReconnectPolicy(),
	}
}

type tier int

const (
	tierNone tier = iota
	tierFTMS
	tierCyclingPower
	tierSpeedCadence
)

func (t tier) String() string {
	switch t {
	case tierFTMS:
		return "FTMS"
	case tierCyclingPower:
		return "Cycling Power"
	case tierSpeedCadence:
		return "Cycling Speed/Cadence"
	default:
		return "none"
	}
}

// controlPath is the characteristic commands are written to.
type controlPath struct {
	service string
	char    string
	// fec marks vendor FE-C frames: no handshake, no response.
	fec bool
}

// notifySub is one enabled notification, disabled again at teardown.
type notifySub struct {
	service string
	char    string
}

// session is everything that belongs to one GATT connection.
type session struct {
	device  bt.BTDevice
	tier    tier
	caps    *trainer.Capabilities
	control *controlPath
	subs    []notifySub
	granted bool
	csc     ftms.CSCCalculator
	// pending holds the waiter for each outstanding control point op code.
	pending map[byte]chan *ftms.ControlPointResponse
	done    chan struct{}
}

// Adapter implements trainer.Adapter over FTMS/CPS/CSC.
type Adapter struct {
	manager   bt.BTManagerInterface
	logger    logrus.FieldLogger
	opts      Options
	state     *trainer.StateMachine
	telemetry *events.Subscribers[trainer.Telemetry]

	mu              sync.Mutex
	session         *session
	lastDeviceID    string
	userDisconnect  bool
	reconnectCancel context.CancelFunc
	// connectCancel aborts the connection attempt identified by connectGen.
	connectCancel context.CancelFunc
	connectGen    uint64
	unlisten      func()
	closed        bool
}

// Verify Adapter implements the trainer contracts
var (
	_ trainer.Adapter          = (*Adapter)(nil)
	_ trainer.ControlRequester = (*Adapter)(nil)
	_ trainer.ResistanceSetter = (*Adapter)(nil)
	_ trainer.SlopeSetter      = (*Adapter)(nil)
	_ trainer.Starter          = (*Adapter)(nil)
)

// New creates an adapter on top of an enabled radio.
func New(manager bt.BTManagerInterface, logger logrus.FieldLogger, opts Options) *Adapter {
	if logger == nil {
		panic("FTMSAdapter: logger cannot be nil")
	}
	a := &Adapter{
		manager:   manager,
		logger:    logger.WithField("component", "ftms-ble"),
		opts:      opts,
		state:     trainer.NewStateMachine(),
		telemetry: events.NewSubscribers[trainer.Telemetry](false),
	}
	a.telemetry.OnPanic(func(r any) {
		a.logger.Errorf("FTMSAdapter: telemetry subscriber failed: %v", r)
	})
	a.unlisten = manager.ListenToDisconnects(a.onLinkDown)
	return a
}

func (a *Adapter) Transport() trainer.Transport {
	return trainer.TransportFTMSBLE
}

func (a *Adapter) State() trainer.Status {
	return a.state.Current()
}

func (a *Adapter) SubscribeState(cb func(trainer.Status)) func() {
	return a.state.Subscribe(cb)
}

func (a *Adapter) SubscribeTelemetry(cb func(trainer.Telemetry)) func() {
	return a.telemetry.Subscribe(cb)
}

// Scan lists trainers advertising FTMS, CPS or CSC. A cancelled scan yields
// an empty list rather than an error.
func (a *Adapter) Scan(ctx context.Context) ([]trainer.DeviceInfo, error) {
	results, err := a.manager.Scan(ctx, ftms.ScanServiceUUIDs, a.opts.ScanDuration)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		a.logger.Infof("FTMSAdapter: scan cancelled")
		return []trainer.DeviceInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", trainer.ErrTransportUnavailable, err)
	}

	devices := make([]trainer.DeviceInfo, 0, len(results))
	for _, r := range results {
		devices = append(devices, trainer.DeviceInfo{
			ID:        r.Address,
			Name:      r.LocalName,
			Transport: trainer.TransportFTMSBLE,
			RSSI:      trainer.Int(int(r.RSSI)),
		})
	}
	return devices, nil
}

func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()
	return s != nil && s.device.IsConnected()
}

func (a *Adapter) Capabilities() *trainer.Capabilities {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return nil
	}
	return a.session.caps.Clone()
}

// Connect opens a session with deviceID. A call while a session is being
// set up or is already live is ignored.
func (a *Adapter) Connect(ctx context.Context, deviceID string) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return trainer.ErrAdapterClosed
	}
	// The caller takes over from any pending automatic reconnection.
	if a.reconnectCancel != nil {
		a.reconnectCancel()
		a.reconnectCancel = nil
	}
	a.mu.Unlock()

	if _, err := a.state.Fire(trainer.EventConnect); err != nil {
		a.logger.Warnf("FTMSAdapter: connect to %s ignored, adapter is %s", deviceID, a.state.Current())
		return nil
	}
	return a.connect(ctx, deviceID, false)
}

// beginAttempt registers a connection attempt that Disconnect can abort.
func (a *Adapter) beginAttempt(ctx context.Context) (context.Context, uint64) {
	attemptCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	if a.connectCancel != nil {
		a.connectCancel()
	}
	a.connectGen++
	gen := a.connectGen
	a.connectCancel = cancel
	a.mu.Unlock()
	return attemptCtx, gen
}

func (a *Adapter) endAttempt(gen uint64) {
	a.mu.Lock()
	if a.connectGen == gen && a.connectCancel != nil {
		a.connectCancel()
		a.connectCancel = nil
	}
	a.mu.Unlock()
}

// connect runs the full connection flow. The state must already be
// connecting. While retrying, a failed attempt settles to disconnected and
// the reconnect loop decides when to give up.
func (a *Adapter) connect(parent context.Context, deviceID string, retrying bool) error {
	a.logger.Infof("FTMSAdapter: connecting to %s", deviceID)
	ctx, gen := a.beginAttempt(parent)
	defer a.endAttempt(gen)

	device, err := a.manager.Connect(ctx, deviceID)
	if errors.Is(err, bt.ErrUnknownAddress) {
		// Stale handle: look for the device again before giving up.
		a.logger.Infof("FTMSAdapter: %s not in scan cache, rescanning", deviceID)
		if _, scanErr := a.manager.Scan(ctx, ftms.ScanServiceUUIDs, a.opts.ScanDuration); scanErr == nil {
			device, err = a.manager.Connect(ctx, deviceID)
		}
	}
	if errors.Is(err, bt.ErrUnknownAddress) {
		a.abort(ctx, retrying)
		return fmt.Errorf("connect %s: %w (%w)", deviceID, trainer.ErrUnknownDevice, err)
	}
	if err != nil {
		a.abort(ctx, retrying)
		return fmt.Errorf("connect %s: %w", deviceID, err)
	}

	s := &session{
		device:  device,
		pending: make(map[byte]chan *ftms.ControlPointResponse),
		done:    make(chan struct{}),
	}
	a.mu.Lock()
	if ctx.Err() != nil || a.connectGen != gen {
		// Disconnect ran while the link was coming up.
		a.mu.Unlock()
		a.logger.Infof("FTMSAdapter: connect to %s aborted, releasing link", deviceID)
		if err := a.manager.Disconnect(device); err != nil {
			a.logger.Warnf("FTMSAdapter: error disconnecting: %v", err)
		}
		a.abort(ctx, retrying)
		return fmt.Errorf("connect %s: %w", deviceID, trainer.ErrNotConnected)
	}
	// No Disconnect since the attempt began, so the session is wanted.
	a.session = s
	a.lastDeviceID = deviceID
	a.userDisconnect = false
	a.mu.Unlock()

	if !a.setupTier(s) {
		a.logger.Errorf("FTMSAdapter: %s exposes no usable trainer service", deviceID)
		a.mu.Lock()
		a.userDisconnect = true
		a.mu.Unlock()
		a.teardown(true, false)
		a.abort(ctx, retrying)
		return fmt.Errorf("connect %s: %w", deviceID, trainer.ErrNoUsableService)
	}
	if err := ctx.Err(); err != nil {
		a.teardown(true, true)
		return err
	}

	if _, err := a.state.Fire(trainer.EventSessionReady); err != nil {
		// A drop raced the setup; the disconnect path already cleaned up.
		return fmt.Errorf("connect %s: %w", deviceID, trainer.ErrNotConnected)
	}
	a.logger.Infof("FTMSAdapter: connected to %s via %s", deviceID, s.tier)

	if s.tier == tierFTMS && s.control != nil {
		if err := a.RequestControl(ctx); err != nil {
			a.logger.Warnf("FTMSAdapter: automatic control request failed: %v", err)
		}
	}
	return nil
}

// abort settles a failed connection: disconnected if it was cancelled or
// will be retried, error otherwise.
func (a *Adapter) abort(ctx context.Context, retrying bool) {
	if ctx.Err() != nil || retrying {
		_, _ = a.state.Fire(trainer.EventDisconnected)
		return
	}
	a.fail()
}

func (a *Adapter) fail() {
	if _, err := a.state.Fire(trainer.EventFailed); err != nil {
		a.logger.Warnf("FTMSAdapter: %v", err)
	}
}

// setupTier walks the service tiers in priority order.
func (a *Adapter) setupTier(s *session) bool {
	tiers := []struct {
		tier  tier
		setup func(*session) error
	}{
		{tierFTMS, a.setupFTMS},
		{tierCyclingPower, a.setupCyclingPower},
		{tierSpeedCadence, a.setupSpeedCadence},
	}
	for _, t := range tiers {
		if err := t.setup(s); err != nil {
			a.logger.Debugf("FTMSAdapter: %s tier unavailable: %v", t.tier, err)
			a.disableNotifications(s)
			continue
		}
		a.mu.Lock()
		s.tier = t.tier
		a.mu.Unlock()
		return true
	}
	return false
}

func (a *Adapter) subscribe(s *session, service, char string, handler func([]byte)) error {
	if err := s.device.EnableNotifications(service, char, handler); err != nil {
		return err
	}
	a.mu.Lock()
	s.subs = append(s.subs, notifySub{service: service, char: char})
	a.mu.Unlock()
	return nil
}

func (a *Adapter) setupFTMS(s *session) error {
	d := s.device
	if !d.HasService(ftms.ServiceUUIDFTMS) {
		return bt.ErrServiceNotFound
	}
	hasControlPoint := d.HasCharacteristic(ftms.ServiceUUIDFTMS, ftms.CharUUIDFTMSControlPoint)

	caps := &trainer.Capabilities{
		ERG:                  hasControlPoint,
		SupportsControlPoint: hasControlPoint,
		Telemetry:            trainer.TelemetryAvailability{Speed: true},
	}
	if buf, err := d.ReadCharacteristic(ftms.ServiceUUIDFTMS, ftms.CharUUIDFTMSFeature); err != nil {
		a.logger.Warnf("FTMSAdapter: feature read failed, assuming ERG from control point: %v", err)
	} else if features, ok := ftms.DecodeFeatures(buf); ok {
		caps.ERG = hasControlPoint && features.TargetPower()
		caps.Resistance = hasControlPoint && features.TargetResistance()
		caps.Slope = hasControlPoint && features.TargetIncline()
		caps.Telemetry.Power = features.Power()
		caps.Telemetry.Cadence = features.Cadence()
		caps.Telemetry.HR = features.HeartRate()
	}

	powerRange := trainer.DefaultPowerRange
	if buf, err := d.ReadCharacteristic(ftms.ServiceUUIDFTMS, ftms.CharUUIDSupportedPowerRange); err != nil {
		a.logger.Warnf("FTMSAdapter: power range read failed, using default: %v", err)
	} else if r, ok := ftms.DecodePowerRange(buf); ok && r.Max > r.Min {
		powerRange = trainer.Range{Min: float64(r.Min), Max: float64(r.Max)}
	}
	caps.PowerRange = &powerRange

	if err := a.subscribe(s, ftms.ServiceUUIDFTMS, ftms.CharUUIDIndoorBikeData, a.sessionHandler(s, a.onIndoorBikeData)); err != nil {
		return err
	}

	var control *controlPath
	if hasControlPoint {
		if err := a.subscribe(s, ftms.ServiceUUIDFTMS, ftms.CharUUIDFTMSControlPoint, a.sessionHandler(s, a.onControlPointResponse)); err != nil {
			a.logger.Warnf("FTMSAdapter: control point indications unavailable: %v", err)
			caps.ERG, caps.Resistance, caps.Slope, caps.SupportsControlPoint = false, false, false, false
		} else {
			control = &controlPath{service: ftms.ServiceUUIDFTMS, char: ftms.CharUUIDFTMSControlPoint}
		}
	}

	a.mu.Lock()
	s.caps = caps
	s.control = control
	a.mu.Unlock()
	return nil
}

func (a *Adapter) setupCyclingPower(s *session) error {
	d := s.device
	if !d.HasService(ftms.ServiceUUIDCyclingPower) {
		return bt.ErrServiceNotFound
	}
	if err := a.subscribe(s, ftms.ServiceUUIDCyclingPower, ftms.CharUUIDCyclingPowerMeasurement, a.sessionHandler(s, a.onCyclingPower)); err != nil {
		return err
	}

	control := a.findFECControl(d, ftms.ServiceUUIDCyclingPower, ftms.CharUUIDCyclingPowerControlPoint)
	powerRange := trainer.DefaultPowerRange
	a.mu.Lock()
	s.control = control
	s.caps = &trainer.Capabilities{
		ERG:                  control != nil,
		SupportsControlPoint: control != nil,
		Telemetry:            trainer.TelemetryAvailability{Power: true},
		PowerRange:           &powerRange,
	}
	a.mu.Unlock()
	return nil
}

func (a *Adapter) setupSpeedCadence(s *session) error {
	d := s.device
	if !d.HasService(ftms.ServiceUUIDCyclingSpeedCadence) {
		return bt.ErrServiceNotFound
	}
	if err := a.subscribe(s, ftms.ServiceUUIDCyclingSpeedCadence, ftms.CharUUIDCSCMeasurement, a.sessionHandler(s, a.onSpeedCadence)); err != nil {
		return err
	}

	control := a.findFECControl(d, "", "")
	powerRange := trainer.DefaultPowerRange
	a.mu.Lock()
	s.control = control
	s.caps = &trainer.Capabilities{
		ERG:                  control != nil,
		SupportsControlPoint: control != nil,
		Telemetry:            trainer.TelemetryAvailability{Speed: true, Cadence: true},
		PowerRange:           &powerRange,
	}
	a.mu.Unlock()
	return nil
}

// findFECControl returns the preferred vendor characteristic when present,
// else the FE-C over BLE write characteristic, else nil.
func (a *Adapter) findFECControl(d bt.BTDevice, service, char string) *controlPath {
	if service != "" && d.HasCharacteristic(service, char) {
		return &controlPath{service: service, char: char, fec: true}
	}
	if d.HasCharacteristic(ftms.ServiceUUIDFECOverBLE, ftms.CharUUIDFECWrite) {
		return &controlPath{service: ftms.ServiceUUIDFECOverBLE, char: ftms.CharUUIDFECWrite, fec: true}
	}
	a.logger.Infof("FTMSAdapter: no vendor control characteristic, ERG disabled")
	return nil
}

// sessionHandler drops notifications that arrive after their session ended.
func (a *Adapter) sessionHandler(s *session, handle func(*session, []byte)) func([]byte) {
	return func(buf []byte) {
		a.mu.Lock()
		current := a.session == s
		a.mu.Unlock()
		if !current {
			return
		}
		handle(s, buf)
	}
}

// --- Notification handlers ---

func (a *Adapter) onIndoorBikeData(s *session, buf []byte) {
	data := ftms.DecodeIndoorBikeData(buf)
	a.publish(s, trainer.Telemetry{
		TS:        trainer.Now(),
		Power:     data.Power,
		Cadence:   data.Cadence,
		Speed:     data.Speed,
		HR:        data.HeartRate,
		Connected: true,
	})
}

func (a *Adapter) onCyclingPower(s *session, buf []byte) {
	a.publish(s, trainer.Telemetry{
		TS:        trainer.Now(),
		Power:     ftms.DecodeCyclingPowerMeasurement(buf),
		Connected: true,
	})
}

func (a *Adapter) onSpeedCadence(s *session, buf []byte) {
	a.mu.Lock()
	speed, cadence := s.csc.Update(buf)
	a.mu.Unlock()
	a.publish(s, trainer.Telemetry{
		TS:        trainer.Now(),
		Speed:     speed,
		Cadence:   cadence,
		Connected: true,
	})
}

func (a *Adapter) publish(s *session, t trainer.Telemetry) {
	if !t.HasData() {
		return
	}
	a.mu.Lock()
	if s.caps.ObserveTelemetry(t) {
		a.logger.Debugf("FTMSAdapter: telemetry availability raised to %+v", s.caps.Telemetry)
	}
	a.mu.Unlock()
	a.telemetry.Publish(t)
}

func (a *Adapter) onControlPointResponse(s *session, buf []byte) {
	resp := ftms.DecodeControlPointResponse(buf)
	if resp == nil {
		a.logger.Warnf("FTMSAdapter: ignoring malformed control point frame %x", buf)
		return
	}

	a.mu.Lock()
	if resp.OpCode == ftms.OpCodeRequestControl {
		s.granted = resp.Success
	}
	waiter, ok := s.pending[resp.OpCode]
	if ok {
		delete(s.pending, resp.OpCode)
	}
	a.mu.Unlock()

	if !ok {
		a.logger.Debugf("FTMSAdapter: unsolicited response to %s", ftms.OpCodeName(resp.OpCode))
		return
	}
	waiter <- resp
}

// --- Control ---

// current returns the live session and its control path, or ErrNotConnected.
func (a *Adapter) current() (*session, *controlPath, error) {
	a.mu.Lock()
	s := a.session
	if s == nil {
		a.mu.Unlock()
		return nil, nil, trainer.ErrNotConnected
	}
	control := s.control
	a.mu.Unlock()
	if !s.device.IsConnected() {
		return nil, nil, trainer.ErrNotConnected
	}
	return s, control, nil
}

// command writes an FTMS control point frame and waits for its response.
func (a *Adapter) command(ctx context.Context, s *session, frame []byte) (*ftms.ControlPointResponse, error) {
	op := frame[0]
	waiter := make(chan *ftms.ControlPointResponse, 1)

	a.mu.Lock()
	if _, busy := s.pending[op]; busy {
		a.mu.Unlock()
		return nil, fmt.Errorf("%s already in flight", ftms.OpCodeName(op))
	}
	s.pending[op] = waiter
	control := s.control
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		if s.pending[op] == waiter {
			delete(s.pending, op)
		}
		a.mu.Unlock()
	}()

	if err := s.device.WriteCharacteristic(control.service, control.char, frame); err != nil {
		return nil, fmt.Errorf("write %s: %w", ftms.OpCodeName(op), err)
	}

	timer := time.NewTimer(a.opts.ResponseTimeout)
	defer timer.Stop()

	select {
	case resp := <-waiter:
		if err := resp.Err(); err != nil {
			return resp, err
		}
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("%s: %w", ftms.OpCodeName(op), trainer.ErrTimeout)
	case <-s.done:
		return nil, trainer.ErrNotConnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// sleep waits for d unless the session ends or ctx is cancelled first.
func sleep(ctx context.Context, s *session, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-s.done:
		return trainer.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestControl acquires control point ownership. Vendor FE-C paths have no
// handshake and are granted immediately.
func (a *Adapter) RequestControl(ctx context.Context) error {
	s, control, err := a.current()
	if err != nil {
		return err
	}
	if control == nil {
		return trainer.ErrNoControlPoint
	}
	if !a.state.Current().HasSession() {
		return fmt.Errorf("%w: request control while %s", trainer.ErrIllegalTransition, a.state.Current())
	}

	if !control.fec {
		start := time.Now()
		if _, err := a.command(ctx, s, ftms.EncodeRequestControl()); err != nil {
			if errors.Is(err, trainer.ErrTimeout) || errors.As(err, new(*ftms.ControlPointError)) {
				return fmt.Errorf("%w: %w", trainer.ErrControlNotGranted, err)
			}
			return err
		}
		if err := sleep(ctx, s, a.opts.ControlSettle-time.Since(start)); err != nil {
			return err
		}
		a.mu.Lock()
		granted := s.granted
		a.mu.Unlock()
		if !granted {
			return trainer.ErrControlNotGranted
		}
	}

	if _, err := a.state.Fire(trainer.EventControlGranted); err != nil {
		return err
	}
	a.logger.Infof("FTMSAdapter: control granted")
	return nil
}

// SetErgWatts sets the ERG target, clamped to the trainer's power range.
func (a *Adapter) SetErgWatts(ctx context.Context, watts float64) error {
	s, control, err := a.current()
	if err != nil {
		return err
	}
	if control == nil {
		return trainer.ErrNoControlPoint
	}

	a.mu.Lock()
	powerRange := trainer.DefaultPowerRange
	if s.caps.PowerRange != nil {
		powerRange = *s.caps.PowerRange
	}
	a.mu.Unlock()
	target := powerRange.Clamp(watts)

	if control.fec {
		return a.setFECPower(ctx, s, control, target)
	}

	if status := a.state.Current(); !status.HasControl() {
		return fmt.Errorf("%w: set ERG while %s", trainer.ErrControlNotGranted, status)
	}
	if _, err := a.command(ctx, s, ftms.EncodeSetTargetPower(target)); err != nil {
		return err
	}
	if _, err := a.state.Fire(trainer.EventErgAcknowledged); err != nil {
		return err
	}
	a.logger.Infof("FTMSAdapter: ERG target %.0fW acknowledged", target)
	return nil
}

func (a *Adapter) setFECPower(ctx context.Context, s *session, control *controlPath, watts float64) error {
	frame := ftms.EncodeFECTargetPower(watts)
	if err := s.device.WriteCharacteristicWithoutResponse(control.service, control.char, frame); err != nil {
		return fmt.Errorf("write FE-C target power: %w", err)
	}
	// No acknowledgement exists on this path.
	if err := sleep(ctx, s, a.opts.FECSettle); err != nil {
		return err
	}
	if a.state.Current() == trainer.StatusReady {
		if _, err := a.state.Fire(trainer.EventControlGranted); err != nil {
			return err
		}
	}
	if _, err := a.state.Fire(trainer.EventErgAcknowledged); err != nil {
		return err
	}
	a.logger.Infof("FTMSAdapter: FE-C target %.0fW sent", watts)
	return nil
}

// ftmsCommand runs an FTMS-only control point command that needs control.
func (a *Adapter) ftmsCommand(ctx context.Context, name string, allowed func(*trainer.Capabilities) bool, frame []byte) error {
	s, control, err := a.current()
	if err != nil {
		return err
	}
	if control == nil {
		return trainer.ErrNoControlPoint
	}
	a.mu.Lock()
	ok := !control.fec && allowed(s.caps)
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", name, trainer.ErrUnsupported)
	}
	if status := a.state.Current(); !status.HasControl() {
		return fmt.Errorf("%w: %s while %s", trainer.ErrControlNotGranted, name, status)
	}
	_, err = a.command(ctx, s, frame)
	return err
}

// SetResistance sets the resistance level in trainer units (0.1 resolution).
func (a *Adapter) SetResistance(ctx context.Context, level float64) error {
	return a.ftmsCommand(ctx, "set resistance", func(c *trainer.Capabilities) bool { return c.Resistance },
		ftms.EncodeSetTargetResistance(level))
}

// SetSlope switches the trainer to simulation mode at grade percent.
func (a *Adapter) SetSlope(ctx context.Context, grade float64) error {
	return a.ftmsCommand(ctx, "set slope", func(c *trainer.Capabilities) bool { return c.Slope },
		ftms.EncodeIndoorBikeSimulation(grade))
}

// Start sends Start or Resume.
func (a *Adapter) Start(ctx context.Context) error {
	return a.ftmsCommand(ctx, "start", func(*trainer.Capabilities) bool { return true },
		ftms.EncodeStartOrResume())
}

// --- Disconnection ---

// Disconnect ends the session and cancels any automatic reconnection.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	a.userDisconnect = true
	if a.reconnectCancel != nil {
		a.reconnectCancel()
		a.reconnectCancel = nil
	}
	if a.connectCancel != nil {
		a.connectCancel()
		a.connectCancel = nil
	}
	a.mu.Unlock()

	if !a.teardown(true, true) {
		// Nothing live, e.g. between reconnection attempts.
		if _, err := a.state.Fire(trainer.EventDisconnected); err != nil {
			a.logger.Warnf("FTMSAdapter: %v", err)
		}
	}
	return nil
}

// Close disconnects and stops listening to the radio. The adapter cannot be
// reused afterwards.
func (a *Adapter) Close() error {
	err := a.Disconnect()
	a.mu.Lock()
	a.closed = true
	unlisten := a.unlisten
	a.unlisten = nil
	a.mu.Unlock()
	if unlisten != nil {
		unlisten()
	}
	a.telemetry.Clear()
	return err
}

// teardown ends the current session. closeLink disconnects the GATT link;
// announce emits the terminal sample and the disconnected state. Returns
// false if there was no session.
func (a *Adapter) teardown(closeLink bool, announce bool) bool {
	a.mu.Lock()
	s := a.session
	a.session = nil
	if s != nil {
		close(s.done)
		s.pending = make(map[byte]chan *ftms.ControlPointResponse)
	}
	a.mu.Unlock()
	if s == nil {
		return false
	}

	if closeLink {
		a.disableNotifications(s)
		if err := a.manager.Disconnect(s.device); err != nil {
			a.logger.Warnf("FTMSAdapter: error disconnecting: %v", err)
		}
	}
	if announce {
		if _, err := a.state.Fire(trainer.EventDisconnected); err != nil {
			a.logger.Warnf("FTMSAdapter: %v", err)
		}
		a.telemetry.Publish(trainer.DisconnectedSample())
		a.logger.Infof("FTMSAdapter: disconnected from %s", s.device.GetAddressString())
	}
	return true
}

func (a *Adapter) disableNotifications(s *session) {
	a.mu.Lock()
	subs := s.subs
	s.subs = nil
	a.mu.Unlock()
	for _, sub := range subs {
		if !s.device.IsConnected() {
			return
		}
		if err := s.device.DisableNotifications(sub.service, sub.char); err != nil {
			a.logger.Debugf("FTMSAdapter: disable notifications on %s: %v", sub.char, err)
		}
	}
}

// onLinkDown handles GATT disconnection events from the radio.
func (a *Adapter) onLinkDown(address string) {
	a.mu.Lock()
	s := a.session
	if s == nil || s.device.GetAddressString() != address {
		a.mu.Unlock()
		return
	}
	user := a.userDisconnect
	deviceID := a.lastDeviceID
	closed := a.closed
	a.mu.Unlock()

	a.logger.Warnf("FTMSAdapter: link to %s lost", address)
	if !a.teardown(false, true) || user || closed || deviceID == "" {
		return
	}
	a.startReconnect(deviceID)
}

func (a *Adapter) startReconnect(deviceID string) {
	ctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	if a.reconnectCancel != nil {
		a.reconnectCancel()
	}
	a.reconnectCancel = cancel
	a.mu.Unlock()

	go_func_utils.SafeGo(a.logger, func() {
		a.reconnectLoop(ctx, deviceID)
	})
}

func (a *Adapter) reconnectLoop(ctx context.Context, deviceID string) {
	policy := a.opts.Reconnect
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		delay := policy.Delay(attempt)
		a.logger.Infof("FTMSAdapter: reconnecting to %s in %v (attempt %d/%d)", deviceID, delay, attempt+1, policy.MaxAttempts)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if _, err := a.state.Fire(trainer.EventConnect); err != nil {
			// Someone else owns the adapter now.
			return
		}
		err := a.connect(ctx, deviceID, true)
		if err == nil {
			a.logger.Infof("FTMSAdapter: reconnected to %s", deviceID)
			return
		}
		if ctx.Err() != nil {
			return
		}
		a.logger.Warnf("FTMSAdapter: reconnection attempt %d failed: %v", attempt+1, err)
	}

	if ctx.Err() == nil {
		a.logger.Errorf("FTMSAdapter: giving up on %s after %d attempts", deviceID, policy.MaxAttempts)
		a.fail()
	}
}
