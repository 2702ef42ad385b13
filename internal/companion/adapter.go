package companion

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/lowaak/smart-trainer/trainer-connect/internal/events"
	"github.com/lowaak/smart-trainer/trainer-connect/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/trainer-connect/internal/trainer"
)

// Options configures the companion client.
type Options struct {
	URL string
	// RequestTimeout bounds control operations.
	RequestTimeout time.Duration
	// DiscoveryTimeout bounds scan and connect.
	DiscoveryTimeout time.Duration
	// WriteTimeout bounds one socket write.
	WriteTimeout time.Duration
	Reconnect    trainer.ReconnectPolicy
	Dialer       *websocket.Dialer
}

// DefaultOptions returns the production timeouts for url.
func DefaultOptions(url string) Options {
	return Options{
		URL:              url,
		RequestTimeout:   5 * time.Second,
		DiscoveryTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		Reconnect:        trainer.DefaultReconnectPolicy(),
		Dialer:           websocket.DefaultDialer,
	}
}

type result struct {
	msg Message
	err error
}

// pendingRequest waits for the response carrying its requestId.
type pendingRequest struct {
	op   MessageType
	done chan result
}

// Adapter implements trainer.Adapter against a companion bridge.
type Adapter struct {
	opts      Options
	logger    logrus.FieldLogger
	state     *trainer.StateMachine
	telemetry *events.Subscribers[trainer.Telemetry]
	counter   atomic.Uint64

	dialMu  sync.Mutex // one dial at a time
	writeMu sync.Mutex // gorilla allows one concurrent writer

	mu               sync.Mutex
	conn             *websocket.Conn
	pending          map[string]*pendingRequest
	entropy          *ulid.MonotonicEntropy
	devices          []trainer.DeviceInfo
	deviceID         string
	caps             *trainer.Capabilities
	sentinelSent     bool
	reconnectEnabled bool
	attempts         int
	reconnectTimer   *time.Timer
	closed           bool
}

// Verify Adapter implements the trainer contracts
var (
	_ trainer.Adapter          = (*Adapter)(nil)
	_ trainer.ControlRequester = (*Adapter)(nil)
	_ trainer.ResistanceSetter = (*Adapter)(nil)
	_ trainer.SlopeSetter      = (*Adapter)(nil)
	_ trainer.Starter          = (*Adapter)(nil)
)

// NewAdapter creates a client. The socket is opened lazily by the first request.
func NewAdapter(opts Options, logger logrus.FieldLogger) *Adapter {
	if logger == nil {
		panic("CompanionAdapter: logger cannot be nil")
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	t := time.Now()
	a := &Adapter{
		opts:      opts,
		logger:    logger.WithFields(logrus.Fields{"component": "companion", "url": opts.URL}),
		state:     trainer.NewStateMachine(),
		telemetry: events.NewSubscribers[trainer.Telemetry](false),
		pending:   make(map[string]*pendingRequest),
		entropy:   ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0),
		// Drops after a successful open are retried.
		reconnectEnabled: true,
	}
	a.telemetry.OnPanic(func(r any) {
		a.logger.Errorf("CompanionAdapter: telemetry subscriber failed: %v", r)
	})
	return a
}

func (a *Adapter) Transport() trainer.Transport {
	return trainer.TransportCompanion
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

func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn != nil && a.deviceID != ""
}

func (a *Adapter) Capabilities() *trainer.Capabilities {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.caps.Clone()
}

// Devices returns the device list of the last scan result.
func (a *Adapter) Devices() []trainer.DeviceInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]trainer.DeviceInfo(nil), a.devices...)
}

// nextRequestID combines a monotonic ULID with a local counter, so ids stay
// unique across reconnects and restarts.
func (a *Adapter) nextRequestID() string {
	n := a.counter.Add(1)
	a.mu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), a.entropy)
	a.mu.Unlock()
	return fmt.Sprintf("%s-%d", id, n)
}

// --- Socket lifecycle ---

// errReconnectCancelled ends a reconnection that Disconnect overtook.
var errReconnectCancelled = errors.New("reconnection cancelled")

// ensureConnected opens the socket if it is not open.
func (a *Adapter) ensureConnected(ctx context.Context) error {
	return a.open(ctx, false)
}

// open dials the companion. A reconnection keeps the socket only if
// reconnection is still enabled once the dial returns.
func (a *Adapter) open(ctx context.Context, reconnecting bool) error {
	a.dialMu.Lock()
	defer a.dialMu.Unlock()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return trainer.ErrAdapterClosed
	}
	if a.conn != nil {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	a.logger.Infof("CompanionAdapter: opening socket")
	conn, resp, err := a.opts.Dialer.DialContext(ctx, a.opts.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("%w: dial companion %s: %w", trainer.ErrTransportUnavailable, a.opts.URL, err)
	}

	a.mu.Lock()
	if a.closed || (reconnecting && !a.reconnectEnabled) {
		closed := a.closed
		a.mu.Unlock()
		_ = conn.Close()
		if closed {
			return trainer.ErrAdapterClosed
		}
		return errReconnectCancelled
	}
	a.conn = conn
	a.attempts = 0
	a.sentinelSent = false
	a.reconnectEnabled = true
	if a.reconnectTimer != nil {
		a.reconnectTimer.Stop()
		a.reconnectTimer = nil
	}
	a.mu.Unlock()

	go_func_utils.SafeGo(a.logger, func() {
		a.readLoop(conn)
	})
	return nil
}

func (a *Adapter) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				a.logger.Warnf("CompanionAdapter: socket closed unexpectedly: %v", err)
			} else {
				a.logger.Debugf("CompanionAdapter: read loop ended: %v", err)
			}
			a.onClose(conn)
			return
		}

		msg, err := DecodeMessage(data)
		if err != nil {
			a.logger.Warnf("CompanionAdapter: dropping frame: %v", err)
			continue
		}
		a.dispatch(msg)
	}
}

func (a *Adapter) send(conn *websocket.Conn, msg Message) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(a.opts.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

// onClose runs once per socket: it fails outstanding requests, emits the
// terminal sample and schedules a reconnection when enabled.
func (a *Adapter) onClose(conn *websocket.Conn) {
	a.mu.Lock()
	if a.conn != conn {
		a.mu.Unlock()
		return
	}
	a.conn = nil
	pending := a.pending
	a.pending = make(map[string]*pendingRequest)
	announce := !a.sentinelSent
	a.sentinelSent = true
	a.deviceID = ""
	a.caps = nil
	reconnect := a.reconnectEnabled && !a.closed
	a.mu.Unlock()

	_ = conn.Close()
	for _, p := range pending {
		p.done <- result{err: fmt.Errorf("%s: %w", p.op, trainer.ErrNotConnected)}
	}

	if _, err := a.state.Fire(trainer.EventDisconnected); err != nil {
		a.logger.Warnf("CompanionAdapter: %v", err)
	}
	if announce {
		a.telemetry.Publish(trainer.DisconnectedSample())
	}
	if reconnect {
		a.scheduleReconnect()
	}
}

func (a *Adapter) scheduleReconnect() {
	policy := a.opts.Reconnect
	a.mu.Lock()
	if a.attempts >= policy.MaxAttempts {
		attempts := a.attempts
		a.mu.Unlock()
		a.logger.Errorf("CompanionAdapter: giving up after %d reconnection attempts", attempts)
		_, _ = a.state.Fire(trainer.EventFailed)
		return
	}
	delay := policy.Delay(a.attempts)
	a.attempts++
	attempt := a.attempts
	a.reconnectTimer = time.AfterFunc(delay, a.reconnect)
	a.mu.Unlock()

	a.logger.Infof("CompanionAdapter: reconnecting in %v (attempt %d/%d)", delay, attempt, policy.MaxAttempts)
}

func (a *Adapter) reconnect() {
	a.mu.Lock()
	a.reconnectTimer = nil
	if !a.reconnectEnabled || a.closed {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), a.opts.DiscoveryTimeout)
	defer cancel()
	if err := a.open(ctx, true); err != nil {
		if errors.Is(err, errReconnectCancelled) || errors.Is(err, trainer.ErrAdapterClosed) {
			a.logger.Debugf("CompanionAdapter: dropping reopened socket after disconnect")
			return
		}
		a.logger.Warnf("CompanionAdapter: reconnection failed: %v", err)
		a.mu.Lock()
		enabled := a.reconnectEnabled && !a.closed
		a.mu.Unlock()
		if enabled {
			a.scheduleReconnect()
		}
		return
	}
	a.logger.Infof("CompanionAdapter: socket reopened")
}

// --- Inbound messages ---

func (a *Adapter) dispatch(msg Message) {
	if msg.RequestID != "" && msg.Type.IsResponse() {
		a.mu.Lock()
		p, ok := a.pending[msg.RequestID]
		if ok {
			delete(a.pending, msg.RequestID)
		}
		a.mu.Unlock()
		if !ok {
			a.logger.Debugf("CompanionAdapter: ignoring %s for unknown request %s", msg.Type, msg.RequestID)
			return
		}
		p.done <- result{msg: msg}
		return
	}

	switch msg.Type {
	case TypeTelemetry:
		if msg.Telemetry == nil {
			return
		}
		a.onTelemetry(*msg.Telemetry)
	case TypeScanResult:
		a.mu.Lock()
		a.devices = TagDevices(msg.Devices)
		a.mu.Unlock()
	case TypeDisconnected:
		a.onRemoteDisconnect()
	case TypeError:
		a.logger.Warnf("CompanionAdapter: companion reported: %s", msg.Error)
	default:
		a.logger.Debugf("CompanionAdapter: ignoring unsolicited %s", msg.Type)
	}
}

func (a *Adapter) onTelemetry(t trainer.Telemetry) {
	if t.TS == 0 {
		t.TS = trainer.Now()
	}
	if !t.Connected {
		a.onRemoteDisconnect()
		return
	}
	a.mu.Lock()
	a.caps.ObserveTelemetry(t)
	a.mu.Unlock()
	a.telemetry.Publish(t)
}

// onRemoteDisconnect ends the trainer session while the socket stays open.
func (a *Adapter) onRemoteDisconnect() {
	a.mu.Lock()
	announce := !a.sentinelSent
	a.sentinelSent = true
	a.deviceID = ""
	a.caps = nil
	a.mu.Unlock()

	if _, err := a.state.Fire(trainer.EventDisconnected); err != nil {
		a.logger.Warnf("CompanionAdapter: %v", err)
	}
	if announce {
		a.telemetry.Publish(trainer.DisconnectedSample())
	}
}

// --- Requests ---

// request sends msg and waits for the response with the same requestId.
func (a *Adapter) request(ctx context.Context, msg Message, timeout time.Duration) (Message, error) {
	if err := a.ensureConnected(ctx); err != nil {
		return Message{}, err
	}

	msg.RequestID = a.nextRequestID()
	p := &pendingRequest{op: msg.Type, done: make(chan result, 1)}

	a.mu.Lock()
	conn := a.conn
	if conn == nil {
		a.mu.Unlock()
		return Message{}, trainer.ErrNotConnected
	}
	a.pending[msg.RequestID] = p
	a.mu.Unlock()

	if err := a.send(conn, msg); err != nil {
		a.forget(msg.RequestID)
		return Message{}, fmt.Errorf("send %s: %w", msg.Type, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-p.done:
		if r.err != nil {
			return Message{}, r.err
		}
		if err := r.msg.Err(msg.Type); err != nil {
			return r.msg, err
		}
		return r.msg, nil
	case <-timer.C:
		a.forget(msg.RequestID)
		return Message{}, fmt.Errorf("%s: %w", msg.Type, trainer.ErrTimeout)
	case <-ctx.Done():
		a.forget(msg.RequestID)
		return Message{}, ctx.Err()
	}
}

func (a *Adapter) forget(requestID string) {
	a.mu.Lock()
	delete(a.pending, requestID)
	a.mu.Unlock()
}

// Scan asks the companion for nearby trainers.
func (a *Adapter) Scan(ctx context.Context) ([]trainer.DeviceInfo, error) {
	resp, err := a.request(ctx, NewRequest(TypeScan), a.opts.DiscoveryTimeout)
	if err != nil {
		return nil, err
	}
	devices := TagDevices(resp.Devices)
	a.mu.Lock()
	a.devices = devices
	a.mu.Unlock()
	return append([]trainer.DeviceInfo(nil), devices...), nil
}

// Connect asks the companion to open a session with deviceID. A call while
// a session is being set up or is already live is ignored.
func (a *Adapter) Connect(ctx context.Context, deviceID string) error {
	if _, err := a.state.Fire(trainer.EventConnect); err != nil {
		a.logger.Warnf("CompanionAdapter: connect to %s ignored, adapter is %s", deviceID, a.state.Current())
		return nil
	}

	msg := NewRequest(TypeConnect)
	msg.DeviceID = deviceID
	resp, err := a.request(ctx, msg, a.opts.DiscoveryTimeout)
	if err != nil {
		if ctx.Err() != nil {
			_, _ = a.state.Fire(trainer.EventDisconnected)
		} else {
			_, _ = a.state.Fire(trainer.EventFailed)
		}
		return fmt.Errorf("connect %s: %w", deviceID, err)
	}

	caps := resp.Capabilities.Clone()
	if caps == nil {
		caps = &trainer.Capabilities{}
	}
	if caps.PowerRange == nil {
		r := trainer.DefaultPowerRange
		caps.PowerRange = &r
	}
	a.mu.Lock()
	a.deviceID = deviceID
	a.caps = caps
	a.sentinelSent = false
	a.mu.Unlock()

	if _, err := a.state.Fire(trainer.EventSessionReady); err != nil {
		return fmt.Errorf("connect %s: %w", deviceID, err)
	}
	a.logger.Infof("CompanionAdapter: connected to %s", deviceID)
	return nil
}

// Disconnect ends the session and closes the socket without reconnecting.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	a.reconnectEnabled = false
	if a.reconnectTimer != nil {
		a.reconnectTimer.Stop()
		a.reconnectTimer = nil
	}
	conn := a.conn
	hasSession := a.deviceID != ""
	a.mu.Unlock()

	if conn == nil {
		_, _ = a.state.Fire(trainer.EventDisconnected)
		return nil
	}

	if hasSession {
		ctx, cancel := context.WithTimeout(context.Background(), a.opts.RequestTimeout)
		if _, err := a.request(ctx, NewRequest(TypeDisconnect), a.opts.RequestTimeout); err != nil {
			a.logger.Warnf("CompanionAdapter: disconnect not acknowledged: %v", err)
		}
		cancel()
	}

	a.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(a.opts.WriteTimeout))
	a.writeMu.Unlock()

	a.onClose(conn)
	a.logger.Infof("CompanionAdapter: disconnected")
	return nil
}

// Close disconnects and refuses further use.
func (a *Adapter) Close() error {
	err := a.Disconnect()
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.telemetry.Clear()
	return err
}

// command sends a control request that needs a live session.
func (a *Adapter) command(ctx context.Context, msg Message) error {
	if !a.IsConnected() {
		return trainer.ErrNotConnected
	}
	_, err := a.request(ctx, msg, a.opts.RequestTimeout)
	return err
}

// SetErgWatts sets the ERG target, clamped to the trainer's power range.
func (a *Adapter) SetErgWatts(ctx context.Context, watts float64) error {
	a.mu.Lock()
	powerRange := trainer.DefaultPowerRange
	if a.caps != nil && a.caps.PowerRange != nil {
		powerRange = *a.caps.PowerRange
	}
	a.mu.Unlock()

	target := powerRange.Clamp(watts)
	msg := NewRequest(TypeSetErg)
	msg.Watts = &target
	if err := a.command(ctx, msg); err != nil {
		return err
	}

	// The companion owns the control handshake; an ack implies control.
	if a.state.Current() == trainer.StatusReady {
		if _, err := a.state.Fire(trainer.EventControlGranted); err != nil {
			return err
		}
	}
	if _, err := a.state.Fire(trainer.EventErgAcknowledged); err != nil {
		return err
	}
	return nil
}

func (a *Adapter) SetResistance(ctx context.Context, level float64) error {
	msg := NewRequest(TypeSetResistance)
	msg.Level = &level
	return a.command(ctx, msg)
}

func (a *Adapter) SetSlope(ctx context.Context, grade float64) error {
	msg := NewRequest(TypeSetSlope)
	msg.Grade = &grade
	return a.command(ctx, msg)
}

func (a *Adapter) Start(ctx context.Context) error {
	return a.command(ctx, NewRequest(TypeStart))
}

func (a *Adapter) RequestControl(ctx context.Context) error {
	if err := a.command(ctx, NewRequest(TypeRequestControl)); err != nil {
		var remote *RemoteError
		if errors.As(err, &remote) {
			return fmt.Errorf("%w: %w", trainer.ErrControlNotGranted, err)
		}
		return err
	}
	_, err := a.state.Fire(trainer.EventControlGranted)
	return err
}
