package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lowaak/smart-trainer/trainer-connect/internal/events"
	"github.com/lowaak/smart-trainer/trainer-connect/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/trainer-connect/internal/trainer"
)

// DefaultErgDebounce coalesces rapid target changes into one write.
const DefaultErgDebounce = 200 * time.Millisecond

// State is the observable projection of one adapter.
type State struct {
	Devices         []trainer.DeviceInfo
	ConnectedDevice *trainer.DeviceInfo
	// Telemetry is the most recent sample, including the terminal sentinel.
	Telemetry    *trainer.Telemetry
	Capabilities *trainer.Capabilities
	Status       trainer.Status
	// Error is the message of the most recent failed operation, cleared by
	// the next successful one.
	Error string
}

func (s State) clone() State {
	out := s
	out.Devices = append([]trainer.DeviceInfo(nil), s.Devices...)
	if s.ConnectedDevice != nil {
		d := *s.ConnectedDevice
		out.ConnectedDevice = &d
	}
	if s.Telemetry != nil {
		t := *s.Telemetry
		out.Telemetry = &t
	}
	out.Capabilities = s.Capabilities.Clone()
	return out
}

// Options tunes a Client.
type Options struct {
	ErgDebounce time.Duration
}

// DefaultOptions returns the production debounce window.
func DefaultOptions() Options {
	return Options{ErgDebounce: DefaultErgDebounce}
}

// ergBatch collects the SetErgWatts calls that coalesce into one write.
type ergBatch struct {
	watts float64
	done  chan struct{}
	err   error
}

// Client wraps one adapter for the lifetime of its owner. It mirrors every
// sample and status change into State, records failures in State.Error and
// debounces SetErgWatts.
type Client struct {
	adapter trainer.Adapter
	logger  logrus.FieldLogger
	opts    Options
	changes *events.Channels[State]

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	ergTimer *time.Timer
	ergBatch *ergBatch
	closed   bool

	unsubscribeTelemetry func()
	unsubscribeState     func()
}

// New wraps adapter. Call Close when done.
func New(adapter trainer.Adapter, logger logrus.FieldLogger, opts Options) *Client {
	if adapter == nil {
		panic("TrainerClient: adapter cannot be nil")
	}
	if logger == nil {
		panic("TrainerClient: logger cannot be nil")
	}
	if opts.ErgDebounce <= 0 {
		opts.ErgDebounce = DefaultErgDebounce
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		adapter: adapter,
		logger:  logger.WithFields(logrus.Fields{"component": "client", "transport": adapter.Transport()}),
		opts:    opts,
		changes: events.NewChannels[State](true),
		ctx:     ctx,
		cancel:  cancel,
		state:   State{Status: adapter.State()},
	}
	c.unsubscribeTelemetry = adapter.SubscribeTelemetry(c.onTelemetry)
	c.unsubscribeState = adapter.SubscribeState(c.onStatus)
	c.changes.Notify(c.state.clone())
	return c
}

// Adapter returns the wrapped adapter.
func (c *Client) Adapter() trainer.Adapter {
	return c.adapter
}

// State returns a snapshot of the current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// Listen registers ch for state snapshots. The current state is delivered
// immediately. Returns a deregistration function.
func (c *Client) Listen(ch chan<- State) func() {
	return c.changes.Listen(ch)
}

// update applies fn to the state and publishes the result.
func (c *Client) update(fn func(s *State)) {
	c.mu.Lock()
	fn(&c.state)
	snapshot := c.state.clone()
	c.mu.Unlock()
	c.changes.Notify(snapshot)
}

func (c *Client) onTelemetry(t trainer.Telemetry) {
	var caps *trainer.Capabilities
	if t.Connected {
		caps = c.adapter.Capabilities()
	}
	c.update(func(s *State) {
		s.Telemetry = &t
		if !t.Connected {
			s.ConnectedDevice = nil
			s.Capabilities = nil
			return
		}
		if caps != nil {
			s.Capabilities = caps
		}
	})
}

func (c *Client) onStatus(status trainer.Status) {
	c.update(func(s *State) {
		s.Status = status
	})
}

// fail records err and returns it unchanged.
func (c *Client) fail(op string, err error) error {
	c.logger.Warnf("TrainerClient: %s failed: %v", op, err)
	status := c.adapter.State()
	c.update(func(s *State) {
		s.Error = err.Error()
		s.Status = status
	})
	return err
}

func (c *Client) clearError() {
	c.update(func(s *State) {
		s.Error = ""
	})
}

// Scan runs a scan and publishes its result as the device list.
func (c *Client) Scan(ctx context.Context) ([]trainer.DeviceInfo, error) {
	devices, err := c.adapter.Scan(ctx)
	if err != nil {
		return nil, c.fail("scan", err)
	}
	c.update(func(s *State) {
		s.Devices = append([]trainer.DeviceInfo(nil), devices...)
		s.Error = ""
	})
	return devices, nil
}

func (c *Client) Connect(ctx context.Context, deviceID string) error {
	if err := c.adapter.Connect(ctx, deviceID); err != nil {
		return c.fail("connect", err)
	}
	caps := c.adapter.Capabilities()
	connected := c.adapter.IsConnected()
	c.update(func(s *State) {
		s.Error = ""
		if !connected {
			return
		}
		device := trainer.DeviceInfo{ID: deviceID, Transport: c.adapter.Transport()}
		for _, d := range s.Devices {
			if d.ID == deviceID {
				device = d
				break
			}
		}
		s.ConnectedDevice = &device
		s.Capabilities = caps
	})
	return nil
}

// Disconnect drops any debounced target and ends the session.
func (c *Client) Disconnect() error {
	c.cancelErg(trainer.ErrNotConnected)
	if err := c.adapter.Disconnect(); err != nil {
		return c.fail("disconnect", err)
	}
	c.update(func(s *State) {
		s.ConnectedDevice = nil
		s.Capabilities = nil
		s.Error = ""
	})
	return nil
}

// SetErgWatts schedules an ERG target. Calls made within the debounce window
// of each other coalesce: only the last value is written, once the window
// has passed since the last call. Every coalesced caller receives the result
// of that one write. A caller whose ctx ends stops waiting; the write still
// happens.
func (c *Client) SetErgWatts(ctx context.Context, watts float64) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return trainer.ErrAdapterClosed
	}
	batch := c.ergBatch
	if batch == nil {
		batch = &ergBatch{done: make(chan struct{})}
		c.ergBatch = batch
	}
	batch.watts = watts
	if c.ergTimer != nil {
		c.ergTimer.Stop()
	}
	c.ergTimer = time.AfterFunc(c.opts.ErgDebounce, func() { c.flushErg(batch) })
	c.mu.Unlock()

	select {
	case <-batch.done:
		return batch.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) flushErg(batch *ergBatch) {
	c.mu.Lock()
	if c.ergBatch != batch {
		// Cancelled, or already flushed by an earlier timer.
		c.mu.Unlock()
		return
	}
	c.ergBatch = nil
	c.ergTimer = nil
	watts := batch.watts
	c.mu.Unlock()

	err := c.adapter.SetErgWatts(c.ctx, watts)
	if err != nil {
		batch.err = c.fail("setErgWatts", err)
	} else {
		c.logger.Debugf("TrainerClient: ERG target %.0f W", watts)
		c.clearError()
	}
	close(batch.done)
}

// cancelErg drops a pending debounced write, failing its callers with err.
func (c *Client) cancelErg(err error) {
	c.mu.Lock()
	batch := c.ergBatch
	c.ergBatch = nil
	if c.ergTimer != nil {
		c.ergTimer.Stop()
		c.ergTimer = nil
	}
	c.mu.Unlock()

	if batch != nil {
		batch.err = err
		close(batch.done)
	}
}

func (c *Client) SetResistance(ctx context.Context, level float64) error {
	setter, ok := c.adapter.(trainer.ResistanceSetter)
	if !ok {
		return c.fail("setResistance", trainer.ErrUnsupported)
	}
	return c.run("setResistance", func() error { return setter.SetResistance(ctx, level) })
}

func (c *Client) SetSlope(ctx context.Context, grade float64) error {
	setter, ok := c.adapter.(trainer.SlopeSetter)
	if !ok {
		return c.fail("setSlope", trainer.ErrUnsupported)
	}
	return c.run("setSlope", func() error { return setter.SetSlope(ctx, grade) })
}

func (c *Client) RequestControl(ctx context.Context) error {
	requester, ok := c.adapter.(trainer.ControlRequester)
	if !ok {
		return c.fail("requestControl", trainer.ErrUnsupported)
	}
	return c.run("requestControl", func() error { return requester.RequestControl(ctx) })
}

func (c *Client) Start(ctx context.Context) error {
	starter, ok := c.adapter.(trainer.Starter)
	if !ok {
		return c.fail("start", trainer.ErrUnsupported)
	}
	return c.run("start", func() error { return starter.Start(ctx) })
}

func (c *Client) run(op string, fn func() error) error {
	if err := fn(); err != nil {
		return c.fail(op, err)
	}
	c.clearError()
	return nil
}

// Close cancels a pending debounced write, unsubscribes from the adapter and
// closes it when it supports closing.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancelErg(trainer.ErrAdapterClosed)
	c.cancel()
	c.unsubscribeTelemetry()
	c.unsubscribeState()

	var err error
	if closer, ok := c.adapter.(interface{ Close() error }); ok {
		err = closer.Close()
	} else {
		err = c.adapter.Disconnect()
	}
	if err != nil && !errors.Is(err, trainer.ErrAdapterClosed) {
		return err
	}
	return nil
}

// Watch delivers state snapshots to fn on its own goroutine until ctx ends.
func (c *Client) Watch(ctx context.Context, fn func(State)) {
	ch := make(chan State, 16)
	unregister := c.Listen(ch)
	go_func_utils.SafeGo(c.logger, func() {
		defer unregister()
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-ch:
				fn(s)
			}
		}
	})
}
