package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/trainer-connect/internal/antfec"
	"github.com/lowaak/smart-trainer/trainer-connect/internal/events"
	"github.com/lowaak/smart-trainer/trainer-connect/internal/trainer"
)

// fakeAdapter records the frames that would reach a transport.
type fakeAdapter struct {
	state     *trainer.StateMachine
	telemetry *events.Subscribers[trainer.Telemetry]

	mu         sync.Mutex
	connected  bool
	ergWrites  []float64
	connectErr error
	ergErr     error
	closed     bool
}

var _ trainer.Adapter = (*fakeAdapter)(nil)

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		state:     trainer.NewStateMachine(),
		telemetry: events.NewSubscribers[trainer.Telemetry](false),
	}
}

func (f *fakeAdapter) Transport() trainer.Transport { return trainer.TransportCompanion }

func (f *fakeAdapter) Scan(ctx context.Context) ([]trainer.DeviceInfo, error) {
	return []trainer.DeviceInfo{{ID: "dev-1", Name: "Trainer One", Transport: trainer.TransportCompanion}}, nil
}

func (f *fakeAdapter) Connect(ctx context.Context, deviceID string) error {
	if _, err := f.state.Fire(trainer.EventConnect); err != nil {
		return nil
	}
	f.mu.Lock()
	err := f.connectErr
	if err == nil {
		f.connected = true
	}
	f.mu.Unlock()
	if err != nil {
		_, _ = f.state.Fire(trainer.EventFailed)
		return err
	}
	_, _ = f.state.Fire(trainer.EventSessionReady)
	return nil
}

func (f *fakeAdapter) Disconnect() error {
	f.mu.Lock()
	was := f.connected
	f.connected = false
	f.mu.Unlock()
	_, _ = f.state.Fire(trainer.EventDisconnected)
	if was {
		f.telemetry.Publish(trainer.DisconnectedSample())
	}
	return nil
}

func (f *fakeAdapter) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return f.Disconnect()
}

func (f *fakeAdapter) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeAdapter) Capabilities() *trainer.Capabilities {
	if !f.IsConnected() {
		return nil
	}
	return &trainer.Capabilities{ERG: true, PowerRange: &trainer.Range{Min: 0, Max: 1000}}
}

func (f *fakeAdapter) SubscribeTelemetry(cb func(trainer.Telemetry)) func() {
	return f.telemetry.Subscribe(cb)
}

func (f *fakeAdapter) SetErgWatts(ctx context.Context, watts float64) error {
	f.mu.Lock()
	f.ergWrites = append(f.ergWrites, watts)
	err := f.ergErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if f.state.Current() == trainer.StatusReady {
		_, _ = f.state.Fire(trainer.EventControlGranted)
	}
	_, _ = f.state.Fire(trainer.EventErgAcknowledged)
	return nil
}

func (f *fakeAdapter) State() trainer.Status { return f.state.Current() }

func (f *fakeAdapter) SubscribeState(cb func(trainer.Status)) func() {
	return f.state.Subscribe(cb)
}

func (f *fakeAdapter) writes() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.ergWrites...)
}

const testDebounce = 50 * time.Millisecond

func newTestClient(t *testing.T, adapter trainer.Adapter) *Client {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	c := New(adapter, logger, Options{ErgDebounce: testDebounce})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func connectedClient(t *testing.T) (*Client, *fakeAdapter) {
	t.Helper()
	adapter := newFakeAdapter()
	c := newTestClient(t, adapter)
	_, err := c.Scan(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background(), "dev-1"))
	return c, adapter
}

func TestClient_SetErgWatts_Debounces(t *testing.T) {
	c, adapter := connectedClient(t)

	watts := []float64{100, 120, 140, 160, 180}
	errs := make([]error, len(watts))
	var wg sync.WaitGroup
	for i, w := range watts {
		wg.Add(1)
		go func(i int, w float64) {
			defer wg.Done()
			errs[i] = c.SetErgWatts(context.Background(), w)
		}(i, w)
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, []float64{180}, adapter.writes())
	assert.Equal(t, trainer.StatusErgActive, c.State().Status)
}

func TestClient_SetErgWatts_NothingBeforeWindow(t *testing.T) {
	c, adapter := connectedClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), testDebounce/5)
	defer cancel()
	err := c.SetErgWatts(ctx, 200)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, adapter.writes(), "no frame before the window elapses")

	require.Eventually(t, func() bool { return len(adapter.writes()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []float64{200}, adapter.writes())
}

func TestClient_SetErgWatts_SeparateWindows(t *testing.T) {
	c, adapter := connectedClient(t)

	require.NoError(t, c.SetErgWatts(context.Background(), 150))
	require.NoError(t, c.SetErgWatts(context.Background(), 250))
	assert.Equal(t, []float64{150, 250}, adapter.writes())
}

func TestClient_SetErgWatts_FailureIsRecorded(t *testing.T) {
	c, adapter := connectedClient(t)
	adapter.mu.Lock()
	adapter.ergErr = trainer.ErrControlNotGranted
	adapter.mu.Unlock()

	err := c.SetErgWatts(context.Background(), 300)
	assert.ErrorIs(t, err, trainer.ErrControlNotGranted)
	assert.Equal(t, trainer.ErrControlNotGranted.Error(), c.State().Error)

	adapter.mu.Lock()
	adapter.ergErr = nil
	adapter.mu.Unlock()
	require.NoError(t, c.SetErgWatts(context.Background(), 300))
	assert.Empty(t, c.State().Error)
}

func TestClient_Close_CancelsPendingErg(t *testing.T) {
	adapter := newFakeAdapter()
	logger, _ := logtest.NewNullLogger()
	c := New(adapter, logger, Options{ErgDebounce: testDebounce})
	require.NoError(t, c.Connect(context.Background(), "dev-1"))

	result := make(chan error, 1)
	go func() { result <- c.SetErgWatts(context.Background(), 222) }()
	time.Sleep(testDebounce / 5)
	require.NoError(t, c.Close())

	select {
	case err := <-result:
		assert.ErrorIs(t, err, trainer.ErrAdapterClosed)
	case <-time.After(time.Second):
		t.Fatal("pending SetErgWatts was not released by Close")
	}
	time.Sleep(2 * testDebounce)
	assert.Empty(t, adapter.writes())
	assert.True(t, adapter.closed)
	assert.ErrorIs(t, c.SetErgWatts(context.Background(), 100), trainer.ErrAdapterClosed)
}

func TestClient_Disconnect_DropsPendingErg(t *testing.T) {
	c, adapter := connectedClient(t)

	result := make(chan error, 1)
	go func() { result <- c.SetErgWatts(context.Background(), 222) }()
	time.Sleep(testDebounce / 5)
	require.NoError(t, c.Disconnect())

	assert.ErrorIs(t, <-result, trainer.ErrNotConnected)
	time.Sleep(2 * testDebounce)
	assert.Empty(t, adapter.writes())
}

func TestClient_ProjectsSessionState(t *testing.T) {
	c, adapter := connectedClient(t)

	s := c.State()
	assert.Equal(t, trainer.StatusReady, s.Status)
	require.Len(t, s.Devices, 1)
	require.NotNil(t, s.ConnectedDevice)
	assert.Equal(t, "Trainer One", s.ConnectedDevice.Name)
	require.NotNil(t, s.Capabilities)
	assert.True(t, s.Capabilities.ERG)

	adapter.telemetry.Publish(trainer.Telemetry{TS: 10, Power: trainer.Float(205), Connected: true})
	s = c.State()
	require.NotNil(t, s.Telemetry)
	assert.Equal(t, 205.0, *s.Telemetry.Power)

	require.NoError(t, c.Disconnect())
	s = c.State()
	assert.Equal(t, trainer.StatusDisconnected, s.Status)
	assert.Nil(t, s.ConnectedDevice)
	assert.Nil(t, s.Capabilities)
	require.NotNil(t, s.Telemetry)
	assert.False(t, s.Telemetry.Connected)
}

func TestClient_Listen_ReplaysAndStreams(t *testing.T) {
	adapter := newFakeAdapter()
	c := newTestClient(t, adapter)

	ch := make(chan State, 16)
	unregister := c.Listen(ch)
	defer unregister()

	first := <-ch
	assert.Equal(t, trainer.StatusDisconnected, first.Status)

	require.NoError(t, c.Connect(context.Background(), "dev-1"))
	deadline := time.After(time.Second)
	for {
		select {
		case s := <-ch:
			if s.ConnectedDevice != nil {
				assert.Equal(t, "dev-1", s.ConnectedDevice.ID)
				return
			}
		case <-deadline:
			t.Fatal("connected state was not published")
		}
	}
}

func TestClient_Watch(t *testing.T) {
	c, adapter := connectedClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []State
	c.Watch(ctx, func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	adapter.telemetry.Publish(trainer.Telemetry{TS: 11, Cadence: trainer.Float(90), Connected: true})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range seen {
			if s.Telemetry != nil && s.Telemetry.Cadence != nil {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestClient_Connect_FailureIsRecordedAndReturned(t *testing.T) {
	adapter := newFakeAdapter()
	boom := errors.New("trainer refused the connection")
	adapter.connectErr = boom
	c := newTestClient(t, adapter)

	err := c.Connect(context.Background(), "dev-1")
	assert.ErrorIs(t, err, boom)
	s := c.State()
	assert.Equal(t, boom.Error(), s.Error)
	assert.Equal(t, trainer.StatusError, s.Status)
	assert.Nil(t, s.ConnectedDevice)
}

func TestClient_OptionalOperations(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	c := newTestClient(t, antfec.New("", logger))
	ctx := context.Background()

	assert.ErrorIs(t, c.SetSlope(ctx, 1), trainer.ErrUnsupported)
	assert.ErrorIs(t, c.SetResistance(ctx, 1), trainer.ErrUnsupported)
	assert.ErrorIs(t, c.RequestControl(ctx), trainer.ErrUnsupported)
	assert.ErrorIs(t, c.Start(ctx), trainer.ErrUnsupported)
	assert.Equal(t, trainer.ErrUnsupported.Error(), c.State().Error)

	assert.ErrorIs(t, c.Connect(ctx, "x"), trainer.ErrNotImplemented)
	assert.Equal(t, trainer.ErrNotImplemented.Error(), c.State().Error)
}

func TestNew_NilArgumentsPanic(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	assert.Panics(t, func() { New(nil, logger, DefaultOptions()) })
	assert.Panics(t, func() { New(newFakeAdapter(), nil, DefaultOptions()) })
}
