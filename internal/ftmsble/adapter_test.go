package ftmsble

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/trainer-connect/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-connect/internal/bt/btsim"
	"github.com/lowaak/smart-trainer/trainer-connect/internal/ftms"
	"github.com/lowaak/smart-trainer/trainer-connect/internal/trainer"
)

const simAddress = "00:11:22:33:44:02"

func testOptions() Options {
	return Options{
		ScanDuration:    10 * time.Millisecond,
		ControlSettle:   10 * time.Millisecond,
		ResponseTimeout: 100 * time.Millisecond,
		FECSettle:       10 * time.Millisecond,
		Reconnect: trainer.ReconnectPolicy{
			Base:        5 * time.Millisecond,
			Max:         20 * time.Millisecond,
			MaxAttempts: 3,
		},
	}
}

type fixture struct {
	adapter *Adapter
	manager *btsim.Manager
	device  *btsim.Device
	logs    *logtest.Hook

	mu      sync.Mutex
	samples []trainer.Telemetry
	states  []trainer.Status
}

func newFixture(t *testing.T, config btsim.Config) *fixture {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	if config.Address == "" {
		config.Address = simAddress
	}
	device := btsim.NewDevice(logger, config)
	manager := btsim.NewManager(logger, device)
	require.NoError(t, manager.Enable())

	f := &fixture{
		adapter: New(manager, logger, testOptions()),
		manager: manager,
		device:  device,
		logs:    hook,
	}
	f.adapter.SubscribeTelemetry(func(s trainer.Telemetry) {
		f.mu.Lock()
		f.samples = append(f.samples, s)
		f.mu.Unlock()
	})
	f.adapter.SubscribeState(func(s trainer.Status) {
		f.mu.Lock()
		f.states = append(f.states, s)
		f.mu.Unlock()
	})
	t.Cleanup(func() {
		_ = f.adapter.Close()
		manager.Shutdown()
	})
	return f
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()
	devices, err := f.adapter.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.NoError(t, f.adapter.Connect(context.Background(), devices[0].ID))
}

func (f *fixture) telemetry() []trainer.Telemetry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]trainer.Telemetry(nil), f.samples...)
}

func (f *fixture) stateHistory() []trainer.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]trainer.Status(nil), f.states...)
}

func (f *fixture) sentinels() int {
	n := 0
	for _, s := range f.telemetry() {
		if !s.Connected {
			n++
		}
	}
	return n
}

func TestAdapter_EndToEnd(t *testing.T) {
	f := newFixture(t, btsim.Config{Profile: btsim.ProfileFTMS})
	ctx := context.Background()

	devices, err := f.adapter.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, simAddress, devices[0].ID)
	assert.Equal(t, trainer.TransportFTMSBLE, devices[0].Transport)
	assert.Equal(t, trainer.StatusDisconnected, f.adapter.State())

	require.NoError(t, f.adapter.Connect(ctx, devices[0].ID))
	assert.True(t, f.adapter.IsConnected())
	assert.Equal(t, []trainer.Status{
		trainer.StatusConnecting,
		trainer.StatusReady,
		trainer.StatusControlled,
	}, f.stateHistory())

	require.NoError(t, f.adapter.SetErgWatts(ctx, 250))
	assert.Equal(t, trainer.StatusErgActive, f.adapter.State())
	target, ok := f.device.TargetPower()
	require.True(t, ok)
	assert.Equal(t, 250.0, target)

	require.NoError(t, f.adapter.Disconnect())
	assert.Equal(t, trainer.StatusDisconnected, f.adapter.State())
	assert.False(t, f.adapter.IsConnected())
	assert.Nil(t, f.adapter.Capabilities())

	samples := f.telemetry()
	require.Len(t, samples, 1)
	assert.False(t, samples[0].Connected)
	assert.False(t, samples[0].HasData())
}

func TestAdapter_Connect_ReadsFTMSCapabilities(t *testing.T) {
	f := newFixture(t, btsim.Config{
		Profile:    btsim.ProfileFTMS,
		PowerRange: ftms.PowerRange{Min: 25, Max: 1500, Increment: 1},
		Features: ftms.Features{
			Machine: ftms.MachineFeaturePowerMeasure | ftms.MachineFeatureCadence,
			Target:  ftms.TargetPower | ftms.TargetIndoorBikeSim,
		},
	})
	f.connect(t)

	caps := f.adapter.Capabilities()
	require.NotNil(t, caps)
	assert.True(t, caps.ERG)
	assert.False(t, caps.Resistance)
	assert.True(t, caps.Slope)
	assert.True(t, caps.SupportsControlPoint)
	assert.Equal(t, trainer.TelemetryAvailability{Power: true, Cadence: true, Speed: true}, caps.Telemetry)
	assert.Equal(t, &trainer.Range{Min: 25, Max: 1500}, caps.PowerRange)
}

func TestAdapter_Connect_ReadsCompactFeatureFrame(t *testing.T) {
	f := newFixture(t, btsim.Config{
		Profile:         btsim.ProfileFTMS,
		CompactFeatures: true,
		Features:        ftms.Features{Target: ftms.TargetPower | ftms.TargetResistance},
	})
	f.connect(t)

	caps := f.adapter.Capabilities()
	require.NotNil(t, caps)
	assert.True(t, caps.ERG)
	assert.True(t, caps.Resistance)
	assert.False(t, caps.Slope)
	assert.Equal(t, trainer.TelemetryAvailability{Speed: true}, caps.Telemetry)
}

func TestAdapter_Connect_FeatureReadFailureFallsBack(t *testing.T) {
	f := newFixture(t, btsim.Config{Profile: btsim.ProfileFTMS, FailFeatureReads: true})
	f.connect(t)

	caps := f.adapter.Capabilities()
	require.NotNil(t, caps)
	assert.True(t, caps.ERG, "ERG follows the control point when features are unreadable")
	assert.Equal(t, &trainer.DefaultPowerRange, caps.PowerRange)
	assert.Equal(t, trainer.StatusControlled, f.adapter.State())
}

func TestAdapter_Connect_CyclingPowerFallback(t *testing.T) {
	f := newFixture(t, btsim.Config{Profile: btsim.ProfileCyclingPower})
	f.connect(t)

	assert.Equal(t, trainer.StatusReady, f.adapter.State())
	caps := f.adapter.Capabilities()
	require.NotNil(t, caps)
	assert.Equal(t, trainer.TelemetryAvailability{Power: true}, caps.Telemetry)
	assert.False(t, caps.ERG)

	require.True(t, f.device.Emit(ftms.CharUUIDCyclingPowerMeasurement, ftms.EncodeCyclingPowerMeasurement(180)))
	samples := f.telemetry()
	require.Len(t, samples, 1)
	require.NotNil(t, samples[0].Power)
	assert.Equal(t, 180.0, *samples[0].Power)
	assert.Nil(t, samples[0].Cadence)

	assert.ErrorIs(t, f.adapter.SetErgWatts(context.Background(), 200), trainer.ErrNoControlPoint)
}

func TestAdapter_FECOverCyclingPower_SetsErg(t *testing.T) {
	f := newFixture(t, btsim.Config{Profile: btsim.ProfileCyclingPower, VendorControl: true})
	f.connect(t)
	require.True(t, f.adapter.Capabilities().ERG)
	assert.Equal(t, trainer.StatusReady, f.adapter.State())

	require.NoError(t, f.adapter.SetErgWatts(context.Background(), 200))
	assert.Equal(t, trainer.StatusErgActive, f.adapter.State())

	frames := f.device.WritesTo(ftms.CharUUIDCyclingPowerControlPoint)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{0x31, 200, 0, 0, 0, 0}, frames[0])
}

func TestAdapter_SpeedCadenceFallback_DerivesFromRevolutions(t *testing.T) {
	f := newFixture(t, btsim.Config{Profile: btsim.ProfileSpeedCadence, VendorControl: true})
	f.connect(t)

	caps := f.adapter.Capabilities()
	require.NotNil(t, caps)
	assert.True(t, caps.ERG)
	assert.False(t, caps.Telemetry.Power)

	first := ftms.EncodeCSCMeasurement(ftms.CSCMeasurement{
		HasWheel: true, WheelRevs: 100, WheelEventTime: 0,
		HasCrank: true, CrankRevs: 50, CrankEventTime: 0,
	})
	second := ftms.EncodeCSCMeasurement(ftms.CSCMeasurement{
		HasWheel: true, WheelRevs: 104, WheelEventTime: 1024,
		HasCrank: true, CrankRevs: 51, CrankEventTime: 1024,
	})
	f.device.Emit(ftms.CharUUIDCSCMeasurement, first)
	assert.Empty(t, f.telemetry(), "a single sample carries no rate")

	f.device.Emit(ftms.CharUUIDCSCMeasurement, second)
	samples := f.telemetry()
	require.Len(t, samples, 1)
	require.NotNil(t, samples[0].Speed)
	require.NotNil(t, samples[0].Cadence)
	assert.InDelta(t, 4*2.1*3.6, *samples[0].Speed, 0.001)
	assert.InDelta(t, 60.0, *samples[0].Cadence, 0.001)

	require.NoError(t, f.adapter.SetErgWatts(context.Background(), 150))
	frames := f.device.WritesTo(ftms.CharUUIDFECWrite)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{0x31, 150, 0, 0, 0, 0}, frames[0])
}

func TestAdapter_Connect_NoUsableService(t *testing.T) {
	f := newFixture(t, btsim.Config{Profile: btsim.ProfileHeartRate})
	_, err := f.manager.Scan(context.Background(), nil, 0)
	require.NoError(t, err)

	err = f.adapter.Connect(context.Background(), simAddress)
	require.ErrorIs(t, err, trainer.ErrNoUsableService)
	assert.Equal(t, trainer.StatusError, f.adapter.State())
	assert.False(t, f.device.IsConnected())
	assert.Zero(t, f.sentinels())

	// No automatic retry after a failed setup.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.manager.ConnectCount())
}

func TestAdapter_Connect_UnknownDeviceRescans(t *testing.T) {
	f := newFixture(t, btsim.Config{Profile: btsim.ProfileFTMS})

	require.NoError(t, f.adapter.Connect(context.Background(), simAddress))
	assert.Equal(t, 1, f.manager.ScanCount())
	assert.Equal(t, trainer.StatusControlled, f.adapter.State())
}

func TestAdapter_Connect_DeviceGone(t *testing.T) {
	f := newFixture(t, btsim.Config{Profile: btsim.ProfileFTMS})

	err := f.adapter.Connect(context.Background(), "FF:FF:FF:FF:FF:FF")
	require.ErrorIs(t, err, trainer.ErrUnknownDevice)
	assert.ErrorIs(t, err, bt.ErrUnknownAddress)
	assert.Equal(t, 1, f.manager.ScanCount())
	assert.Equal(t, trainer.StatusError, f.adapter.State())
	assert.Zero(t, f.sentinels())
}

func TestAdapter_Connect_WhileConnectedIsIgnored(t *testing.T) {
	f := newFixture(t, btsim.Config{Profile: btsim.ProfileFTMS})
	f.connect(t)
	connects := f.manager.ConnectCount()

	require.NoError(t, f.adapter.Connect(context.Background(), simAddress))
	assert.Equal(t, connects, f.manager.ConnectCount())
	assert.Equal(t, trainer.StatusControlled, f.adapter.State())
}

func TestAdapter_RequestControl_Denied(t *testing.T) {
	f := newFixture(t, btsim.Config{Profile: btsim.ProfileFTMS, Control: btsim.ControlDeny})
	f.connect(t)
	assert.Equal(t, trainer.StatusReady, f.adapter.State())

	err := f.adapter.RequestControl(context.Background())
	require.ErrorIs(t, err, trainer.ErrControlNotGranted)
	var cpErr *ftms.ControlPointError
	require.True(t, errors.As(err, &cpErr))
	assert.Equal(t, ftms.ResultControlNotPermitted, cpErr.Code)
	assert.Contains(t, err.Error(), "control not permitted")

	err = f.adapter.SetErgWatts(context.Background(), 200)
	assert.ErrorIs(t, err, trainer.ErrControlNotGranted)
	// The automatic and the explicit request, no target power.
	assert.Equal(t, [][]byte{ftms.EncodeRequestControl(), ftms.EncodeRequestControl()},
		f.device.WritesTo(ftms.CharUUIDFTMSControlPoint))
}

func TestAdapter_RequestControl_Timeout(t *testing.T) {
	f := newFixture(t, btsim.Config{Profile: btsim.ProfileFTMS, Control: btsim.ControlSilent})
	f.connect(t)
	assert.Equal(t, trainer.StatusReady, f.adapter.State())

	err := f.adapter.RequestControl(context.Background())
	assert.ErrorIs(t, err, trainer.ErrControlNotGranted)
	assert.ErrorIs(t, err, trainer.ErrTimeout)
	// Timeouts never tear the session down.
	assert.True(t, f.adapter.IsConnected())
}

func TestAdapter_SetErgWatts_ClampsToPowerRange(t *testing.T) {
	f := newFixture(t, btsim.Config{
		Profile:    btsim.ProfileFTMS,
		PowerRange: ftms.PowerRange{Min: 0, Max: 400, Increment: 1},
	})
	f.connect(t)

	require.NoError(t, f.adapter.SetErgWatts(context.Background(), 1000))
	target, ok := f.device.TargetPower()
	require.True(t, ok)
	assert.Equal(t, 400.0, target)
}

func TestAdapter_SetErgWatts_NotConnected(t *testing.T) {
	f := newFixture(t, btsim.Config{Profile: btsim.ProfileFTMS})
	assert.ErrorIs(t, f.adapter.SetErgWatts(context.Background(), 100), trainer.ErrNotConnected)
}

func TestAdapter_ResistanceSlopeAndStart(t *testing.T) {
	f := newFixture(t, btsim.Config{Profile: btsim.ProfileFTMS})
	f.connect(t)
	ctx := context.Background()

	require.NoError(t, f.adapter.SetResistance(ctx, 12.5))
	require.NoError(t, f.adapter.SetSlope(ctx, 4.5))
	require.NoError(t, f.adapter.Start(ctx))

	frames := f.device.WritesTo(ftms.CharUUIDFTMSControlPoint)
	require.Len(t, frames, 4)
	assert.Equal(t, ftms.EncodeRequestControl(), frames[0])
	assert.Equal(t, ftms.EncodeSetTargetResistance(12.5), frames[1])
	assert.Equal(t, ftms.EncodeIndoorBikeSimulation(4.5), frames[2])
	assert.Equal(t, ftms.EncodeStartOrResume(), frames[3])
}

func TestAdapter_SetResistance_UnsupportedFeature(t *testing.T) {
	f := newFixture(t, btsim.Config{
		Profile:  btsim.ProfileFTMS,
		Features: ftms.Features{Target: ftms.TargetPower},
	})
	f.connect(t)
	assert.ErrorIs(t, f.adapter.SetResistance(context.Background(), 10), trainer.ErrUnsupported)
}

func TestAdapter_Telemetry_RaisesAvailability(t *testing.T) {
	f := newFixture(t, btsim.Config{
		Profile:  btsim.ProfileFTMS,
		Features: ftms.Features{Target: ftms.TargetPower},
	})
	f.connect(t)
	require.False(t, f.adapter.Capabilities().Telemetry.Power)

	power, cadence := 250.0, 90.0
	f.device.Emit(ftms.CharUUIDIndoorBikeData, ftms.EncodeIndoorBikeData(ftms.IndoorBikeData{
		Power:   &power,
		Cadence: &cadence,
	}))

	caps := f.adapter.Capabilities()
	assert.True(t, caps.Telemetry.Power)
	assert.True(t, caps.Telemetry.Cadence)
	assert.False(t, caps.Telemetry.HR)

	samples := f.telemetry()
	require.Len(t, samples, 1)
	assert.True(t, samples[0].Connected)
	assert.Equal(t, 250.0, *samples[0].Power)
	assert.Equal(t, 90.0, *samples[0].Cadence)
}

func TestAdapter_MalformedControlFrameIsIgnored(t *testing.T) {
	f := newFixture(t, btsim.Config{Profile: btsim.ProfileFTMS})
	f.connect(t)

	require.NotPanics(t, func() {
		f.device.Emit(ftms.CharUUIDFTMSControlPoint, []byte{0x80, 0x05})
		f.device.Emit(ftms.CharUUIDFTMSControlPoint, []byte{0x01, 0x05, 0x01})
	})
	assert.Equal(t, trainer.StatusControlled, f.adapter.State())
	assert.True(t, f.adapter.IsConnected())

	warnings := 0
	for _, e := range f.logs.AllEntries() {
		if e.Level == logrus.WarnLevel && strings.Contains(e.Message, "malformed control point frame") {
			warnings++
		}
	}
	assert.Equal(t, 2, warnings)
}

func TestAdapter_LinkLoss_Reconnects(t *testing.T) {
	f := newFixture(t, btsim.Config{Profile: btsim.ProfileFTMS})
	f.connect(t)
	require.NoError(t, f.adapter.SetErgWatts(context.Background(), 200))

	f.manager.DropLink(simAddress)

	assert.Equal(t, 1, f.sentinels())
	assert.Contains(t, f.stateHistory(), trainer.StatusDisconnected)
	require.Eventually(t, func() bool {
		return f.adapter.State() == trainer.StatusControlled
	}, time.Second, 5*time.Millisecond)
	assert.True(t, f.adapter.IsConnected())
	assert.Equal(t, 1, f.sentinels())
}

func TestAdapter_LinkLoss_GivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, btsim.Config{Profile: btsim.ProfileFTMS})
	f.connect(t)

	f.device.SetReachable(false)
	f.manager.DropLink(simAddress)

	require.Eventually(t, func() bool {
		return f.adapter.State() == trainer.StatusError && f.manager.ConnectCount() == 1+testOptions().Reconnect.MaxAttempts
	}, time.Second, 5*time.Millisecond)

	// Failed attempts settle to disconnected; error is entered once, at the end.
	history := f.stateHistory()
	require.NotEmpty(t, history)
	assert.Equal(t, trainer.StatusError, history[len(history)-1])
	assert.NotContains(t, history[:len(history)-1], trainer.StatusError)

	// Exhaustion is permanent.
	f.device.SetReachable(true)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, trainer.StatusError, f.adapter.State())
	assert.Equal(t, 1+testOptions().Reconnect.MaxAttempts, f.manager.ConnectCount())
	assert.Equal(t, 1, f.sentinels())
}

func TestAdapter_Disconnect_CancelsReconnection(t *testing.T) {
	f := newFixture(t, btsim.Config{Profile: btsim.ProfileFTMS})
	f.connect(t)

	f.device.SetReachable(false)
	f.manager.DropLink(simAddress)
	require.NoError(t, f.adapter.Disconnect())

	assert.Never(t, func() bool {
		return f.adapter.State() == trainer.StatusError
	}, 100*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, trainer.StatusDisconnected, f.adapter.State())
	assert.Equal(t, 1, f.sentinels())
}

// gatedManager holds Connect until release is closed.
type gatedManager struct {
	*btsim.Manager
	entered chan struct{}
	release chan struct{}
}

func (m *gatedManager) Connect(ctx context.Context, address string) (bt.BTDevice, error) {
	close(m.entered)
	<-m.release
	return m.Manager.Connect(context.Background(), address)
}

func TestAdapter_DisconnectDuringConnect_ReleasesLink(t *testing.T) {
	f := newFixture(t, btsim.Config{Profile: btsim.ProfileFTMS})
	gated := &gatedManager{
		Manager: f.manager,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	logger, _ := logtest.NewNullLogger()
	adapter := New(gated, logger, testOptions())
	t.Cleanup(func() { _ = adapter.Close() })

	var sentinels atomic.Int32
	adapter.SubscribeTelemetry(func(s trainer.Telemetry) {
		if !s.Connected {
			sentinels.Add(1)
		}
	})
	_, err := adapter.Scan(context.Background())
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- adapter.Connect(context.Background(), simAddress) }()

	<-gated.entered
	require.NoError(t, adapter.Disconnect())
	close(gated.release)

	select {
	case err = <-errc:
	case <-time.After(time.Second):
		t.Fatal("connect did not return")
	}
	require.ErrorIs(t, err, trainer.ErrNotConnected)
	assert.Equal(t, trainer.StatusDisconnected, adapter.State())
	assert.False(t, adapter.IsConnected())
	assert.False(t, f.device.IsConnected())
	assert.Nil(t, adapter.Capabilities())
	assert.Zero(t, sentinels.Load())

	// A later drop of the released link must not start a reconnection.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.manager.ConnectCount())
}

func TestAdapter_SubscriberPanicDoesNotStopDelivery(t *testing.T) {
	f := newFixture(t, btsim.Config{Profile: btsim.ProfileCyclingPower})
	f.adapter.SubscribeTelemetry(func(trainer.Telemetry) { panic("boom") })
	f.connect(t)

	f.device.Emit(ftms.CharUUIDCyclingPowerMeasurement, ftms.EncodeCyclingPowerMeasurement(100))
	assert.Len(t, f.telemetry(), 1)
}
