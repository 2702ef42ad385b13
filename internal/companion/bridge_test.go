package companion

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/trainer-connect/internal/bt/btsim"
	"github.com/lowaak/smart-trainer/trainer-connect/internal/ftmsble"
	"github.com/lowaak/smart-trainer/trainer-connect/internal/trainer"
)

const bridgeSimAddress = "00:11:22:33:44:10"

type bridgeFixture struct {
	device  *btsim.Device
	trainer *ftmsble.Adapter
	bridge  *Bridge
	server  *httptest.Server
}

func newBridgeFixture(t *testing.T, profile btsim.Profile) *bridgeFixture {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	device := btsim.NewDevice(logger, btsim.Config{Address: bridgeSimAddress, Profile: profile})
	manager := btsim.NewManager(logger, device)
	require.NoError(t, manager.Enable())

	ble := ftmsble.New(manager, logger, ftmsble.Options{
		ScanDuration:    10 * time.Millisecond,
		ControlSettle:   10 * time.Millisecond,
		ResponseTimeout: 200 * time.Millisecond,
		FECSettle:       10 * time.Millisecond,
		Reconnect:       trainer.ReconnectPolicy{Base: 5 * time.Millisecond, Max: 20 * time.Millisecond, MaxAttempts: 2},
	})
	bridge := NewBridge(ble, logger)
	server := httptest.NewServer(bridge)
	t.Cleanup(func() {
		server.Close()
		_ = ble.Close()
		manager.Shutdown()
	})
	return &bridgeFixture{device: device, trainer: ble, bridge: bridge, server: server}
}

func (f *bridgeFixture) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func TestBridge_EndToEnd(t *testing.T) {
	f := newBridgeFixture(t, btsim.ProfileFTMS)
	client, rec, _ := newTestAdapter(t, f.url())
	ctx := context.Background()

	devices, err := client.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, bridgeSimAddress, devices[0].ID)
	assert.Equal(t, trainer.TransportCompanion, devices[0].Transport)

	require.NoError(t, client.Connect(ctx, devices[0].ID))
	assert.Equal(t, trainer.StatusReady, client.State())
	assert.Equal(t, trainer.StatusControlled, f.trainer.State())
	caps := client.Capabilities()
	require.NotNil(t, caps)
	assert.True(t, caps.ERG)
	assert.Equal(t, 1, f.bridge.ClientCount())

	require.NoError(t, client.SetErgWatts(ctx, 250))
	assert.Equal(t, trainer.StatusErgActive, client.State())
	target, ok := f.device.TargetPower()
	require.True(t, ok)
	assert.Equal(t, 250.0, target)

	f.device.SetRide(btsim.Ride{Power: 250, Cadence: 90, SpeedKmh: 32})
	f.device.NotifyRide()
	require.Eventually(t, func() bool {
		for _, s := range rec.all() {
			if s.Connected && s.Power != nil && *s.Power == 250 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, client.SetSlope(ctx, 2.5))
	require.NoError(t, client.SetResistance(ctx, 20))

	require.NoError(t, client.Disconnect())
	require.Eventually(t, func() bool { return !f.trainer.IsConnected() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, trainer.StatusDisconnected, client.State())
	assert.Equal(t, 1, rec.sentinels())
}

func TestBridge_ForwardsAdapterErrors(t *testing.T) {
	f := newBridgeFixture(t, btsim.ProfileFTMS)
	client, _, _ := newTestAdapter(t, f.url())
	ctx := context.Background()

	err := client.Connect(ctx, "AA:BB:CC:DD:EE:FF")
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, TypeConnect, remote.Op)
	assert.Equal(t, trainer.StatusError, client.State())
}

func TestBridge_RejectsMalformedFrames(t *testing.T) {
	f := newBridgeFixture(t, btsim.ProfileFTMS)
	conn, _, err := websocket.DefaultDialer.Dial(f.url(), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"reboot","requestId":"x"}`)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, TypeError, msg.Type)

	// setErg without a session is answered with a negative ack.
	require.NoError(t, conn.WriteJSON(Message{Type: TypeSetErg, RequestID: "r1", Watts: trainer.Float(100)}))
	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	msg, err = DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, "r1", msg.RequestID)
	assert.Error(t, msg.Err(TypeSetErg))
}

func TestBridge_ClientGoneUnsubscribes(t *testing.T) {
	f := newBridgeFixture(t, btsim.ProfileFTMS)
	conn, _, err := websocket.DefaultDialer.Dial(f.url(), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.bridge.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()
	require.Eventually(t, func() bool { return f.bridge.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}
