package antfec

import (
	"context"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/trainer-connect/internal/trainer"
)

func TestAdapter_IsPermanentlyDisconnected(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	a := New("ws://localhost:8766", logger)
	ctx := context.Background()

	assert.Equal(t, trainer.TransportANTFEC, a.Transport())
	assert.Equal(t, "ws://localhost:8766", a.BridgeURL())

	devices, err := a.Scan(ctx)
	require.NoError(t, err)
	assert.NotNil(t, devices)
	assert.Empty(t, devices)

	assert.ErrorIs(t, a.Connect(ctx, "fe-c-1"), trainer.ErrNotImplemented)
	assert.ErrorIs(t, a.SetErgWatts(ctx, 200), trainer.ErrNotImplemented)
	assert.NoError(t, a.Disconnect())
	assert.False(t, a.IsConnected())
	assert.Nil(t, a.Capabilities())
	assert.Equal(t, trainer.StatusDisconnected, a.State())
}

func TestAdapter_SubscriptionsAreInert(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	a := New("", logger)

	called := false
	unsubscribe := a.SubscribeTelemetry(func(trainer.Telemetry) { called = true })
	unsubscribeState := a.SubscribeState(func(trainer.Status) { called = true })
	_ = a.Connect(context.Background(), "x")
	_ = a.Disconnect()
	unsubscribe()
	unsubscribeState()

	assert.False(t, called)
}

func TestNew_NilLoggerPanics(t *testing.T) {
	assert.Panics(t, func() { New("", nil) })
}
