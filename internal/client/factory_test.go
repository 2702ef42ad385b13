package client

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/trainer-connect/internal/antfec"
	"github.com/lowaak/smart-trainer/trainer-connect/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-connect/internal/bt/btsim"
	"github.com/lowaak/smart-trainer/trainer-connect/internal/companion"
	"github.com/lowaak/smart-trainer/trainer-connect/internal/ftmsble"
	"github.com/lowaak/smart-trainer/trainer-connect/internal/trainer"
)

// radioOff is a host whose Bluetooth adapter cannot be enabled.
type radioOff struct {
	bt.BTManagerInterface
}

func (radioOff) Enable() error {
	return errors.New("adapter powered off")
}

func newSimManager(logger logrus.FieldLogger) *btsim.Manager {
	device := btsim.NewDevice(logger, btsim.Config{Address: "00:11:22:33:44:20", Profile: btsim.ProfileFTMS})
	return btsim.NewManager(logger, device)
}

func closeAdapter(t *testing.T, a trainer.Adapter) {
	t.Cleanup(func() {
		if closer, ok := a.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	})
}

func TestNewAdapter_Selection(t *testing.T) {
	logger, _ := logtest.NewNullLogger()

	cases := []struct {
		name      string
		opts      AdapterOptions
		transport trainer.Transport
	}{
		{"ftms preferred", AdapterOptions{Preferred: PreferFTMS, Bluetooth: newSimManager(logger)}, trainer.TransportFTMSBLE},
		{"auto with bluetooth", AdapterOptions{Preferred: PreferAuto, Bluetooth: newSimManager(logger)}, trainer.TransportFTMSBLE},
		{"auto without bluetooth", AdapterOptions{Preferred: PreferAuto}, trainer.TransportCompanion},
		{"auto with radio off", AdapterOptions{Preferred: PreferAuto, Bluetooth: radioOff{}}, trainer.TransportCompanion},
		{"companion preferred", AdapterOptions{Preferred: PreferCompanion, Bluetooth: newSimManager(logger)}, trainer.TransportCompanion},
		{"ant preferred", AdapterOptions{Preferred: PreferANT}, trainer.TransportANTFEC},
		{"unknown preference", AdapterOptions{Preferred: "serial"}, trainer.TransportCompanion},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, err := NewAdapter(tc.opts, logger)
			require.NoError(t, err)
			closeAdapter(t, a)
			assert.Equal(t, tc.transport, a.Transport())
			assert.Equal(t, trainer.StatusDisconnected, a.State())
		})
	}
}

func TestNewAdapter_ConcreteTypes(t *testing.T) {
	logger, _ := logtest.NewNullLogger()

	a, err := NewAdapter(AdapterOptions{Preferred: PreferFTMS, Bluetooth: newSimManager(logger)}, logger)
	require.NoError(t, err)
	closeAdapter(t, a)
	assert.IsType(t, &ftmsble.Adapter{}, a)

	a, err = NewAdapter(AdapterOptions{Preferred: PreferCompanion, CompanionURL: "ws://trainer-host:9000"}, logger)
	require.NoError(t, err)
	closeAdapter(t, a)
	assert.IsType(t, &companion.Adapter{}, a)

	a, err = NewAdapter(AdapterOptions{Preferred: PreferANT}, logger)
	require.NoError(t, err)
	ant, ok := a.(*antfec.Adapter)
	require.True(t, ok)
	assert.Equal(t, DefaultAntBridgeURL, ant.BridgeURL())
}

func TestNewAdapter_EachCallReturnsANewInstance(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	first, err := NewAdapter(AdapterOptions{Preferred: PreferCompanion}, logger)
	require.NoError(t, err)
	second, err := NewAdapter(AdapterOptions{Preferred: PreferCompanion}, logger)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}

func TestNewAdapter_FTMSWithoutBluetooth(t *testing.T) {
	logger, _ := logtest.NewNullLogger()

	_, err := NewAdapter(AdapterOptions{Preferred: PreferFTMS}, logger)
	assert.ErrorIs(t, err, trainer.ErrTransportUnavailable)

	_, err = NewAdapter(AdapterOptions{Preferred: PreferFTMS, Bluetooth: radioOff{}}, logger)
	assert.ErrorIs(t, err, trainer.ErrTransportUnavailable)
	assert.Contains(t, err.Error(), "powered off")
}

func TestParsePreference(t *testing.T) {
	for in, want := range map[string]Preference{
		"":          PreferAuto,
		"auto":      PreferAuto,
		"ftms":      PreferFTMS,
		"companion": PreferCompanion,
		"ant":       PreferANT,
	} {
		got, err := ParsePreference(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParsePreference("usb")
	assert.Error(t, err)
}
