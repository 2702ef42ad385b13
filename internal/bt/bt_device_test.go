package bt

import (
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"tinygo.org/x/bluetooth"
)

const (
	testService = "00001826-0000-1000-8000-00805f9b34fb"
	testChar    = "00002ad9-0000-1000-8000-00805f9b34fb"
)

// Both write modes must be available on every platform the radio backend
// builds for.
var _ func(*bluetooth.DeviceCharacteristic, []byte) error = writeWithResponse

func TestBTDevice_WritesRequireConnection(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	d := newBtDeviceImpl(logger, bluetooth.Address{}, "KICKR")

	assert.False(t, d.IsConnected())
	assert.False(t, d.HasService(testService))

	err := d.WriteCharacteristic(testService, testChar, []byte{0x00})
	assert.ErrorContains(t, err, "no connected device")
	err = d.WriteCharacteristicWithoutResponse(testService, testChar, []byte{0x00})
	assert.ErrorContains(t, err, "no connected device")
}

func TestBTDevice_InvalidUUID(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	d := newBtDeviceImpl(logger, bluetooth.Address{}, "KICKR")

	err := d.WriteCharacteristic("not-a-uuid", testChar, []byte{0x00})
	assert.ErrorContains(t, err, "invalid service UUID")
	err = d.WriteCharacteristic(testService, "not-a-uuid", []byte{0x00})
	assert.ErrorContains(t, err, "invalid characteristic UUID")
}
