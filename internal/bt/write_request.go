//go:build darwin || windows

package bt

import "tinygo.org/x/bluetooth"

// writeWithResponse issues a GATT write request and waits for the peripheral
// to acknowledge it.
func writeWithResponse(c *bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := c.Write(data)
	return err
}
