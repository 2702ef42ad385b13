//go:build !darwin && !windows

package bt

import "tinygo.org/x/bluetooth"

// writeWithResponse falls back to WriteValue without options. BlueZ then
// picks a write request for characteristics that support one; the other
// stacks only expose write commands.
func writeWithResponse(c *bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := c.WriteWithoutResponse(data)
	return err
}
