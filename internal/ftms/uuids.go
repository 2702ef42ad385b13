// Package ftms encodes and decodes the binary payloads of the Bluetooth
// Fitness Machine Service and of the Cycling Power / Cycling Speed and
// Cadence services used as fallbacks. Nothing in this package performs I/O.
//
// See: https://www.bluetooth.com/specifications/specs/fitness-machine-service-1-0/
package ftms

// Bluetooth Service and Characteristic UUIDs used by trainers
const (
	// Fitness Machine Service (FTMS)
	ServiceUUIDFTMS             = "00001826-0000-1000-8000-00805f9b34fb"
	CharUUIDFTMSFeature         = "00002acc-0000-1000-8000-00805f9b34fb"
	CharUUIDIndoorBikeData      = "00002ad2-0000-1000-8000-00805f9b34fb"
	CharUUIDSupportedPowerRange = "00002ad8-0000-1000-8000-00805f9b34fb"
	CharUUIDFTMSControlPoint    = "00002ad9-0000-1000-8000-00805f9b34fb"

	// Cycling Power Service
	ServiceUUIDCyclingPower          = "00001818-0000-1000-8000-00805f9b34fb"
	CharUUIDCyclingPowerMeasurement  = "00002a63-0000-1000-8000-00805f9b34fb"
	CharUUIDCyclingPowerControlPoint = "00002a66-0000-1000-8000-00805f9b34fb"

	// Cycling Speed and Cadence Service (CSC)
	ServiceUUIDCyclingSpeedCadence = "00001816-0000-1000-8000-00805f9b34fb"
	CharUUIDCSCMeasurement         = "00002a5b-0000-1000-8000-00805f9b34fb"

	// Vendor FE-C over BLE (Tacx style). FEC3 accepts writes.
	ServiceUUIDFECOverBLE = "6e40fec1-b5a3-f393-e0a9-e50e24dcca9e"
	CharUUIDFECWrite      = "6e40fec3-b5a3-f393-e0a9-e50e24dcca9e"
)

// ScanServiceUUIDs are the services that qualify an advertisement as a trainer.
var ScanServiceUUIDs = []string{
	ServiceUUIDFTMS,
	ServiceUUIDCyclingPower,
	ServiceUUIDCyclingSpeedCadence,
}
