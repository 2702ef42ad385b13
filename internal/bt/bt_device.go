package bt

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"
)

// BTDevice is one connected GATT peripheral.
type BTDevice interface {
	GetAddressString() string
	GetLocalName() string
	IsConnected() bool
	HasService(serviceUuid string) bool
	HasCharacteristic(serviceUuid string, characteristicUuid string) bool
	EnableNotifications(serviceUuid string, characteristicUuid string, callbackFunc func(buf []byte)) error
	DisableNotifications(serviceUuid string, characteristicUuid string) error
	ReadCharacteristic(serviceUuid string, characteristicUuid string) ([]byte, error)
	WriteCharacteristic(serviceUuid string, characteristicUuid string, data []byte) error
	WriteCharacteristicWithoutResponse(serviceUuid string, characteristicUuid string, data []byte) error
}

// ErrServiceNotFound is returned when the peripheral does not expose a service.
var ErrServiceNotFound = errors.New("service not found on device")

// ErrCharacteristicNotFound is returned when a service lacks a characteristic.
var ErrCharacteristicNotFound = errors.New("characteristic not found in service")

type btDeviceImpl struct {
	address         bluetooth.Address
	localName       string
	mu              sync.Mutex
	bleMu           sync.Mutex // Serializes BLE characteristic operations (notifications, writes)
	connectedDevice *bluetooth.Device
	logger          logrus.FieldLogger

	allServicesDiscovered  bool
	serviceByUuid          map[string]*bluetooth.DeviceService
	characteristicByUuid   map[string]*bluetooth.DeviceCharacteristic
	serviceCharsDiscovered map[string]bool
}

func newBtDeviceImpl(logger logrus.FieldLogger, address bluetooth.Address, localName string) *btDeviceImpl {
	if logger == nil {
		panic("BTDevice: logger cannot be nil")
	}
	if localName == "" {
		localName = "Unknown"
	}
	return &btDeviceImpl{
		logger:                 logger.WithField("device", address.String()),
		address:                address,
		localName:              localName,
		serviceByUuid:          make(map[string]*bluetooth.DeviceService),
		characteristicByUuid:   make(map[string]*bluetooth.DeviceCharacteristic),
		serviceCharsDiscovered: make(map[string]bool),
	}
}

func (b *btDeviceImpl) GetAddressString() string {
	return b.address.String()
}

func (b *btDeviceImpl) GetLocalName() string {
	return b.localName
}

func (b *btDeviceImpl) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectedDevice != nil
}

func (b *btDeviceImpl) setConnectedDevice(device *bluetooth.Device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectedDevice = device
	if device == nil {
		// handles are only valid for one link
		b.allServicesDiscovered = false
		b.serviceByUuid = make(map[string]*bluetooth.DeviceService)
		b.characteristicByUuid = make(map[string]*bluetooth.DeviceCharacteristic)
		b.serviceCharsDiscovered = make(map[string]bool)
	}
}

func (b *btDeviceImpl) getConnectedDevice() *bluetooth.Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectedDevice
}

func (b *btDeviceImpl) HasService(serviceUuidStr string) bool {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	serviceUuid, err := bluetooth.ParseUUID(serviceUuidStr)
	if err != nil {
		return false
	}
	_, err = b.getDeviceService(serviceUuid)
	return err == nil
}

func (b *btDeviceImpl) HasCharacteristic(serviceUuidStr string, characteristicUuidStr string) bool {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	_, err := b.lookupCharacteristic(serviceUuidStr, characteristicUuidStr)
	return err == nil
}

func (b *btDeviceImpl) EnableNotifications(
	serviceUuidStr string,
	characteristicUuidStr string,
	callbackFunc func(buf []byte)) error {

	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	characteristic, err := b.lookupCharacteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return err
	}

	if err := characteristic.EnableNotifications(callbackFunc); err != nil {
		return fmt.Errorf("failed to enable notifications on %s: %w", characteristicUuidStr, err)
	}

	b.logger.Debugf("BTDevice: notifications enabled for %s", characteristicUuidStr)
	return nil
}

func (b *btDeviceImpl) DisableNotifications(
	serviceUuidStr string,
	characteristicUuidStr string) error {

	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	characteristic, err := b.lookupCharacteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return err
	}

	// Passing nil disables notifications
	if err := characteristic.EnableNotifications(nil); err != nil {
		return fmt.Errorf("failed to disable notifications on %s: %w", characteristicUuidStr, err)
	}

	b.logger.Debugf("BTDevice: notifications disabled for %s", characteristicUuidStr)
	return nil
}

func (b *btDeviceImpl) ReadCharacteristic(
	serviceUuidStr string,
	characteristicUuidStr string) ([]byte, error) {

	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	characteristic, err := b.lookupCharacteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 512)
	n, err := characteristic.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to read characteristic %s: %w", characteristicUuidStr, err)
	}
	return buf[:n], nil
}

func (b *btDeviceImpl) WriteCharacteristic(
	serviceUuidStr string,
	characteristicUuidStr string,
	data []byte) error {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()
	return b.writeCharacteristic(serviceUuidStr, characteristicUuidStr, data, true)
}

func (b *btDeviceImpl) WriteCharacteristicWithoutResponse(
	serviceUuidStr string,
	characteristicUuidStr string,
	data []byte) error {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()
	return b.writeCharacteristic(serviceUuidStr, characteristicUuidStr, data, false)
}

func (b *btDeviceImpl) writeCharacteristic(
	serviceUuidStr string,
	characteristicUuidStr string,
	data []byte,
	waitForResponse bool) error {

	characteristic, err := b.lookupCharacteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return err
	}

	if waitForResponse {
		err = writeWithResponse(characteristic, data)
	} else {
		_, err = characteristic.WriteWithoutResponse(data)
	}
	if err != nil {
		return fmt.Errorf("failed to write characteristic %s: %w", characteristicUuidStr, err)
	}
	return nil
}

func (b *btDeviceImpl) lookupCharacteristic(serviceUuidStr string, characteristicUuidStr string) (*bluetooth.DeviceCharacteristic, error) {
	serviceUuid, err := bluetooth.ParseUUID(serviceUuidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", serviceUuidStr, err)
	}

	characteristicUuid, err := bluetooth.ParseUUID(characteristicUuidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid characteristic UUID %q: %w", characteristicUuidStr, err)
	}

	return b.getDeviceCharacteristic(serviceUuid, characteristicUuid)
}

func (b *btDeviceImpl) getDeviceService(serviceUuid bluetooth.UUID) (*bluetooth.DeviceService, error) {
	connectedDevice := b.getConnectedDevice()
	if connectedDevice == nil {
		return nil, errors.New("no connected device")
	}

	serviceUuidStr := strings.ToLower(serviceUuid.String())

	b.mu.Lock()
	service, ok := b.serviceByUuid[serviceUuidStr]
	discovered := b.allServicesDiscovered
	b.mu.Unlock()
	if ok {
		return service, nil
	}

	// Discover ALL services at once: discovering a single service again later
	// interrupts notifications on services discovered earlier.
	if !discovered {
		b.logger.Debugf("BTDevice: discovering all services")
		deviceServices, err := connectedDevice.DiscoverServices(nil)
		if err != nil {
			return nil, fmt.Errorf("error discovering services: %w", err)
		}

		b.mu.Lock()
		for i := range deviceServices {
			svc := &deviceServices[i]
			b.serviceByUuid[strings.ToLower(svc.UUID().String())] = svc
		}
		b.allServicesDiscovered = true
		service, ok = b.serviceByUuid[serviceUuidStr]
		b.mu.Unlock()
	}

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, serviceUuidStr)
	}
	return service, nil
}

func (b *btDeviceImpl) getDeviceCharacteristic(serviceUuid bluetooth.UUID, charUuid bluetooth.UUID) (*bluetooth.DeviceCharacteristic, error) {
	serviceUuidStr := strings.ToLower(serviceUuid.String())
	charUuidStr := strings.ToLower(charUuid.String())
	comboUuidStr := serviceUuidStr + "_" + charUuidStr

	b.mu.Lock()
	characteristic, ok := b.characteristicByUuid[comboUuidStr]
	discovered := b.serviceCharsDiscovered[serviceUuidStr]
	b.mu.Unlock()
	if ok {
		return characteristic, nil
	}

	if !discovered {
		service, err := b.getDeviceService(serviceUuid)
		if err != nil {
			return nil, err
		}

		b.logger.Debugf("BTDevice: discovering all characteristics for service %s", serviceUuidStr)
		discoveredCharacteristics, err := service.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("could not discover characteristics for service %v: %w", serviceUuidStr, err)
		}

		b.mu.Lock()
		for i := range discoveredCharacteristics {
			char := &discoveredCharacteristics[i]
			b.characteristicByUuid[serviceUuidStr+"_"+strings.ToLower(char.UUID().String())] = char
		}
		b.serviceCharsDiscovered[serviceUuidStr] = true
		characteristic, ok = b.characteristicByUuid[comboUuidStr]
		b.mu.Unlock()
	}

	if !ok {
		return nil, fmt.Errorf("%w: %v in %v", ErrCharacteristicNotFound, charUuidStr, serviceUuidStr)
	}
	return characteristic, nil
}
