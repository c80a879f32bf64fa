package usb

import (
	"fmt"

	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/bus"
)

// LocalID packs a Linux bus number and device address into the bus-local
// part of a DeviceID.
func LocalID(busNum, devNum uint8) uint32 {
	return uint32(busNum)<<8 | uint32(devNum)
}

// NewDevice builds a validated USB device descriptor.
func NewDevice(busNum, devNum uint8, vendorID, productID uint16, description string) (bus.DeviceDescriptor, error) {
	id, err := bus.NewDeviceID(bus.TypeUSB, LocalID(busNum, devNum))
	if err != nil {
		return bus.DeviceDescriptor{}, fmt.Errorf("building usb device id: %w", err)
	}
	return bus.DeviceDescriptor{
		Bus:         bus.TypeUSB,
		ID:          id,
		Description: description,
		VendorID:    vendorID,
		ProductID:   productID,
	}, nil
}
