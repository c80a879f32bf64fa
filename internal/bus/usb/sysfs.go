package usb

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/bus"
)

// SysfsPath is where Linux exposes USB devices.
const SysfsPath = "/sys/bus/usb/devices"

// Scan lists the USB devices under a sysfs devices directory.
//
// Root hubs ("usbN") and interface entries ("1-1:1.0") are skipped, as are
// entries whose bus number or device address cannot be read. Manufacturer
// and product strings become the description; serial, if present, becomes
// the "serial" attribute.
func Scan(root string) ([]bus.DeviceDescriptor, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", root, err)
	}

	var devices []bus.DeviceDescriptor
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "usb") || strings.Contains(name, ":") {
			continue
		}

		dev, err := readDevice(filepath.Join(root, name))
		if err != nil {
			continue
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

func readDevice(dir string) (bus.DeviceDescriptor, error) {
	busNum, err := readDecUint8(filepath.Join(dir, "busnum"))
	if err != nil {
		return bus.DeviceDescriptor{}, err
	}
	devNum, err := readDecUint8(filepath.Join(dir, "devnum"))
	if err != nil {
		return bus.DeviceDescriptor{}, err
	}

	// Missing ids leave zero values; such a device never matches a driver.
	vendorID, _ := readHexUint16(filepath.Join(dir, "idVendor"))   //nolint:errcheck // optional attribute
	productID, _ := readHexUint16(filepath.Join(dir, "idProduct")) //nolint:errcheck // optional attribute

	var parts []string
	for _, attr := range []string{"manufacturer", "product"} {
		if s, err := readString(filepath.Join(dir, attr)); err == nil && s != "" {
			parts = append(parts, s)
		}
	}

	dev, err := NewDevice(busNum, devNum, vendorID, productID, strings.Join(parts, " "))
	if err != nil {
		return bus.DeviceDescriptor{}, err
	}

	dev.Attributes = map[string]string{"sysfs_name": filepath.Base(dir)}
	if serial, err := readString(filepath.Join(dir, "serial")); err == nil && serial != "" {
		dev.Attributes["serial"] = serial
	}
	return dev, nil
}

func readString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readDecUint8(path string) (uint8, error) {
	s, err := readString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", path, err)
	}
	return uint8(v), nil
}

func readHexUint16(path string) (uint16, error) {
	s, err := readString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 16)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", path, err)
	}
	return uint16(v), nil
}
