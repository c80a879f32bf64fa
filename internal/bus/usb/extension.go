package usb

import (
	"slices"
	"strconv"
	"strings"

	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/bus"
)

// BusName is the name the extension registers under.
const BusName = "usb"

// Metadata keys understood by ParseDriverInfo.
const (
	KeyVendorIDs  = "vid"
	KeyProductIDs = "pid"
)

// Logger defines the logging interface used by the extension.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// DriverInfo is the USB-specific part of a driver descriptor.
type DriverInfo struct {
	VendorIDs  []uint16
	ProductIDs []uint16
}

// Accepts reports whether both the vendor and product id of dev are listed.
func (d *DriverInfo) Accepts(dev bus.DeviceDescriptor) bool {
	if d == nil {
		return false
	}
	return slices.Contains(d.VendorIDs, dev.VendorID) && slices.Contains(d.ProductIDs, dev.ProductID)
}

// Extension is the USB implementation of bus.Extension.
// It holds no mutable state and is safe for concurrent use once SetLogger
// has been called.
type Extension struct {
	logger Logger
}

// NewExtension creates a USB extension.
func NewExtension() *Extension {
	return &Extension{logger: noopLogger{}}
}

// SetLogger sets the logger for the extension.
func (e *Extension) SetLogger(logger Logger) {
	e.logger = logger
}

// MatchDriver implements bus.Extension.
func (e *Extension) MatchDriver(driver bus.DriverDescriptor, dev bus.DeviceDescriptor) bool {
	if !strings.EqualFold(strings.TrimSpace(driver.BusName), BusName) {
		return false
	}
	if dev.Bus != bus.TypeUSB {
		return false
	}
	if driver.Ext == nil {
		e.logger.Info("usb driver has no parsed id lists", "device_id", dev.ID.String())
		return false
	}

	if !driver.Ext.Accepts(dev) {
		e.logger.Info("usb driver does not accept device",
			"device_id", dev.ID.String(),
			"vendor_id", formatID(dev.VendorID),
			"product_id", formatID(dev.ProductID),
		)
		return false
	}
	return true
}

// ParseDriverInfo implements bus.Extension.
func (e *Extension) ParseDriverInfo(metadata []bus.Metadata) bus.DriverExtension {
	info := &DriverInfo{}
	for _, m := range metadata {
		switch strings.ToLower(strings.TrimSpace(m.Name)) {
		case KeyVendorIDs:
			info.VendorIDs = append(info.VendorIDs, e.parseIDList(KeyVendorIDs, m.Value)...)
		case KeyProductIDs:
			info.ProductIDs = append(info.ProductIDs, e.parseIDList(KeyProductIDs, m.Value)...)
		}
	}

	if len(info.VendorIDs) == 0 {
		e.logger.Warn("usb driver metadata has no usable vendor ids")
	}
	if len(info.ProductIDs) == 0 {
		e.logger.Warn("usb driver metadata has no usable product ids")
	}
	return info
}

// parseIDList splits a comma-separated list of 16-bit ids.
func (e *Extension) parseIDList(key, value string) []uint16 {
	var ids []uint16
	for _, field := range strings.Split(value, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		id, err := ParseID(field)
		if err != nil {
			e.logger.Warn("skipping malformed usb id", "key", key, "value", field, "error", err)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// ParseID parses one 16-bit id written in decimal or with a 0x prefix.
// Leading zeros are decimal.
func ParseID(s string) (uint16, error) {
	s = strings.TrimSpace(s)
	base := 10
	if len(s) > 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s, base = s[2:], 16
	}
	v, err := strconv.ParseUint(s, base, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

func formatID(id uint16) string {
	return "0x" + strings.ToUpper(strconv.FormatUint(uint64(id), 16))
}

// Register adds a new USB extension to reg and returns it.
func Register(reg *bus.Registry, logger Logger) (*Extension, error) {
	ext := NewExtension()
	if logger != nil {
		ext.SetLogger(logger)
	}
	if err := reg.Register(BusName, ext); err != nil {
		return nil, err
	}
	return ext, nil
}
