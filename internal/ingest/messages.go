package ingest

import (
	"fmt"
	"time"

	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/bus"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/bus/usb"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/device"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/driverpkg"
)

// DeviceMessage announces a device arrival or removal.
// Topic: extdev/device/{added|removed}
type DeviceMessage struct {
	// Bus is the bus name, e.g. "usb".
	Bus string `json:"bus"`

	// BusNum and DevNum locate a USB device (sysfs busnum/devnum).
	BusNum uint8 `json:"bus_num"`
	DevNum uint8 `json:"dev_num"`

	// VendorID and ProductID are hex strings such as "0x1234".
	VendorID  string `json:"vendor_id"`
	ProductID string `json:"product_id"`

	Description string            `json:"description,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Descriptor converts the message into a validated device descriptor.
func (m DeviceMessage) Descriptor() (bus.DeviceDescriptor, error) {
	busType, err := bus.ParseType(m.Bus)
	if err != nil {
		return bus.DeviceDescriptor{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	switch busType {
	case bus.TypeUSB:
		vid, err := usb.ParseID(m.VendorID)
		if err != nil {
			return bus.DeviceDescriptor{}, fmt.Errorf("%w: vendor_id: %w", ErrInvalidMessage, err)
		}
		pid, err := usb.ParseID(m.ProductID)
		if err != nil {
			return bus.DeviceDescriptor{}, fmt.Errorf("%w: product_id: %w", ErrInvalidMessage, err)
		}
		desc, err := usb.NewDevice(m.BusNum, m.DevNum, vid, pid, m.Description)
		if err != nil {
			return bus.DeviceDescriptor{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
		}
		desc.Attributes = m.Attributes
		return desc.Clone(), nil
	default:
		return bus.DeviceDescriptor{}, fmt.Errorf("%w: bus %s", ErrUnsupportedBus, busType)
	}
}

// PackageMessage announces a driver package change. The status comes from
// the topic.
// Topic: extdev/package/{added|updated|removed}
type PackageMessage struct {
	Bus       string         `json:"bus"`
	Package   string         `json:"package"`
	Component string         `json:"component"`
	Version   string         `json:"version,omitempty"`
	Metadata  []bus.Metadata `json:"metadata,omitempty"`
}

// Event converts the message into a package event with the given status.
func (m PackageMessage) Event(status driverpkg.Status) (driverpkg.Event, error) {
	busType, err := bus.ParseType(m.Bus)
	if err != nil {
		return driverpkg.Event{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	id := driverpkg.Identity{Package: m.Package, Component: m.Component}
	if err := id.Validate(); err != nil {
		return driverpkg.Event{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	return driverpkg.Event{
		Status:   status,
		Bus:      busType,
		Identity: id,
		Version:  m.Version,
		Metadata: m.Metadata,
	}, nil
}

// BindingState is the retained state of one binding.
// Topic: extdev/binding/{package}/{component}
type BindingState struct {
	Package      string    `json:"package"`
	Component    string    `json:"component"`
	Devices      []string  `json:"devices"`
	State        string    `json:"state"`
	ConnectionID string    `json:"connection_id,omitempty"`
	PID          int       `json:"pid,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Binding states.
const (
	StateBound      = "bound"
	StateConnecting = "connecting"
	StateConnected  = "connected"
)

func bindingState(b device.Binding, now time.Time) BindingState {
	s := BindingState{
		Package:   b.Identity.Package,
		Component: b.Identity.Component,
		Devices:   make([]string, 0, len(b.Devices)),
		State:     StateBound,
		Timestamp: now,
	}
	for _, id := range b.Devices {
		s.Devices = append(s.Devices, id.String())
	}
	switch {
	case b.Connection != nil:
		s.State = StateConnected
		s.ConnectionID = b.Connection.ID
		s.PID = b.Connection.PID
	case b.Connecting:
		s.State = StateConnecting
	}
	return s
}
