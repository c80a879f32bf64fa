package bus

import (
	"fmt"
	"maps"
	"slices"
)

// DeviceDescriptor identifies a device as reported by its bus.
// It is treated as immutable once built; use Clone before handing a copy
// to code that may modify Attributes.
type DeviceDescriptor struct {
	Bus         Type              `json:"bus"`
	ID          DeviceID          `json:"id"`
	Description string            `json:"description,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`

	// VendorID and ProductID are the USB-style identification fields.
	VendorID  uint16 `json:"vendor_id"`
	ProductID uint16 `json:"product_id"`
}

// Validate checks that the bus is supported and agrees with the bus type
// packed into the id.
func (d DeviceDescriptor) Validate() error {
	if !d.Bus.Valid() {
		return fmt.Errorf("%w: %w: %d", ErrInvalidDescriptor, ErrInvalidType, uint32(d.Bus))
	}
	if d.ID.BusType() != d.Bus {
		return fmt.Errorf("%w: id %s belongs to bus %s, not %s",
			ErrInvalidDescriptor, d.ID, d.ID.BusType(), d.Bus)
	}
	return nil
}

// Clone returns a copy with its own Attributes map.
func (d DeviceDescriptor) Clone() DeviceDescriptor {
	d.Attributes = maps.Clone(d.Attributes)
	return d
}

// Metadata is one key/value pair from a driver package's metadata.
// Keys are compared case-insensitively by extensions.
type Metadata struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// DriverExtension is the bus-specific part of a parsed driver descriptor.
// Each bus supplies its own implementation from Extension.ParseDriverInfo.
type DriverExtension interface {
	// Accepts reports whether the bus-specific identification of dev is
	// covered by this driver.
	Accepts(dev DeviceDescriptor) bool
}

// DriverDescriptor identifies an installed driver.
type DriverDescriptor struct {
	BusName  string
	Metadata []Metadata
	Ext      DriverExtension
}

// Clone returns a copy with its own Metadata slice. Ext is shared; extensions
// are immutable once parsed.
func (d DriverDescriptor) Clone() DriverDescriptor {
	d.Metadata = slices.Clone(d.Metadata)
	return d
}
