package bus

import (
	"fmt"
	"strconv"
	"strings"
)

// Type enumerates the supported hardware buses.
type Type uint32

const (
	// TypeInvalid is the zero value and never identifies a real bus.
	TypeInvalid Type = 0

	// TypeUSB identifies the USB bus.
	TypeUSB Type = 1
)

// typeNames maps bus types to their canonical lower-case names.
var typeNames = map[Type]string{
	TypeUSB: "usb",
}

// AllTypes returns every valid bus type.
func AllTypes() []Type {
	return []Type{TypeUSB}
}

// Valid reports whether t names a supported bus.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// String returns the canonical bus name, e.g. "usb".
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("bus(%d)", uint32(t))
}

// MarshalText encodes the bus type as its name.
func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidType, uint32(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText decodes a bus name.
func (t *Type) UnmarshalText(text []byte) error {
	parsed, err := ParseType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseType converts a bus name (case-insensitive) to a Type.
func ParseType(name string) (Type, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for t, n := range typeNames {
		if n == name {
			return t, nil
		}
	}
	return TypeInvalid, fmt.Errorf("%w: %q", ErrInvalidType, name)
}

// DeviceID uniquely identifies a device across all buses.
// See the package documentation for the bit layout.
type DeviceID uint64

const busTypeShift = 32

// NewDeviceID packs a bus type and a bus-local id into a DeviceID.
func NewDeviceID(t Type, local uint32) (DeviceID, error) {
	if !t.Valid() {
		return 0, fmt.Errorf("%w: %w: %d", ErrInvalidDeviceID, ErrInvalidType, uint32(t))
	}
	return DeviceID(uint64(t)<<busTypeShift | uint64(local)), nil
}

// BusType extracts the bus type from the high 32 bits.
func (id DeviceID) BusType() Type {
	return Type(uint64(id) >> busTypeShift)
}

// Local extracts the bus-local id from the low 32 bits.
func (id DeviceID) Local() uint32 {
	return uint32(id)
}

// String formats the id as 16 upper-case hex digits.
func (id DeviceID) String() string {
	return fmt.Sprintf("%016X", uint64(id))
}

// MarshalText encodes the id the same way as String.
func (id DeviceID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText accepts anything ParseDeviceID accepts.
func (id *DeviceID) UnmarshalText(text []byte) error {
	parsed, err := ParseDeviceID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseDeviceID parses a hexadecimal device id, with or without a 0x prefix,
// and checks that its bus type is valid.
func ParseDeviceID(s string) (DeviceID, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDeviceID, s)
	}
	id := DeviceID(v)
	if !id.BusType().Valid() {
		return 0, fmt.Errorf("%w: %w: %q", ErrInvalidDeviceID, ErrInvalidType, s)
	}
	return id, nil
}
