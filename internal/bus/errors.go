package bus

import "errors"

var (
	// ErrInvalidType is returned for an unknown or zero bus type.
	ErrInvalidType = errors.New("bus: invalid bus type")

	// ErrInvalidDeviceID is returned when a device id cannot be built or parsed.
	ErrInvalidDeviceID = errors.New("bus: invalid device id")

	// ErrInvalidDescriptor is returned when a device descriptor fails validation.
	ErrInvalidDescriptor = errors.New("bus: invalid device descriptor")

	// ErrInvalidExtension is returned when registering a nil or duplicate extension.
	ErrInvalidExtension = errors.New("bus: invalid extension")
)
