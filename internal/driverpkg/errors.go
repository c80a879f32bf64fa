package driverpkg

import "errors"

var (
	// ErrInvalidIdentity is returned for an empty package or component name,
	// or one containing the key separator.
	ErrInvalidIdentity = errors.New("driverpkg: invalid identity")

	// ErrInvalidDriver is returned when a driver record fails validation.
	ErrInvalidDriver = errors.New("driverpkg: invalid driver")

	// ErrDriverNotFound is returned when no driver exists for an identity.
	ErrDriverNotFound = errors.New("driverpkg: driver not found")

	// ErrInvalidStatus is returned for an unknown package event status.
	ErrInvalidStatus = errors.New("driverpkg: invalid status")

	// ErrInvalidManifest is returned when a manifest file cannot be used.
	ErrInvalidManifest = errors.New("driverpkg: invalid manifest")
)
