package device

import (
	"errors"
	"fmt"
)

// Errors returned by the Registry. Every public operation returns nil or an
// error wrapping exactly one of these; use errors.Is or StatusOf to classify.
var (
	// ErrInvalidParam is returned for malformed input: an unknown bus type,
	// an empty package or component name, or an invalid descriptor.
	// State is never modified when it is returned.
	ErrInvalidParam = errors.New("device: invalid parameter")

	// ErrNotFound is returned for an unknown device, or a device that has no
	// driver binding when one is required.
	ErrNotFound = errors.New("device: not found")

	// ErrCollaborator is returned when the driver index or the driver host
	// fails. Registry state is not rolled back.
	ErrCollaborator = errors.New("device: collaborator failure")

	// ErrInvalidObject is returned when a required collaborator or callback
	// was never supplied.
	ErrInvalidObject = errors.New("device: invalid object")
)

// Status is the closed set of outcomes of a registry operation.
type Status int

const (
	StatusOK Status = iota
	StatusInvalidParam
	StatusNotFound
	StatusCollaboratorFailure
	StatusInvalidObject
)

var statusNames = [...]string{
	StatusOK:                  "ok",
	StatusInvalidParam:        "invalid_param",
	StatusNotFound:            "not_found",
	StatusCollaboratorFailure: "collaborator_failure",
	StatusInvalidObject:       "invalid_object",
}

// String returns the snake_case status name.
func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// StatusOf classifies an error returned by the Registry. Errors that wrap
// none of the sentinels (a cancelled context, for example) count as
// collaborator failures.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrInvalidParam):
		return StatusInvalidParam
	case errors.Is(err, ErrNotFound):
		return StatusNotFound
	case errors.Is(err, ErrInvalidObject):
		return StatusInvalidObject
	default:
		return StatusCollaboratorFailure
	}
}
