package ingest

import "errors"

var (
	// ErrInvalidMessage is returned for payloads that cannot be decoded
	// into a device or package.
	ErrInvalidMessage = errors.New("ingest: invalid message")

	// ErrUnsupportedBus is returned for devices on a bus with no decoder.
	ErrUnsupportedBus = errors.New("ingest: unsupported bus")

	// ErrUnknownAction is returned for a topic whose action is not known.
	ErrUnknownAction = errors.New("ingest: unknown action")
)
