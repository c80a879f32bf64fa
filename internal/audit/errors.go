package audit

import "errors"

var (
	// ErrNoKind is returned by Create for an entry without a kind.
	ErrNoKind = errors.New("audit: entry kind is required")

	// ErrRecorderClosed is returned by Run on a closed Recorder.
	ErrRecorderClosed = errors.New("audit: recorder closed")
)
