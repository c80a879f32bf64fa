package device

import (
	"context"
	"fmt"

	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/bus"
)

// ConnectDevice starts the driver bound to a device on demand and reports
// the outcome through cb. If the driver is already running, cb receives the
// existing handle and no second connect is made.
//
// It fails with ErrInvalidObject for a nil cb, and ErrNotFound for an
// unknown device or one with no matched driver.
func (r *Registry) ConnectDevice(ctx context.Context, id bus.DeviceID, cb ConnectCallback) error {
	if cb == nil {
		return fmt.Errorf("%w: nil connect callback", ErrInvalidObject)
	}
	if r.host == nil {
		return fmt.Errorf("%w: registry has no host", ErrInvalidObject)
	}

	r.mu.Lock()
	e, ok := r.lookupLocked(id)
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: device %s", ErrNotFound, id)
	}
	if e.key == "" {
		r.mu.Unlock()
		return fmt.Errorf("%w: no driver bound to device %s", ErrNotFound, id)
	}

	b := r.bindings[e.key]
	if b.conn != nil {
		conn := copyConn(b.conn)
		r.mu.Unlock()
		cb(conn, nil)
		return nil
	}

	// Queued behind any in-flight connect; that one's handle is returned.
	t := r.connectLocked(e.key, b)
	r.mu.Unlock()

	res, err := r.await(ctx, t)
	if err == nil && res.conn == nil {
		// A disconnect or failed connect overtook this request.
		err = fmt.Errorf("%w: driver for device %s was stopped before connecting", ErrCollaborator, id)
	}
	cb(res.conn, err)
	return err
}

// DisconnectDevice stops the driver bound to a device. The binding is kept,
// so the driver restarts on the next registration of any of its devices or
// on ConnectDevice. The driver process is shared by every device of the
// binding.
func (r *Registry) DisconnectDevice(ctx context.Context, id bus.DeviceID) error {
	r.mu.Lock()
	e, ok := r.lookupLocked(id)
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: device %s", ErrNotFound, id)
	}
	if e.key == "" {
		r.mu.Unlock()
		return fmt.Errorf("%w: no driver bound to device %s", ErrNotFound, id)
	}
	t := r.disconnectLocked(e.key, r.bindings[e.key])
	r.mu.Unlock()

	return r.awaitDisconnect(ctx, t)
}
