package device

import (
	"time"

	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/driverpkg"
)

// idleTimer is the one-shot idle-unload timer. Every arm and cancel bumps
// gen under the registry lock; a firing whose generation is stale does
// nothing, even if Stop lost the race with the timer goroutine.
type idleTimer struct {
	delay time.Duration
	gen   uint64
	timer *time.Timer
}

// armIdleLocked starts the timer and reports whether it did.
func (r *Registry) armIdleLocked() bool {
	if r.idle.delay < 0 {
		return false
	}
	r.cancelIdleLocked()

	gen := r.idle.gen
	r.idle.timer = time.AfterFunc(r.idle.delay, func() { r.idleFired(gen) })
	r.logger.Debug("idle unload armed", "delay", r.idle.delay)
	return true
}

func (r *Registry) cancelIdleLocked() {
	r.idle.gen++
	if r.idle.timer != nil {
		r.idle.timer.Stop()
		r.idle.timer = nil
	}
}

// idleFired re-checks the device count under the lock and, if the registry
// is still empty, requests the unload while holding it.
func (r *Registry) idleFired(gen uint64) {
	r.mu.Lock()
	if gen != r.idle.gen || r.count != 0 {
		r.mu.Unlock()
		return
	}
	r.idle.timer = nil

	requested := r.unloader != nil
	if requested {
		r.unloader.RequestUnload()
	}
	r.mu.Unlock()

	if !requested {
		r.logger.Warn("idle unload due but no unloader configured")
		return
	}
	r.logger.Info("registry idle, unload requested")
	r.emit(r.event(EventIdleUnload, 0, driverpkg.Identity{}))
}

// IdleUnloadPending reports whether the idle timer is armed.
func (r *Registry) IdleUnloadPending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.idle.timer != nil
}

// CheckIdle arms the idle timer if no device is registered. Call it once
// after the startup scan so a service started with nothing attached still
// unloads.
func (r *Registry) CheckIdle() {
	r.mu.Lock()
	armed := r.count == 0 && r.idle.timer == nil && r.armIdleLocked()
	r.mu.Unlock()

	if armed {
		r.emit(r.event(EventIdleUnloadArmed, 0, driverpkg.Identity{}))
	}
}
