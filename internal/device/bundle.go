package device

import (
	"context"
	"fmt"

	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/bus"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/driverpkg"
)

// AddBundleInfo binds a newly installed driver to the waiting devices it
// matches. Only unbound devices of busType whose best match is exactly this
// driver are bound; devices already bound elsewhere are not moved.
func (r *Registry) AddBundleInfo(ctx context.Context, busType bus.Type, pkg, component string) error {
	id, err := validateBundle(busType, pkg, component)
	if err != nil {
		return err
	}
	if r.matcher == nil || r.host == nil {
		return fmt.Errorf("%w: registry has no matcher or host", ErrInvalidObject)
	}

	r.logger.Info("driver package added", "binding", id.Key(), "bus", busType.String())
	return r.rebindUnbound(ctx, busType, &id)
}

// RemoveBundleInfo unbinds every device of busType from a driver and stops
// the driver once no device references it.
func (r *Registry) RemoveBundleInfo(ctx context.Context, busType bus.Type, pkg, component string) error {
	id, err := validateBundle(busType, pkg, component)
	if err != nil {
		return err
	}

	key := id.Key()
	var events []Event
	var t *transition

	r.mu.Lock()
	for devID, e := range r.devices[busType] {
		if e.key != key {
			continue
		}
		events = append(events, r.event(EventDriverUnbound, devID, id))
		if dt := r.removeBindingLocked(e); dt != nil {
			t = dt
		}
	}
	r.mu.Unlock()
	r.emit(events...)

	r.logger.Info("driver package removed", "binding", key, "unbound", len(events))
	return r.awaitDisconnect(ctx, t)
}

// UpdateBundleInfo replaces a driver: its devices are unbound and the driver
// stopped, then every unbound device of busType is matched afresh against
// the current catalogue.
func (r *Registry) UpdateBundleInfo(ctx context.Context, busType bus.Type, pkg, component string) error {
	if _, err := validateBundle(busType, pkg, component); err != nil {
		return err
	}
	if r.matcher == nil || r.host == nil {
		return fmt.Errorf("%w: registry has no matcher or host", ErrInvalidObject)
	}

	var errs []error
	if err := r.RemoveBundleInfo(ctx, busType, pkg, component); err != nil {
		errs = append(errs, err)
	}
	if err := r.rebindUnbound(ctx, busType, nil); err != nil {
		errs = append(errs, err)
	}
	return joinErrs(errs)
}

// HandlePackageEvent dispatches a package notification to the matching
// bundle operation.
func (r *Registry) HandlePackageEvent(ctx context.Context, ev driverpkg.Event) error {
	switch ev.Status {
	case driverpkg.StatusAdded:
		return r.AddBundleInfo(ctx, ev.Bus, ev.Package, ev.Component)
	case driverpkg.StatusUpdated:
		return r.UpdateBundleInfo(ctx, ev.Bus, ev.Package, ev.Component)
	case driverpkg.StatusRemoved:
		return r.RemoveBundleInfo(ctx, ev.Bus, ev.Package, ev.Component)
	default:
		return fmt.Errorf("%w: package event status %s", ErrInvalidParam, ev.Status)
	}
}

// rebindUnbound runs matchAndBind over a snapshot of the unbound devices of
// busType.
func (r *Registry) rebindUnbound(ctx context.Context, busType bus.Type, want *driverpkg.Identity) error {
	r.mu.Lock()
	var ids []bus.DeviceID
	for id, e := range r.devices[busType] {
		if e.key == "" {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := r.matchAndBind(ctx, id, want); err != nil {
			errs = append(errs, err)
		}
	}
	return joinErrs(errs)
}

func validateBundle(busType bus.Type, pkg, component string) (driverpkg.Identity, error) {
	if !busType.Valid() {
		return driverpkg.Identity{}, fmt.Errorf("%w: bus type %d", ErrInvalidParam, uint32(busType))
	}
	id := driverpkg.Identity{Package: pkg, Component: component}
	if err := id.Validate(); err != nil {
		return driverpkg.Identity{}, fmt.Errorf("%w: %w", ErrInvalidParam, err)
	}
	return id, nil
}
