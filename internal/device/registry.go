package device

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/bus"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/driverpkg"
)

// DefaultIdleUnloadDelay is how long the registry must stay empty before the
// service asks to be unloaded.
const DefaultIdleUnloadDelay = 30 * time.Second

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options wires a Registry to its collaborators.
type Options struct {
	// Matcher finds the driver for a newly seen device. Required.
	Matcher Matcher

	// Host starts and stops driver processes. Required.
	Host Host

	// Unloader is asked to tear the service down after IdleUnloadDelay with
	// no devices. Nil disables the request; the timer still runs.
	Unloader Unloader

	// IdleUnloadDelay defaults to DefaultIdleUnloadDelay. A negative value
	// disables idle unload.
	IdleUnloadDelay time.Duration

	// Observers receive every lifecycle event.
	Observers []Observer
}

// entry is the registry's mutable record of one device.
type entry struct {
	desc bus.DeviceDescriptor
	key  string // binding key, empty while unbound
}

// binding groups the devices sharing one driver.
type binding struct {
	id      driverpkg.Identity
	devices map[bus.DeviceID]struct{}

	// wantConnected records the last connect/disconnect decision.
	wantConnected bool

	// conn is the handle of the running process, nil until a connect
	// succeeds and again after a disconnect is decided.
	conn *Connection
}

// Registry is the authoritative set of known devices, their driver bindings
// and connection state.
//
// One mutex guards all maps. Decisions to connect or disconnect are taken
// under it and then carried out by a per-key transition queue with the mutex
// released, so host calls for one key never overlap and never reorder.
//
// Construct exactly one Registry per process with NewRegistry and release it
// with Close. All methods are safe for concurrent use.
type Registry struct {
	matcher   Matcher
	host      Host
	unloader  Unloader
	observers []Observer
	logger    Logger

	mu       sync.Mutex
	devices  map[bus.Type]map[bus.DeviceID]*entry
	bindings map[string]*binding
	count    int

	// queues, live and earlyLoss belong to the transition executor
	// (transitions.go). live maps a key to the id of its running connection.
	queues    map[string]*keyQueue
	live      map[string]string
	earlyLoss map[string][]lossReport

	idle idleTimer
	now  func() time.Time
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts Options) *Registry {
	delay := opts.IdleUnloadDelay
	if delay == 0 {
		delay = DefaultIdleUnloadDelay
	}

	return &Registry{
		matcher:   opts.Matcher,
		host:      opts.Host,
		unloader:  opts.Unloader,
		observers: slices.Clone(opts.Observers),
		logger:    noopLogger{},
		devices:   make(map[bus.Type]map[bus.DeviceID]*entry),
		bindings:  make(map[string]*binding),
		queues:    make(map[string]*keyQueue),
		live:      make(map[string]string),
		earlyLoss: make(map[string][]lossReport),
		idle:      idleTimer{delay: delay},
		now:       time.Now,
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RegisterDevice records a device arrival and binds it to a driver.
//
// A device that is already registered and connected is left untouched. A
// registered device whose driver is not running gets another connect
// attempt. A new device is matched against the installed drivers; when
// nothing matches it stays registered and unbound until a matching package
// arrives. Any pending idle unload is cancelled.
func (r *Registry) RegisterDevice(ctx context.Context, desc bus.DeviceDescriptor) error {
	if err := desc.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidParam, err)
	}
	if r.matcher == nil || r.host == nil {
		return fmt.Errorf("%w: registry has no matcher or host", ErrInvalidObject)
	}

	var events []Event
	r.mu.Lock()
	r.cancelIdleLocked()

	e, exists := r.lookupLocked(desc.ID)
	if exists && e.key != "" {
		b := r.bindings[e.key]
		if b.wantConnected {
			r.mu.Unlock()
			r.logger.Debug("device already registered", "device_id", desc.ID.String(), "binding", e.key)
			return nil
		}
		// Bound but not running: retry the connect.
		t := r.connectLocked(e.key, b)
		r.mu.Unlock()
		return r.awaitConnect(ctx, t)
	}
	if !exists {
		e = r.insertLocked(desc)
		events = append(events, r.event(EventDeviceRegistered, desc.ID, driverpkg.Identity{}))
	}
	r.mu.Unlock()
	r.emit(events...)

	if !exists {
		r.logger.Info("device registered", "device_id", desc.ID.String(), "bus", desc.Bus.String(),
			"vendor_id", desc.VendorID, "product_id", desc.ProductID)
	}

	return r.matchAndBind(ctx, desc.ID, nil)
}

// matchAndBind queries the driver for an unbound device and binds it. When
// want is non-nil only that identity is accepted.
func (r *Registry) matchAndBind(ctx context.Context, id bus.DeviceID, want *driverpkg.Identity) error {
	r.mu.Lock()
	e, ok := r.lookupLocked(id)
	if !ok || e.key != "" {
		r.mu.Unlock()
		return nil
	}
	desc := e.desc
	r.mu.Unlock()

	match, found, err := r.matcher.QueryMatchDriver(ctx, desc)
	if err != nil {
		r.logger.Error("driver match query failed", "device_id", id.String(), "error", err)
		return fmt.Errorf("%w: matching driver for %s: %w", ErrCollaborator, id, err)
	}
	if !found {
		r.logger.Info("no driver matches device, waiting for a package", "device_id", id.String())
		return nil
	}
	if want != nil && match != *want {
		return nil
	}

	r.mu.Lock()
	// The device may have been removed or bound while the lock was released.
	e, ok = r.lookupLocked(id)
	if !ok || e.key != "" {
		r.mu.Unlock()
		return nil
	}
	t := r.addBindingLocked(e, match)
	r.mu.Unlock()
	r.emit(r.event(EventDriverBound, id, match))

	r.logger.Info("driver bound", "device_id", id.String(), "binding", match.Key())
	return r.awaitConnect(ctx, t)
}

// addBindingLocked binds e to id and returns the connect transition to wait
// for, or nil when the key is already connected or connecting.
func (r *Registry) addBindingLocked(e *entry, id driverpkg.Identity) *transition {
	key := id.Key()
	e.key = key

	b, ok := r.bindings[key]
	if !ok {
		b = &binding{id: id, devices: make(map[bus.DeviceID]struct{})}
		r.bindings[key] = b
	}
	b.devices[e.desc.ID] = struct{}{}

	if b.wantConnected {
		return nil
	}
	return r.connectLocked(key, b)
}

// removeBindingLocked unbinds e and returns the disconnect transition when e
// was the last device of its key.
func (r *Registry) removeBindingLocked(e *entry) *transition {
	key := e.key
	e.key = ""

	b, ok := r.bindings[key]
	if !ok {
		return nil
	}
	delete(b.devices, e.desc.ID)
	if len(b.devices) > 0 {
		return nil
	}

	delete(r.bindings, key)
	return r.disconnectLocked(key, b)
}

// UnregisterDevice records a device removal. The last device of a binding
// disconnects its driver; the last device overall arms the idle unload.
// A disconnect failure is returned but the device stays removed.
func (r *Registry) UnregisterDevice(ctx context.Context, desc bus.DeviceDescriptor) error {
	if !desc.Bus.Valid() {
		return fmt.Errorf("%w: bus type %d", ErrInvalidParam, uint32(desc.Bus))
	}

	r.mu.Lock()
	byID := r.devices[desc.Bus]
	e, ok := byID[desc.ID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: device %s", ErrNotFound, desc.ID)
	}

	delete(byID, desc.ID)
	if len(byID) == 0 {
		delete(r.devices, desc.Bus)
	}
	r.count--

	events := []Event{}
	var t *transition
	if e.key != "" {
		b := r.bindings[e.key]
		events = append(events, r.event(EventDriverUnbound, desc.ID, b.id))
		t = r.removeBindingLocked(e)
	}
	events = append(events, r.event(EventDeviceUnregistered, desc.ID, driverpkg.Identity{}))

	if r.count == 0 && r.armIdleLocked() {
		events = append(events, r.event(EventIdleUnloadArmed, 0, driverpkg.Identity{}))
	}
	r.mu.Unlock()
	r.emit(events...)

	r.logger.Info("device unregistered", "device_id", desc.ID.String(), "remaining", r.GetTotalDeviceNum())
	return r.awaitDisconnect(ctx, t)
}

// QueryDevice returns snapshots of every device on a bus, ordered by id.
func (r *Registry) QueryDevice(busType bus.Type) ([]Device, error) {
	if !busType.Valid() {
		return nil, fmt.Errorf("%w: bus type %d", ErrInvalidParam, uint32(busType))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byID := r.devices[busType]
	out := make([]Device, 0, len(byID))
	for _, e := range byID {
		out = append(out, r.snapshotLocked(e))
	}
	slices.SortFunc(out, func(a, b Device) int {
		switch {
		case a.Descriptor.ID < b.Descriptor.ID:
			return -1
		case a.Descriptor.ID > b.Descriptor.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

// QueryDeviceByDeviceID returns a snapshot of one device. The bus is taken
// from the id itself.
func (r *Registry) QueryDeviceByDeviceID(id bus.DeviceID) (Device, error) {
	if !id.BusType().Valid() {
		return Device{}, fmt.Errorf("%w: device id %s has no valid bus type", ErrInvalidParam, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.lookupLocked(id)
	if !ok {
		return Device{}, fmt.Errorf("%w: device %s", ErrNotFound, id)
	}
	return r.snapshotLocked(e), nil
}

// GetTotalDeviceNum returns the number of registered devices on all buses.
func (r *Registry) GetTotalDeviceNum() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Bindings returns a snapshot of every binding key, ordered by key.
func (r *Registry) Bindings() []Binding {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Binding, 0, len(r.bindings))
	for key, b := range r.bindings {
		ids := make([]bus.DeviceID, 0, len(b.devices))
		for id := range b.devices {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		out = append(out, Binding{
			Key:        key,
			Identity:   b.id,
			Devices:    ids,
			Connection: copyConn(b.conn),
			Connecting: b.wantConnected && b.conn == nil,
		})
	}
	slices.SortFunc(out, func(a, b Binding) int {
		switch {
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		}
		return 0
	})
	return out
}

// Close stops the idle timer. Running driver processes are left to the
// Host to stop.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelIdleLocked()
}

func (r *Registry) lookupLocked(id bus.DeviceID) (*entry, bool) {
	e, ok := r.devices[id.BusType()][id]
	return e, ok
}

func (r *Registry) insertLocked(desc bus.DeviceDescriptor) *entry {
	byID, ok := r.devices[desc.Bus]
	if !ok {
		byID = make(map[bus.DeviceID]*entry)
		r.devices[desc.Bus] = byID
	}
	e := &entry{desc: desc.Clone()}
	byID[desc.ID] = e
	r.count++
	return e
}

func (r *Registry) snapshotLocked(e *entry) Device {
	d := Device{Descriptor: e.desc.Clone(), BindingKey: e.key}
	if b, ok := r.bindings[e.key]; ok {
		d.Connection = copyConn(b.conn)
	}
	return d
}

func copyConn(c *Connection) *Connection {
	if c == nil {
		return nil
	}
	cpy := *c
	return &cpy
}

func (r *Registry) event(kind EventKind, id bus.DeviceID, ident driverpkg.Identity) Event {
	return Event{Kind: kind, DeviceID: id, Bus: id.BusType(), Identity: ident, Time: r.now().UTC()}
}

// emit delivers events to every observer. Never call with r.mu held.
func (r *Registry) emit(events ...Event) {
	for _, ev := range events {
		for _, o := range r.observers {
			o.OnEvent(ev)
		}
	}
}

// joinErrs wraps a batch of per-device errors into one.
func joinErrs(errs []error) error {
	return errors.Join(errs...)
}
