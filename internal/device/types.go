package device

import (
	"context"
	"time"

	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/bus"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/driverpkg"
)

// Connection is the handle of a running driver-hosting process.
type Connection struct {
	// ID is unique per successful connect.
	ID        string             `json:"id"`
	Identity  driverpkg.Identity `json:"identity"`
	PID       int                `json:"pid,omitempty"`
	StartedAt time.Time          `json:"started_at"`
}

// Device is a read-only snapshot of a registered device.
type Device struct {
	Descriptor bus.DeviceDescriptor `json:"descriptor"`

	// BindingKey is the matched driver's "package/component" key, empty
	// while no installed driver matches.
	BindingKey string `json:"binding_key,omitempty"`

	// Connection is set while the bound driver's process is running.
	Connection *Connection `json:"connection,omitempty"`
}

// Bound reports whether a driver has been matched to the device.
func (d Device) Bound() bool {
	return d.BindingKey != ""
}

// Binding is a read-only snapshot of one binding key.
type Binding struct {
	Key        string             `json:"key"`
	Identity   driverpkg.Identity `json:"identity"`
	Devices    []bus.DeviceID     `json:"devices"`
	Connection *Connection        `json:"connection,omitempty"`

	// Connecting is true while a connect has been decided but its handle
	// has not arrived yet.
	Connecting bool `json:"connecting"`
}

// Matcher finds the driver for a device. driverpkg.Index implements it.
type Matcher interface {
	QueryMatchDriver(ctx context.Context, dev bus.DeviceDescriptor) (driverpkg.Identity, bool, error)
}

// Host starts and stops driver-hosting processes.
//
// The Registry never calls Connect twice for a key without a Disconnect in
// between, and never calls either concurrently for the same key.
// Implementations must not call back into the Registry for the same key
// from inside Connect or Disconnect. Every successful Connect returns a
// Connection with a new, non-empty ID.
type Host interface {
	Connect(ctx context.Context, id driverpkg.Identity) (Connection, error)
	Disconnect(ctx context.Context, id driverpkg.Identity) error
}

// Unloader tears the whole service down once it has been idle long enough.
// RequestUnload is called with the registry lock held and must not block.
type Unloader interface {
	RequestUnload()
}

// UnloaderFunc adapts a function to Unloader.
type UnloaderFunc func()

// RequestUnload calls f.
func (f UnloaderFunc) RequestUnload() { f() }

// ConnectCallback receives the outcome of ConnectDevice. It is called
// without any registry lock held.
type ConnectCallback func(conn *Connection, err error)

// EventKind names a registry lifecycle event.
type EventKind string

const (
	EventDeviceRegistered    EventKind = "device_registered"
	EventDeviceUnregistered  EventKind = "device_unregistered"
	EventDriverBound         EventKind = "driver_bound"
	EventDriverUnbound       EventKind = "driver_unbound"
	EventDriverConnected     EventKind = "driver_connected"
	EventDriverConnectFailed EventKind = "driver_connect_failed"
	EventDriverDisconnected  EventKind = "driver_disconnected"
	EventIdleUnloadArmed     EventKind = "idle_unload_armed"
	EventIdleUnload          EventKind = "idle_unload"
)

// Event describes one registry state change.
type Event struct {
	Kind       EventKind          `json:"kind"`
	DeviceID   bus.DeviceID       `json:"device_id,omitempty"`
	Bus        bus.Type           `json:"-"`
	Identity   driverpkg.Identity `json:"identity"`
	Connection *Connection        `json:"connection,omitempty"`
	Error      string             `json:"error,omitempty"`
	Time       time.Time          `json:"time"`
}

// Observer is notified of registry events, in order, outside the registry
// lock. OnEvent must not block for long; it runs on the goroutine that
// caused the change.
type Observer interface {
	OnEvent(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// OnEvent calls f.
func (f ObserverFunc) OnEvent(ev Event) { f(ev) }
