package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/bus"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/driverpkg"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/infrastructure/mqtt"
)

// handleTimeout bounds the registry work done for one message.
const handleTimeout = 30 * time.Second

// Logger is the logging interface used by this package.
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

// Subscriber is the MQTT subscription surface. *mqtt.Client implements it.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// DeviceRegistrar receives device arrivals. *device.Registry implements it.
type DeviceRegistrar interface {
	RegisterDevice(ctx context.Context, desc bus.DeviceDescriptor) error
	UnregisterDevice(ctx context.Context, desc bus.DeviceDescriptor) error
}

// PackageIndex applies package changes to the catalogue.
// *driverpkg.Index implements it.
type PackageIndex interface {
	Apply(ctx context.Context, ev driverpkg.Event) error
}

// PackageHandler rebinds devices after a package change.
// *device.Registry implements it.
type PackageHandler interface {
	HandlePackageEvent(ctx context.Context, ev driverpkg.Event) error
}

// listener holds what both listeners share: one subscription and a base
// context that is cancelled on Stop.
type listener struct {
	sub    Subscriber
	topic  string
	qos    byte
	logger Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func (l *listener) start(ctx context.Context, handler mqtt.MessageHandler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return nil
	}

	l.ctx, l.cancel = context.WithCancel(ctx)
	if err := l.sub.Subscribe(l.topic, l.qos, handler); err != nil {
		l.cancel()
		l.cancel = nil
		return fmt.Errorf("subscribing to %s: %w", l.topic, err)
	}
	l.logger.Info("subscribed", "topic", l.topic)
	return nil
}

func (l *listener) stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel == nil {
		return nil
	}
	l.cancel()
	l.cancel = nil
	if err := l.sub.Unsubscribe(l.topic); err != nil {
		return fmt.Errorf("unsubscribing from %s: %w", l.topic, err)
	}
	return nil
}

// handleContext derives the context for one message.
func (l *listener) handleContext() (context.Context, context.CancelFunc) {
	l.mu.Lock()
	base := l.ctx
	l.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	return context.WithTimeout(base, handleTimeout)
}

// DeviceListener feeds device arrivals and removals from MQTT into the
// registry.
type DeviceListener struct {
	listener
	reg DeviceRegistrar
}

// NewDeviceListener creates a listener for extdev/device/+.
func NewDeviceListener(sub Subscriber, reg DeviceRegistrar, qos byte) *DeviceListener {
	return &DeviceListener{
		listener: listener{sub: sub, topic: mqtt.Topics{}.AllDevices(), qos: qos, logger: noopLogger{}},
		reg:      reg,
	}
}

// SetLogger sets the logger.
func (l *DeviceListener) SetLogger(logger Logger) {
	if logger != nil {
		l.logger = logger
	}
}

// Start subscribes. Messages are handled until Stop or ctx is cancelled.
func (l *DeviceListener) Start(ctx context.Context) error {
	return l.start(ctx, l.handle)
}

// Stop unsubscribes.
func (l *DeviceListener) Stop() error {
	return l.stop()
}

func (l *DeviceListener) handle(topic string, payload []byte) error {
	action := mqtt.LastSegment(topic)

	var msg DeviceMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	desc, err := msg.Descriptor()
	if err != nil {
		return err
	}

	ctx, cancel := l.handleContext()
	defer cancel()

	switch action {
	case mqtt.ActionAdded:
		l.logger.Debug("device arrived", "device_id", desc.ID, "vendor_id", msg.VendorID, "product_id", msg.ProductID)
		err = l.reg.RegisterDevice(ctx, desc)
	case mqtt.ActionRemoved:
		l.logger.Debug("device removed", "device_id", desc.ID)
		err = l.reg.UnregisterDevice(ctx, desc)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if err != nil {
		return fmt.Errorf("handling device %s %s: %w", desc.ID, action, err)
	}
	return nil
}

// PackageListener feeds driver package changes from MQTT into the index and
// then the registry.
type PackageListener struct {
	listener
	index PackageIndex
	reg   PackageHandler
}

// NewPackageListener creates a listener for extdev/package/+.
func NewPackageListener(sub Subscriber, index PackageIndex, reg PackageHandler, qos byte) *PackageListener {
	return &PackageListener{
		listener: listener{sub: sub, topic: mqtt.Topics{}.AllPackages(), qos: qos, logger: noopLogger{}},
		index:    index,
		reg:      reg,
	}
}

// SetLogger sets the logger.
func (l *PackageListener) SetLogger(logger Logger) {
	if logger != nil {
		l.logger = logger
	}
}

// Start subscribes. Messages are handled until Stop or ctx is cancelled.
func (l *PackageListener) Start(ctx context.Context) error {
	return l.start(ctx, l.handle)
}

// Stop unsubscribes.
func (l *PackageListener) Stop() error {
	return l.stop()
}

func (l *PackageListener) handle(topic string, payload []byte) error {
	status, err := driverpkg.ParseStatus(mqtt.LastSegment(topic))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnknownAction, err)
	}

	var msg PackageMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	ev, err := msg.Event(status)
	if err != nil {
		return err
	}

	ctx, cancel := l.handleContext()
	defer cancel()

	// The catalogue must reflect the change before the registry rematches.
	if err := l.index.Apply(ctx, ev); err != nil {
		return fmt.Errorf("applying package %s %s: %w", ev.Identity, status, err)
	}
	if err := l.reg.HandlePackageEvent(ctx, ev); err != nil {
		return fmt.Errorf("rebinding for package %s %s: %w", ev.Identity, status, err)
	}
	l.logger.Info("package change applied", "package", ev.Package, "component", ev.Component, "status", status.String())
	return nil
}
