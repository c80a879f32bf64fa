package ingest

import (
	"context"
	"errors"
	"sync"

	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/bus"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/device"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/driverpkg"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/infrastructure/mqtt"
)

var errBoom = errors.New("boom")

type fakeSubscriber struct {
	mu       sync.Mutex
	handlers map[string]mqtt.MessageHandler
	subErr   error
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{handlers: make(map[string]mqtt.MessageHandler)}
}

func (f *fakeSubscriber) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return f.subErr
	}
	f.handlers[topic] = handler
	return nil
}

func (f *fakeSubscriber) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, topic)
	return nil
}

// deliver calls the handler subscribed to pattern with a concrete topic.
func (f *fakeSubscriber) deliver(pattern, topic string, payload []byte) error {
	f.mu.Lock()
	h, ok := f.handlers[pattern]
	f.mu.Unlock()
	if !ok {
		return errors.New("no subscription for " + pattern)
	}
	return h(topic, payload)
}

type fakeRegistrar struct {
	mu           sync.Mutex
	registered   []bus.DeviceDescriptor
	unregistered []bus.DeviceDescriptor
	err          error
}

func (f *fakeRegistrar) RegisterDevice(_ context.Context, desc bus.DeviceDescriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, desc)
	return f.err
}

func (f *fakeRegistrar) UnregisterDevice(_ context.Context, desc bus.DeviceDescriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregistered = append(f.unregistered, desc)
	return f.err
}

// callLog records the order of index and registry calls.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *callLog) add(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, s)
}

type fakeIndex struct {
	log    *callLog
	err    error
	events []driverpkg.Event
}

func (f *fakeIndex) Apply(_ context.Context, ev driverpkg.Event) error {
	f.log.add("index:" + ev.Status.String())
	f.events = append(f.events, ev)
	return f.err
}

type fakePackageHandler struct {
	log *callLog
	err error
}

func (f *fakePackageHandler) HandlePackageEvent(_ context.Context, ev driverpkg.Event) error {
	f.log.add("registry:" + ev.Status.String())
	return f.err
}

type published struct {
	topic    string
	value    any
	retained bool
	cleared  bool
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) PublishJSON(topic string, v any, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{topic: topic, value: v, retained: retained})
	return f.err
}

func (f *fakePublisher) ClearRetained(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{topic: topic, retained: true, cleared: true})
	return f.err
}

func (f *fakePublisher) snapshot() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

type fakeBindings struct {
	mu       sync.Mutex
	bindings []device.Binding
}

func (f *fakeBindings) Bindings() []device.Binding {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]device.Binding(nil), f.bindings...)
}
