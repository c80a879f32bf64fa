package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/device"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/infrastructure/mqtt"
)

const defaultPublishQueue = 256

// Publisher is the MQTT publishing surface. *mqtt.Client implements it.
type Publisher interface {
	PublishJSON(topic string, v any, retained bool) error
	ClearRetained(topic string) error
}

// BindingSource lists the current bindings. *device.Registry implements it.
type BindingSource interface {
	Bindings() []device.Binding
}

// StatusPublisher mirrors registry events to MQTT: every event on
// extdev/event/{kind}, and the resulting binding state retained on
// extdev/binding/{package}/{component}. Bindings that no longer exist have
// their retained state cleared.
//
// OnEvent only queues; Run publishes, since a publish may wait for the
// broker.
type StatusPublisher struct {
	pub      Publisher
	bindings BindingSource
	logger   Logger
	now      func() time.Time

	queue chan device.Event

	mu      sync.Mutex
	closed  bool
	dropped int
}

// NewStatusPublisher creates a StatusPublisher.
func NewStatusPublisher(pub Publisher, bindings BindingSource, queueSize int) *StatusPublisher {
	if queueSize <= 0 {
		queueSize = defaultPublishQueue
	}
	return &StatusPublisher{
		pub:      pub,
		bindings: bindings,
		logger:   noopLogger{},
		now:      time.Now,
		queue:    make(chan device.Event, queueSize),
	}
}

// SetLogger sets the logger.
func (p *StatusPublisher) SetLogger(logger Logger) {
	if logger != nil {
		p.logger = logger
	}
}

// OnEvent queues ev, dropping it when the queue is full.
func (p *StatusPublisher) OnEvent(ev device.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- ev:
	default:
		p.dropped++
		p.logger.Warn("status event dropped, queue full", "kind", string(ev.Kind), "dropped", p.dropped)
	}
}

// Dropped returns how many events were lost to a full queue.
func (p *StatusPublisher) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Run publishes queued events until ctx is cancelled, then drains the queue.
func (p *StatusPublisher) Run(ctx context.Context) {
	for {
		select {
		case ev := <-p.queue:
			p.publish(ev)
		case <-ctx.Done():
			p.mu.Lock()
			p.closed = true
			p.mu.Unlock()
			for {
				select {
				case ev := <-p.queue:
					p.publish(ev)
				default:
					return
				}
			}
		}
	}
}

func (p *StatusPublisher) publish(ev device.Event) {
	topics := mqtt.Topics{}

	if err := p.pub.PublishJSON(topics.Event(string(ev.Kind)), ev, false); err != nil {
		p.logger.Warn("publishing event failed", "kind", string(ev.Kind), "error", err)
	}

	if ev.Identity.Package == "" {
		return
	}
	switch ev.Kind {
	case device.EventDriverBound, device.EventDriverUnbound,
		device.EventDriverConnected, device.EventDriverConnectFailed,
		device.EventDriverDisconnected:
	default:
		return
	}

	topic := topics.Binding(ev.Identity.Package, ev.Identity.Component)
	key := ev.Identity.Key()
	for _, b := range p.bindings.Bindings() {
		if b.Key != key {
			continue
		}
		if err := p.pub.PublishJSON(topic, bindingState(b, p.now()), true); err != nil {
			p.logger.Warn("publishing binding state failed", "binding", key, "error", err)
		}
		return
	}
	if err := p.pub.ClearRetained(topic); err != nil {
		p.logger.Warn("clearing binding state failed", "binding", key, "error", err)
	}
}
