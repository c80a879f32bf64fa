package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/bus"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/bus/usb"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/driverpkg"
)

// fakeMatcher matches devices on vendor/product id.
type fakeMatcher struct {
	mu      sync.Mutex
	drivers map[[2]uint16]driverpkg.Identity
	err     error
	calls   int
}

func newFakeMatcher() *fakeMatcher {
	return &fakeMatcher{drivers: make(map[[2]uint16]driverpkg.Identity)}
}

func (m *fakeMatcher) install(vid, pid uint16, pkg, comp string) driverpkg.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := driverpkg.Identity{Package: pkg, Component: comp}
	m.drivers[[2]uint16{vid, pid}] = id
	return id
}

func (m *fakeMatcher) uninstall(vid, pid uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.drivers, [2]uint16{vid, pid})
}

func (m *fakeMatcher) QueryMatchDriver(_ context.Context, dev bus.DeviceDescriptor) (driverpkg.Identity, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return driverpkg.Identity{}, false, m.err
	}
	id, ok := m.drivers[[2]uint16{dev.VendorID, dev.ProductID}]
	return id, ok, nil
}

// fakeHost records host calls and flags protocol violations: a connect for
// a key that is already running, or a disconnect for one that is not.
type fakeHost struct {
	mu          sync.Mutex
	running     map[string]bool
	connects    map[string]int
	disconnects map[string]int
	violations  []string
	connectErr  error
	delay       time.Duration
	seq         int
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		running:     make(map[string]bool),
		connects:    make(map[string]int),
		disconnects: make(map[string]int),
	}
}

func (h *fakeHost) Connect(_ context.Context, id driverpkg.Identity) (Connection, error) {
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	key := id.Key()
	if h.connectErr != nil {
		return Connection{}, h.connectErr
	}
	if h.running[key] {
		h.violations = append(h.violations, "connect while running: "+key)
	}
	h.running[key] = true
	h.connects[key]++
	h.seq++
	return Connection{
		ID:        fmt.Sprintf("conn-%d", h.seq),
		Identity:  id,
		PID:       1000 + h.seq,
		StartedAt: time.Unix(0, 0).UTC(),
	}, nil
}

func (h *fakeHost) Disconnect(_ context.Context, id driverpkg.Identity) error {
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	key := id.Key()
	if !h.running[key] {
		h.violations = append(h.violations, "disconnect while stopped: "+key)
	}
	delete(h.running, key)
	h.disconnects[key]++
	return nil
}

// kill simulates the process dying behind the registry's back.
func (h *fakeHost) kill(id driverpkg.Identity) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.running, id.Key())
}

func (h *fakeHost) setConnectErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connectErr = err
}

func (h *fakeHost) counts(id driverpkg.Identity) (connects, disconnects int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connects[id.Key()], h.disconnects[id.Key()]
}

func (h *fakeHost) isRunning(id driverpkg.Identity) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running[id.Key()]
}

func (h *fakeHost) checkViolations(t *testing.T) {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, v := range h.violations {
		t.Errorf("host protocol violation: %s", v)
	}
}

// fakeUnloader counts unload requests. It must not block: it runs under the
// registry lock.
type fakeUnloader struct {
	ch chan struct{}
}

func newFakeUnloader() *fakeUnloader {
	return &fakeUnloader{ch: make(chan struct{}, 8)}
}

func (u *fakeUnloader) RequestUnload() {
	select {
	case u.ch <- struct{}{}:
	default:
	}
}

// eventLog collects observed events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) OnEvent(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventKind, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Kind
	}
	return out
}

type testEnv struct {
	reg      *Registry
	matcher  *fakeMatcher
	host     *fakeHost
	unloader *fakeUnloader
	events   *eventLog
}

func newTestEnv(t *testing.T, idle time.Duration) *testEnv {
	t.Helper()
	env := &testEnv{
		matcher:  newFakeMatcher(),
		host:     newFakeHost(),
		unloader: newFakeUnloader(),
		events:   &eventLog{},
	}
	env.reg = NewRegistry(Options{
		Matcher:         env.matcher,
		Host:            env.host,
		Unloader:        env.unloader,
		IdleUnloadDelay: idle,
		Observers:       []Observer{env.events},
	})
	t.Cleanup(func() {
		env.reg.Close()
		env.host.checkViolations(t)
	})
	return env
}

func usbDevice(t *testing.T, devNum uint8, vid, pid uint16) bus.DeviceDescriptor {
	t.Helper()
	dev, err := usb.NewDevice(1, devNum, vid, pid, "test device")
	if err != nil {
		t.Fatalf("usb.NewDevice() error = %v", err)
	}
	return dev
}

// assertBindingInvariant checks that every binding has devices and that
// every bound device is listed in its binding.
func assertBindingInvariant(t *testing.T, r *Registry) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, b := range r.bindings {
		if len(b.devices) == 0 {
			t.Errorf("binding %s has no devices", key)
		}
		for id := range b.devices {
			e, ok := r.lookupLocked(id)
			if !ok || e.key != key {
				t.Errorf("binding %s lists device %s which is not bound to it", key, id)
			}
		}
	}
	n := 0
	for _, byID := range r.devices {
		for id, e := range byID {
			n++
			if e.key == "" {
				continue
			}
			if _, ok := r.bindings[e.key].devices[id]; !ok {
				t.Errorf("device %s bound to %s is missing from the binding", id, e.key)
			}
		}
	}
	if n != r.count {
		t.Errorf("count = %d, devices = %d", r.count, n)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var errBoom = errors.New("boom")
