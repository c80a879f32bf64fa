package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/auth"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/bus"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/bus/usb"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/device"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/driverhost"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/driverpkg"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/infrastructure/config"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/infrastructure/logging"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

// fakeRegistry is an in-memory Registry.
type fakeRegistry struct {
	mu         sync.Mutex
	devices    []device.Device
	bindings   []device.Binding
	idle       bool
	connectErr error
	conn       *device.Connection
	connects   []bus.DeviceID
	disconnect []bus.DeviceID
}

func (f *fakeRegistry) QueryDevice(t bus.Type) ([]device.Device, error) {
	if !t.Valid() {
		return nil, device.ErrInvalidParam
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []device.Device
	for _, d := range f.devices {
		if d.Descriptor.Bus == t {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeRegistry) QueryDeviceByDeviceID(id bus.DeviceID) (device.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.devices {
		if d.Descriptor.ID == id {
			return d, nil
		}
	}
	return device.Device{}, device.ErrNotFound
}

func (f *fakeRegistry) GetTotalDeviceNum() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.devices)
}

func (f *fakeRegistry) Bindings() []device.Binding {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]device.Binding(nil), f.bindings...)
}

func (f *fakeRegistry) IdleUnloadPending() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.idle
}

func (f *fakeRegistry) ConnectDevice(_ context.Context, id bus.DeviceID, cb device.ConnectCallback) error {
	if _, err := f.QueryDeviceByDeviceID(id); err != nil {
		return err
	}
	f.mu.Lock()
	f.connects = append(f.connects, id)
	conn, err := f.conn, f.connectErr
	f.mu.Unlock()
	cb(conn, err)
	return nil
}

func (f *fakeRegistry) DisconnectDevice(_ context.Context, id bus.DeviceID) error {
	if _, err := f.QueryDeviceByDeviceID(id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnect = append(f.disconnect, id)
	return nil
}

type fakeDrivers struct {
	drivers []driverpkg.Driver
	err     error
}

func (f *fakeDrivers) List(context.Context) ([]driverpkg.Driver, error) {
	return f.drivers, f.err
}

type fakeProcesses []driverhost.Process

func (f fakeProcesses) Processes() []driverhost.Process { return f }

type fakeMQTT bool

func (f fakeMQTT) IsConnected() bool { return bool(f) }

// testServer builds a Server whose router is served by httptest.
func testServer(t *testing.T, deps Deps) (*Server, http.Handler) {
	t.Helper()

	if deps.Logger == nil {
		deps.Logger = logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
	}
	if deps.Registry == nil {
		deps.Registry = &fakeRegistry{}
	}
	deps.Config = config.APIConfig{
		Host:     "127.0.0.1",
		Port:     0,
		Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
	}
	deps.WS = config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}
	deps.Security = config.SecurityConfig{JWT: config.JWTConfig{Secret: testSecret, AccessTokenTTL: 15}}
	deps.Version = "test"

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.hub.Run(ctx)

	return srv, srv.buildRouter()
}

// token mints a bearer token for role.
func token(t *testing.T, role auth.Role) string {
	t.Helper()
	tok, err := auth.GenerateAccessToken("test-"+string(role), role, testSecret, time.Minute)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	return tok
}

// do performs a request against h, authenticated as role when non-empty.
func do(t *testing.T, h http.Handler, method, target string, role auth.Role) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if role != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, role))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// usbDevice builds a registered device snapshot.
func usbDevice(t *testing.T, devNum uint8, key string) device.Device {
	t.Helper()
	desc, err := usb.NewDevice(1, devNum, 0x1234, 0x5678, "test device")
	if err != nil {
		t.Fatalf("NewDevice() error = %v", err)
	}
	return device.Device{Descriptor: desc, BindingKey: key}
}
