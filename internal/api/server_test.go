package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"

	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/audit"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/auth"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/bus"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/device"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/driverhost"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/driverpkg"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/infrastructure/config"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/infrastructure/database"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/process"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/migrations"
)

// ─── Health & middleware ───────────────────────────────────────────

func TestHealth(t *testing.T) {
	reg := &fakeRegistry{idle: true}
	_, h := testServer(t, Deps{Registry: reg, MQTT: fakeMQTT(false)})

	w := do(t, h, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var resp HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if resp.Status != "degraded" || resp.Version != "test" || !resp.IdleUnloadPending {
		t.Errorf("health = %+v", resp)
	}
	if resp.MQTTConnected == nil || *resp.MQTTConnected {
		t.Errorf("MQTTConnected = %v, want false", resp.MQTTConnected)
	}
}

func TestRequestID(t *testing.T) {
	_, h := testServer(t, Deps{})

	w := do(t, h, http.MethodGet, "/api/v1/health", "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header not set")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-id-123")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "client-id-123" {
		t.Errorf("X-Request-ID = %q, want client-id-123", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	_, h := testServer(t, Deps{})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/devices", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestNotFound(t *testing.T) {
	_, h := testServer(t, Deps{})
	if w := do(t, h, http.MethodGet, "/api/v1/nonexistent", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestRecovery(t *testing.T) {
	srv, _ := testServer(t, Deps{})
	h := srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

// ─── Authentication ────────────────────────────────────────────────

func TestAuth(t *testing.T) {
	_, h := testServer(t, Deps{})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage", "Bearer not-a-jwt", http.StatusUnauthorized},
		{"valid viewer", "Bearer " + token(t, auth.RoleViewer), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestAuth_WrongSecret(t *testing.T) {
	_, h := testServer(t, Deps{})

	tok, err := auth.GenerateAccessToken("svc", auth.RoleOperator, "another-secret-that-is-long-enough!!", time.Minute)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

// ─── Devices ───────────────────────────────────────────────────────

func TestListDevices(t *testing.T) {
	reg := &fakeRegistry{devices: []device.Device{
		usbDevice(t, 2, "com.acme/Serial"),
		usbDevice(t, 3, ""),
	}}
	_, h := testServer(t, Deps{Registry: reg})

	for _, target := range []string{"/api/v1/devices", "/api/v1/devices?bus=usb", "/api/v1/devices?bus=USB"} {
		w := do(t, h, http.MethodGet, target, auth.RoleViewer)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: status = %d, want 200", target, w.Code)
		}
		var resp struct {
			Devices []device.Device `json:"devices"`
			Count   int             `json:"count"`
		}
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("decoding: %v", err)
		}
		if resp.Count != 2 || resp.Devices[0].BindingKey != "com.acme/Serial" {
			t.Errorf("%s: response = %+v", target, resp)
		}
	}
}

func TestListDevices_Empty(t *testing.T) {
	_, h := testServer(t, Deps{})

	w := do(t, h, http.MethodGet, "/api/v1/devices", auth.RoleViewer)
	if !strings.Contains(w.Body.String(), `"devices":[]`) {
		t.Errorf("body = %s, want empty devices array", w.Body.String())
	}
}

func TestListDevices_BadBus(t *testing.T) {
	_, h := testServer(t, Deps{})
	if w := do(t, h, http.MethodGet, "/api/v1/devices?bus=pci", auth.RoleViewer); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestDeviceCount(t *testing.T) {
	reg := &fakeRegistry{devices: []device.Device{usbDevice(t, 2, ""), usbDevice(t, 3, "")}}
	_, h := testServer(t, Deps{Registry: reg})

	w := do(t, h, http.MethodGet, "/api/v1/devices/count", auth.RoleViewer)
	if got := strings.TrimSpace(w.Body.String()); got != `{"count":2}` {
		t.Errorf("body = %s", got)
	}
}

func TestGetDevice(t *testing.T) {
	d := usbDevice(t, 7, "")
	_, h := testServer(t, Deps{Registry: &fakeRegistry{devices: []device.Device{d}}})

	w := do(t, h, http.MethodGet, "/api/v1/devices/"+d.Descriptor.ID.String(), auth.RoleViewer)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got device.Device
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if diff := cmp.Diff(d, got); diff != "" {
		t.Errorf("device mismatch (-want +got):\n%s", diff)
	}

	id, err := bus.NewDeviceID(bus.TypeUSB, 999)
	if err != nil {
		t.Fatalf("NewDeviceID() error = %v", err)
	}
	if w := do(t, h, http.MethodGet, "/api/v1/devices/"+id.String(), auth.RoleViewer); w.Code != http.StatusNotFound {
		t.Errorf("unknown id: status = %d, want 404", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/api/v1/devices/zzz", auth.RoleViewer); w.Code != http.StatusBadRequest {
		t.Errorf("bad id: status = %d, want 400", w.Code)
	}
}

func TestConnectDevice(t *testing.T) {
	d := usbDevice(t, 4, "com.acme/Serial")
	conn := &device.Connection{ID: "conn-1", Identity: driverpkg.Identity{Package: "com.acme", Component: "Serial"}, PID: 321}
	reg := &fakeRegistry{devices: []device.Device{d}, conn: conn}
	_, h := testServer(t, Deps{Registry: reg})
	target := "/api/v1/devices/" + d.Descriptor.ID.String() + "/connect"

	if w := do(t, h, http.MethodPost, target, auth.RoleViewer); w.Code != http.StatusForbidden {
		t.Errorf("viewer: status = %d, want 403", w.Code)
	}
	if len(reg.connects) != 0 {
		t.Fatalf("viewer reached the registry")
	}

	w := do(t, h, http.MethodPost, target, auth.RoleOperator)
	if w.Code != http.StatusOK {
		t.Fatalf("operator: status = %d, want 200 (%s)", w.Code, w.Body.String())
	}
	var got device.Connection
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if diff := cmp.Diff(*conn, got); diff != "" {
		t.Errorf("connection mismatch (-want +got):\n%s", diff)
	}
}

func TestConnectDevice_ErrorMapping(t *testing.T) {
	d := usbDevice(t, 4, "")
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not bound", fmt.Errorf("%w: no binding", device.ErrNotFound), http.StatusNotFound},
		{"host failure", fmt.Errorf("%w: exec failed", device.ErrCollaborator), http.StatusBadGateway},
		{"missing host", device.ErrInvalidObject, http.StatusInternalServerError},
		{"bad param", device.ErrInvalidParam, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := &fakeRegistry{devices: []device.Device{d}, connectErr: tt.err}
			_, h := testServer(t, Deps{Registry: reg})

			w := do(t, h, http.MethodPost, "/api/v1/devices/"+d.Descriptor.ID.String()+"/connect", auth.RoleOperator)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestDisconnectDevice(t *testing.T) {
	d := usbDevice(t, 5, "com.acme/Serial")
	reg := &fakeRegistry{devices: []device.Device{d}}
	_, h := testServer(t, Deps{Registry: reg})

	w := do(t, h, http.MethodPost, "/api/v1/devices/"+d.Descriptor.ID.String()+"/disconnect", auth.RoleOperator)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if diff := cmp.Diff([]bus.DeviceID{d.Descriptor.ID}, reg.disconnect); diff != "" {
		t.Errorf("disconnect calls mismatch (-want +got):\n%s", diff)
	}
}

// ─── Drivers, bindings, processes ──────────────────────────────────

func TestListDrivers(t *testing.T) {
	drivers := &fakeDrivers{drivers: []driverpkg.Driver{{
		Identity: driverpkg.Identity{Package: "com.acme", Component: "Serial"},
		Bus:      "usb",
		Metadata: []bus.Metadata{{Name: "vid", Value: "0x1234"}},
	}}}
	_, h := testServer(t, Deps{Drivers: drivers})

	w := do(t, h, http.MethodGet, "/api/v1/drivers", auth.RoleViewer)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"package":"com.acme"`) {
		t.Errorf("status = %d, body = %s", w.Code, w.Body.String())
	}

	drivers.err = errors.New("db gone")
	if w := do(t, h, http.MethodGet, "/api/v1/drivers", auth.RoleViewer); w.Code != http.StatusInternalServerError {
		t.Errorf("failing catalogue: status = %d, want 500", w.Code)
	}
}

func TestOptionalDependenciesUnavailable(t *testing.T) {
	_, h := testServer(t, Deps{})

	for _, target := range []string{"/api/v1/drivers", "/api/v1/processes", "/api/v1/events"} {
		if w := do(t, h, http.MethodGet, target, auth.RoleViewer); w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: status = %d, want 503", target, w.Code)
		}
	}
}

func TestListBindingsAndProcesses(t *testing.T) {
	ident := driverpkg.Identity{Package: "com.acme", Component: "Serial"}
	conn := device.Connection{ID: "c-9", Identity: ident, PID: 77}
	reg := &fakeRegistry{bindings: []device.Binding{{Key: ident.Key(), Identity: ident, Connection: &conn}}}
	procs := fakeProcesses{{Connection: conn, Stats: process.Stats{Name: ident.Key(), Status: process.StatusRunning, PID: 77}}}
	_, h := testServer(t, Deps{Registry: reg, Processes: procs})

	w := do(t, h, http.MethodGet, "/api/v1/bindings", auth.RoleViewer)
	if !strings.Contains(w.Body.String(), `"key":"com.acme/Serial"`) {
		t.Errorf("bindings body = %s", w.Body.String())
	}

	w = do(t, h, http.MethodGet, "/api/v1/processes", auth.RoleViewer)
	var resp struct {
		Processes []driverhost.Process `json:"processes"`
		Count     int                  `json:"count"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if resp.Count != 1 || resp.Processes[0].Stats.PID != 77 {
		t.Errorf("processes = %+v", resp)
	}
}

func TestMetrics(t *testing.T) {
	ident := driverpkg.Identity{Package: "com.acme", Component: "Serial"}
	reg := &fakeRegistry{
		devices:  []device.Device{usbDevice(t, 2, ident.Key()), usbDevice(t, 3, "")},
		bindings: []device.Binding{{Key: ident.Key(), Identity: ident, Connection: &device.Connection{ID: "c"}}},
	}
	procs := fakeProcesses{{Stats: process.Stats{Status: process.StatusRunning, Restarts: 2}}}
	_, h := testServer(t, Deps{Registry: reg, Processes: procs, MQTT: fakeMQTT(true)})

	w := do(t, h, http.MethodGet, "/api/v1/metrics", "")
	var m SystemMetrics
	if err := json.NewDecoder(w.Body).Decode(&m); err != nil {
		t.Fatalf("decoding: %v", err)
	}

	want := DeviceMetrics{Total: 2, ByBus: map[string]int{"usb": 2}, Bound: 1, Bindings: 1, Connected: 1}
	if diff := cmp.Diff(want, m.Devices); diff != "" {
		t.Errorf("device metrics mismatch (-want +got):\n%s", diff)
	}
	if m.DriverHosts == nil || m.DriverHosts.ByStatus["running"] != 1 || m.DriverHosts.Restarts != 2 {
		t.Errorf("driver hosts = %+v", m.DriverHosts)
	}
	if m.MQTT == nil || !m.MQTT.Connected {
		t.Errorf("mqtt = %+v", m.MQTT)
	}
}

// ─── Lifecycle history ─────────────────────────────────────────────

func TestListEvents(t *testing.T) {
	db, err := database.Open(config.DatabaseConfig{Path: database.MemoryPath})
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	repo := audit.NewSQLiteRepository(db.DB)
	for _, kind := range []string{"device_registered", "driver_bound", "device_registered"} {
		if err := repo.Create(context.Background(), &audit.Entry{Kind: kind}); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	_, h := testServer(t, Deps{History: repo})

	w := do(t, h, http.MethodGet, "/api/v1/events?kind=device_registered&limit=1", auth.RoleViewer)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var res audit.ListResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if res.Total != 2 || len(res.Entries) != 1 || res.Limit != 1 {
		t.Errorf("result = %+v", res)
	}

	for _, q := range []string{"limit=-1", "offset=x", "since=yesterday"} {
		if w := do(t, h, http.MethodGet, "/api/v1/events?"+q, auth.RoleViewer); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, w.Code)
		}
	}
}

// ─── WebSocket ─────────────────────────────────────────────────────

func TestWebSocket_TicketAndEvents(t *testing.T) {
	srv, h := testServer(t, Deps{})
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/auth/ws-ticket", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token(t, auth.RoleViewer))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("ticket request: %v", err)
	}
	var ticket struct {
		Ticket string `json:"ticket"`
	}
	err = json.NewDecoder(resp.Body).Decode(&ticket)
	resp.Body.Close()
	if err != nil || ticket.Ticket == "" {
		t.Fatalf("ticket response: %v %+v", err, ticket)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws?ticket=" + ticket.Ticket
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	sub := WSMessage{Type: WSTypeSubscribe, ID: "1", Payload: WSSubscribePayload{Channels: []string{ChannelRegistryEvent}}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck // test deadline

	var ack WSMessage
	if err := conn.ReadJSON(&ack); err != nil || ack.Type != WSTypeResponse || ack.ID != "1" {
		t.Fatalf("subscribe ack = %+v, err = %v", ack, err)
	}

	srv.Hub().OnEvent(device.Event{Kind: device.EventDeviceRegistered})

	var evMsg struct {
		Type      string       `json:"type"`
		EventType string       `json:"event_type"`
		Payload   device.Event `json:"payload"`
	}
	if err := conn.ReadJSON(&evMsg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if evMsg.Type != WSTypeEvent || evMsg.EventType != ChannelRegistryEvent || evMsg.Payload.Kind != device.EventDeviceRegistered {
		t.Errorf("event message = %+v", evMsg)
	}

	// Tickets are single-use.
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Error("second Dial with the same ticket succeeded")
	} else if resp != nil && resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("second Dial status = %d, want 401", resp.StatusCode)
	}
}

func TestWebSocket_RequiresTicket(t *testing.T) {
	_, h := testServer(t, Deps{})

	if w := do(t, h, http.MethodGet, "/api/v1/ws", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no ticket: status = %d, want 401", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/api/v1/ws?ticket=bogus", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("bogus ticket: status = %d, want 401", w.Code)
	}
}

func TestTicketStore_Expiry(t *testing.T) {
	ts := newTicketStore()
	now := time.Now()

	expired := ts.issue("svc", auth.RoleViewer, now.Add(-2*ticketTTL))
	if _, ok := ts.redeem(expired, now); ok {
		t.Error("expired ticket redeemed")
	}

	ts.issue("svc", auth.RoleViewer, now.Add(-2*ticketTTL))
	live := ts.issue("svc", auth.RoleOperator, now)
	ts.clean(now)
	if got := ts.len(); got != 1 {
		t.Errorf("tickets after clean = %d, want 1", got)
	}
	entry, ok := ts.redeem(live, now)
	if !ok || entry.role != auth.RoleOperator {
		t.Errorf("redeem live = %+v, %v", entry, ok)
	}
}

// ─── Lifecycle ─────────────────────────────────────────────────────

func TestStartAndClose(t *testing.T) {
	srv, _ := testServer(t, Deps{})

	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if srv.Addr() == "" {
		t.Fatal("Addr() empty after Start")
	}

	resp, err := http.Get("http://" + srv.Addr() + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{Registry: &fakeRegistry{}}); err == nil {
		t.Error("New() without logger should fail")
	}
	srv, _ := testServer(t, Deps{})
	if _, err := New(Deps{Logger: srv.logger}); err == nil {
		t.Error("New() without registry should fail")
	}
}

// dialWS redeems a fresh ticket and opens an event stream against ts.
func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/auth/ws-ticket", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token(t, auth.RoleViewer))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("ticket request: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Ticket string `json:"ticket"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding ticket: %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/v1/ws?ticket="+body.Ticket, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck // test deadline
	return conn
}

func TestWebSocket_FilterAndSnapshot(t *testing.T) {
	ident := driverpkg.Identity{Package: "com.acme", Component: "Serial"}
	reg := &fakeRegistry{bindings: []device.Binding{{Key: ident.Key(), Identity: ident}}}
	srv, h := testServer(t, Deps{Registry: reg})
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	conn := dialWS(t, ts)

	sub := WSMessage{Type: WSTypeSubscribe, ID: "s", Payload: WSSubscribePayload{
		Channels: []string{ChannelRegistryEvent},
		Kinds:    []device.EventKind{device.EventDriverBound},
		Snapshot: true,
	}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	var ack, snap WSMessage
	if err := conn.ReadJSON(&ack); err != nil || ack.Type != WSTypeResponse {
		t.Fatalf("ack = %+v, err = %v", ack, err)
	}
	if err := conn.ReadJSON(&snap); err != nil || snap.Type != WSTypeSnapshot {
		t.Fatalf("snapshot = %+v, err = %v", snap, err)
	}
	if b, _ := json.Marshal(snap.Payload); !strings.Contains(string(b), `"key":"com.acme/Serial"`) {
		t.Errorf("snapshot payload = %s", b)
	}

	srv.Hub().OnEvent(device.Event{Kind: device.EventDeviceRegistered})
	srv.Hub().OnEvent(device.Event{Kind: device.EventDriverBound, Identity: ident})

	var ev struct {
		Payload device.Event `json:"payload"`
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if ev.Payload.Kind != device.EventDriverBound {
		t.Errorf("first delivered kind = %q, want %q", ev.Payload.Kind, device.EventDriverBound)
	}
}

func TestWebSocket_SubscribeErrors(t *testing.T) {
	_, h := testServer(t, Deps{})
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	conn := dialWS(t, ts)

	msgs := []string{
		`not json`,
		`{"type":"subscribe","id":"a","payload":{"channels":["state.changed"]}}`,
		`{"type":"subscribe","id":"b","payload":{"channels":[]}}`,
		`{"type":"subscribe","id":"c","payload":{"channels":["registry.event"],"device_id":"zz"}}`,
		`{"type":"teleport","id":"d"}`,
	}
	for _, m := range msgs {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}
		var reply WSMessage
		if err := conn.ReadJSON(&reply); err != nil {
			t.Fatalf("ReadJSON after %s: %v", m, err)
		}
		if reply.Type != WSTypeError {
			t.Errorf("reply to %s = %+v, want error", m, reply)
		}
	}

	if err := conn.WriteJSON(WSMessage{Type: WSTypePing, ID: "p"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	var pong WSMessage
	if err := conn.ReadJSON(&pong); err != nil || pong.Type != WSTypePong || pong.ID != "p" {
		t.Errorf("pong = %+v, err = %v", pong, err)
	}
}

func TestEventFilter(t *testing.T) {
	id, err := bus.NewDeviceID(bus.TypeUSB, 42)
	if err != nil {
		t.Fatalf("NewDeviceID() error = %v", err)
	}
	other := id + 1

	tests := []struct {
		name   string
		filter eventFilter
		ev     device.Event
		want   bool
	}{
		{"match all", eventFilter{allDevices: true}, device.Event{Kind: device.EventIdleUnload}, true},
		{"kind listed", eventFilter{allDevices: true, kinds: []device.EventKind{device.EventDriverBound}}, device.Event{Kind: device.EventDriverBound}, true},
		{"kind not listed", eventFilter{allDevices: true, kinds: []device.EventKind{device.EventDriverBound}}, device.Event{Kind: device.EventDriverUnbound}, false},
		{"same device", eventFilter{deviceID: id}, device.Event{Kind: device.EventDeviceRegistered, DeviceID: id}, true},
		{"other device", eventFilter{deviceID: id}, device.Event{Kind: device.EventDeviceRegistered, DeviceID: other}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.match(tt.ev); got != tt.want {
				t.Errorf("match() = %v, want %v", got, tt.want)
			}
		})
	}
}
