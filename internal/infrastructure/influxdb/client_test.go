package influxdb

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/infrastructure/config"
)

type fakeWriter struct {
	mu      sync.Mutex
	points  []string
	flushes int
}

func (w *fakeWriter) WritePoint(p *write.Point) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.points = append(w.points, write.PointToLineProtocol(p, time.Nanosecond))
}

func (w *fakeWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushes++
}

func newFakeClient() (*Client, *fakeWriter) {
	w := &fakeWriter{}
	return &Client{writer: w, connected: true}, w
}

func TestConnect_Disabled(t *testing.T) {
	if _, err := Connect(config.InfluxDBConfig{Enabled: false}); !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect(config.InfluxDBConfig{Enabled: true, URL: "http://127.0.0.1:1", Org: "o", Bucket: "b"})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestWriteLifecycle(t *testing.T) {
	c, w := newFakeClient()
	ts := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

	c.WriteLifecycle(LifecyclePoint{
		Kind:         "driver_connected",
		Bus:          "usb",
		Package:      "com.acme",
		Component:    "Serial",
		ConnectionID: "c-1",
		PID:          42,
		Time:         ts,
	})
	c.WriteLifecycle(LifecyclePoint{Kind: "device_registered", DeviceID: "0000000100000104"})

	if len(w.points) != 2 {
		t.Fatalf("wrote %d points, want 2", len(w.points))
	}

	first := w.points[0]
	for _, want := range []string{
		"extdev_lifecycle,",
		"bus=usb",
		"component=Serial",
		"kind=driver_connected",
		"package=com.acme",
		`connection_id="c-1"`,
		"pid=42i",
		"count=1i",
	} {
		if !strings.Contains(first, want) {
			t.Errorf("point %q lacks %q", first, want)
		}
	}
	if !strings.HasSuffix(strings.TrimSpace(first), "1790845200000000000") {
		t.Errorf("point %q does not carry the event time", first)
	}

	second := w.points[1]
	if strings.Contains(second, "package=") || !strings.Contains(second, `device_id="0000000100000104"`) {
		t.Errorf("device point = %q", second)
	}
}

func TestWriteDeviceCount(t *testing.T) {
	c, w := newFakeClient()
	c.WriteDeviceCount(3, 2)

	if len(w.points) != 1 || !strings.Contains(w.points[0], "extdev_devices bindings=2i,devices=3i") {
		t.Errorf("points = %v", w.points)
	}
}

func TestClient_ClosedIsNoop(t *testing.T) {
	c, w := newFakeClient()
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if w.flushes != 1 {
		t.Errorf("Close() flushed %d times, want 1", w.flushes)
	}

	c.WriteLifecycle(LifecyclePoint{Kind: "idle_unload"})
	c.WriteDeviceCount(0, 0)
	c.Flush()

	if len(w.points) != 0 || w.flushes != 1 {
		t.Errorf("closed client wrote %d points, flushed %d times", len(w.points), w.flushes)
	}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestClient_ForwardErrors(t *testing.T) {
	c, _ := newFakeClient()
	got := make(chan error, 1)
	c.SetOnError(func(err error) { got <- err })

	errs := make(chan error, 1)
	errs <- errors.New("write timeout")
	close(errs)
	c.forwardErrors(errs)

	select {
	case err := <-got:
		if err.Error() != "write timeout" {
			t.Errorf("callback error = %v", err)
		}
	default:
		t.Error("error callback not called")
	}
}

// TestIntegration_Connect runs against the dev InfluxDB when
// EXTDEV_INFLUXDB_TEST_URL is set.
func TestIntegration_Connect(t *testing.T) {
	url := os.Getenv("EXTDEV_INFLUXDB_TEST_URL")
	if url == "" {
		t.Skip("EXTDEV_INFLUXDB_TEST_URL not set")
	}
	c, err := Connect(config.InfluxDBConfig{
		Enabled:       true,
		URL:           url,
		Token:         os.Getenv("EXTDEV_INFLUXDB_TOKEN"),
		Org:           "extdev",
		Bucket:        "telemetry",
		FlushInterval: 1,
	})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close()

	if err := c.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
	c.WriteLifecycle(LifecyclePoint{Kind: "integration_test"})
	c.Flush()
}
