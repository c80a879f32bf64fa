package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the device manager.
const (
	MeasurementLifecycle = "extdev_lifecycle"
	MeasurementDevices   = "extdev_devices"
)

// LifecyclePoint is one registry lifecycle event.
type LifecyclePoint struct {
	Kind         string
	Bus          string
	DeviceID     string
	Package      string
	Component    string
	ConnectionID string
	PID          int
	Error        string
	Time         time.Time
}

// WriteLifecycle records a lifecycle event. Kind, bus, package and
// component are tags; device and connection ids are fields to keep series
// cardinality bounded.
func (c *Client) WriteLifecycle(p LifecyclePoint) {
	if !c.IsConnected() {
		return
	}

	tags := map[string]string{"kind": p.Kind}
	if p.Bus != "" {
		tags["bus"] = p.Bus
	}
	if p.Package != "" {
		tags["package"] = p.Package
		tags["component"] = p.Component
	}

	fields := map[string]any{"count": 1}
	if p.DeviceID != "" {
		fields["device_id"] = p.DeviceID
	}
	if p.ConnectionID != "" {
		fields["connection_id"] = p.ConnectionID
	}
	if p.PID != 0 {
		fields["pid"] = p.PID
	}
	if p.Error != "" {
		fields["error"] = p.Error
	}

	ts := p.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	c.writer.WritePoint(write.NewPoint(MeasurementLifecycle, tags, fields, ts))
}

// WriteDeviceCount records the number of registered devices and bindings.
func (c *Client) WriteDeviceCount(devices, bindings int) {
	if !c.IsConnected() {
		return
	}
	c.writer.WritePoint(write.NewPoint(MeasurementDevices, nil,
		map[string]any{"devices": devices, "bindings": bindings}, time.Now()))
}
