// Package influxdb writes device manager telemetry to InfluxDB v2.
//
// Telemetry is optional: Connect returns ErrDisabled when influxdb.enabled
// is false and the caller runs without it. Two measurements are written:
//
//	extdev_lifecycle  one point per registry event (tags: kind, bus, package, component)
//	extdev_devices    periodic device and binding counts
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry off
//	}
//	defer client.Close()
//
//	client.WriteLifecycle(influxdb.LifecyclePoint{Kind: "driver_connected", ...})
package influxdb
