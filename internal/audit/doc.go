// Package audit records the device registry's lifecycle history.
//
// Every registry event (device registered, driver bound, driver connected,
// idle unload and so on) is stored as one row of the lifecycle_events
// table so operators can answer "what happened to this device" after the
// fact. The same events are mirrored to InfluxDB when telemetry is
// enabled.
//
// The Recorder is attached to the registry as an observer:
//
//	rec := audit.NewRecorder(audit.NewSQLiteRepository(db.DB), influx, 0)
//	go rec.Run(ctx)
//	reg := device.NewRegistry(device.Options{Observers: []device.Observer{rec}, ...})
//
// OnEvent never blocks the registry. When the queue is full the event is
// dropped and counted in Dropped.
package audit
