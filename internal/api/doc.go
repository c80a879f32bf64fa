// Package api implements the HTTP REST API and WebSocket server of the
// external device manager.
//
// This package provides:
//   - read endpoints for devices, drivers, bindings, driver host processes
//     and lifecycle history
//   - connect and disconnect of a device's bound driver
//   - a WebSocket hub streaming registry events on channel "registry.event"
//   - JWT bearer authentication with viewer and operator roles, and
//     single-use tickets for WebSocket auth
//   - middleware stack (request ID, logging, recovery, CORS, body limit)
//
// The server follows the same lifecycle pattern as other infrastructure
// components:
//
//	srv, err := api.New(deps)
//	srv.Start(ctx)
//	defer srv.Close()
//
// Health and metrics are unauthenticated. Optional dependencies (driver
// catalogue, process list, history) answer 503 when they are not wired.
package api
