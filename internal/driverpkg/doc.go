// Package driverpkg keeps the catalogue of installed driver packages and
// answers which driver, if any, should handle a device.
//
// A driver is identified by its package and component names (Identity); the
// string form "package/component" is used as the binding key throughout the
// service. The catalogue is persisted in SQLite (SQLiteRepository) and can
// be seeded from YAML manifests (LoadManifests).
//
// Index holds a parsed snapshot of the catalogue. QueryMatchDriver walks it
// in install order and returns the first driver whose bus extension accepts
// the device. Because the catalogue preserves install order across reloads,
// the result for a given device and catalogue is stable.
package driverpkg
