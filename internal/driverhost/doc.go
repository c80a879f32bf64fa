// Package driverhost starts and stops the per-driver host processes.
//
// Controller implements device.Host. Each binding key gets one supervised
// driver-host process, launched as
//
//	<binary> [args...] --package <package> --component <component>
//
// with EXTDEV_PACKAGE and EXTDEV_COMPONENT also set in its environment.
// When a process keeps crashing and its supervisor gives up, the loss
// handler is told so the registry can mark the binding disconnected.
package driverhost
