// Package bus defines how devices and drivers are described per hardware bus
// and how a driver is matched against a device.
//
// # Device identifiers
//
// A DeviceID is a 64-bit value that carries its bus type in the high 32 bits
// and a bus-local identifier in the low 32 bits:
//
//	 63                32 31                 0
//	┌────────────────────┬────────────────────┐
//	│      bus Type      │      local id      │
//	└────────────────────┴────────────────────┘
//
// Use NewDeviceID to build one and DeviceID.BusType / DeviceID.Local to take
// it apart. The bus type of any device is therefore recoverable from its id.
//
// # Extensions
//
// Each bus contributes an Extension. It parses the bus-specific part of a
// driver package's metadata into a DriverExtension and decides whether a
// driver matches a device. Extensions are looked up by bus name in a
// Registry, so callers never need to know concrete bus types:
//
//	reg := bus.NewRegistry()
//	_ = reg.Register("usb", usb.NewExtension())
//
//	ext, ok := reg.Lookup(driver.BusName)
//	if ok && ext.MatchDriver(driver, dev) {
//	    // bind
//	}
package bus
