// Package ingest connects the device registry to MQTT.
//
// Device arrival sources publish on extdev/device/added and
// extdev/device/removed:
//
//	{"bus": "usb", "bus_num": 1, "dev_num": 4, "vendor_id": "0x1234", "product_id": "0x5678"}
//
// Package installers publish on extdev/package/{added,updated,removed}:
//
//	{"bus": "usb", "package": "com.acme.serial", "component": "Serial",
//	 "version": "1.2.0", "metadata": [{"name": "vid", "value": "0x1234"}]}
//
// DeviceListener and PackageListener decode these and call the registry.
// StatusPublisher goes the other way: it is a registry observer that
// publishes every lifecycle event and keeps a retained state message per
// binding.
package ingest
