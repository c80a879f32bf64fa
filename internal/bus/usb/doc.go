// Package usb implements the USB bus extension.
//
// A USB driver package declares the devices it supports through two
// metadata entries, each a comma-separated list of 16-bit ids in decimal or
// 0x-prefixed hex:
//
//	vid: "0x1234"
//	pid: "0x5678,0x9999"
//
// A device matches when its vendor id is in vid AND its product id is in pid.
// Keys are case-insensitive. Malformed entries are skipped with a log line,
// and a driver whose lists end up empty simply never matches.
//
// The package also reads the Linux sysfs USB tree so devices present at
// startup can be registered (see Scan).
package usb
