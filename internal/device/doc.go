// Package device holds the registry of attached external devices and the
// state machine that binds them to driver packages.
//
// A device moves through three states:
//
//	Unbound ──match──▶ Bound-Connecting ──connect ok──▶ Bound-Connected
//	   ▲                        │                              │
//	   └──── unbind / unplug ───┴──────────────────────────────┘
//
// Devices matched to the same package and component share one binding key
// ("package/component") and one driver-hosting process. The process is
// started when the first device of a key is bound and stopped when the last
// one leaves. Host calls are made outside the registry lock, in the order
// the decisions were taken.
//
// When the last device is unregistered an idle timer is armed. If no device
// arrives before it fires, the registry asks its Unloader to stop the
// service.
//
// Usage:
//
//	reg := device.NewRegistry(device.Options{
//	    Matcher:  index,
//	    Host:     controller,
//	    Unloader: device.UnloaderFunc(cancel),
//	})
//	reg.SetLogger(log)
//	defer reg.Close()
//
//	err := reg.RegisterDevice(ctx, desc)
package device
