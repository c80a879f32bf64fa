// Package mqtt connects the device manager to its MQTT broker.
//
// The broker carries device arrivals from the bus monitors, package
// notifications from the installer and the manager's own binding state:
//
//	bus monitor ──extdev/device/+──▶ extdevd ──extdev/binding/...──▶ dashboards
//	installer  ──extdev/package/+──▶ extdevd
//
// The client reconnects with exponential backoff, restores subscriptions on
// reconnect, recovers from handler panics and keeps a retained
// extdev/system/status message (online on connect, offline on Close, and an
// LWT for crashes).
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllDevices(), 1,
//	    func(topic string, payload []byte) error {
//	        return listener.Handle(ctx, topic, payload)
//	    })
package mqtt
