package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every device manager topic.
const TopicPrefix = "extdev"

// Topic actions published by device arrival sources.
const (
	ActionAdded   = "added"
	ActionRemoved = "removed"
	ActionUpdated = "updated"
)

// Topics builds the device manager's MQTT topics:
//
//	extdev/device/{added|removed}              device arrival source → manager
//	extdev/package/{added|updated|removed}     package installer → manager
//	extdev/binding/{package}/{component}       manager → retained binding state
//	extdev/event/{kind}                        manager → lifecycle events
//	extdev/system/status                       manager → retained online/offline (LWT)
type Topics struct{}

// Device returns the topic for a device arrival or removal.
//
// Example: extdev/device/added
func (Topics) Device(action string) string {
	return fmt.Sprintf("%s/device/%s", TopicPrefix, action)
}

// AllDevices matches every device notification.
func (Topics) AllDevices() string {
	return TopicPrefix + "/device/+"
}

// Package returns the topic for a package notification.
//
// Example: extdev/package/updated
func (Topics) Package(action string) string {
	return fmt.Sprintf("%s/package/%s", TopicPrefix, action)
}

// AllPackages matches every package notification.
func (Topics) AllPackages() string {
	return TopicPrefix + "/package/+"
}

// Binding returns the retained state topic of one driver binding.
//
// Example: extdev/binding/com.acme/Serial
func (Topics) Binding(pkg, component string) string {
	return fmt.Sprintf("%s/binding/%s/%s", TopicPrefix, pkg, component)
}

// Event returns the topic for one kind of lifecycle event.
//
// Example: extdev/event/driver_connected
func (Topics) Event(kind string) string {
	return fmt.Sprintf("%s/event/%s", TopicPrefix, kind)
}

// SystemStatus returns the retained service status topic.
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// LastSegment returns the final level of a topic, for example the action of
// extdev/device/added.
func LastSegment(topic string) string {
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}
