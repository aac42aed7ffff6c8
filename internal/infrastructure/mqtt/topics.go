package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes.
//
// Device traffic uses fleetcore/devices/{device_id}/{kind}. Devices publish
// hello, heartbeat, result and status; the core publishes command.
const (
	// TopicPrefix is the root of every Fleet Core topic.
	TopicPrefix = "fleetcore"

	// TopicPrefixDevices is the base for per-device topics.
	TopicPrefixDevices = "fleetcore/devices"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "fleetcore/system"
)

// DeviceTopicKind is the last segment of a device topic.
type DeviceTopicKind string

// Device topic kinds.
const (
	// KindCommand carries remoteCommand messages from core to device.
	KindCommand DeviceTopicKind = "command"
	// KindHello is published by a device when it comes online.
	KindHello DeviceTopicKind = "hello"
	// KindHeartbeat is a periodic liveness ping from a device.
	KindHeartbeat DeviceTopicKind = "heartbeat"
	// KindResult carries a device's commandResult.
	KindResult DeviceTopicKind = "result"
	// KindStatus is the device's retained online/offline status, set as its LWT.
	KindStatus DeviceTopicKind = "status"
)

// Topics provides builders for Fleet Core MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.DeviceCommand("dev-42") // fleetcore/devices/dev-42/command
type Topics struct{}

// Device returns the topic of the given kind for one device.
func (Topics) Device(deviceID string, kind DeviceTopicKind) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixDevices, deviceID, kind)
}

// DeviceCommand returns the topic a device listens on for commands.
//
// Example: fleetcore/devices/dev-42/command
func (t Topics) DeviceCommand(deviceID string) string {
	return t.Device(deviceID, KindCommand)
}

// AllDeviceInbound returns a pattern for everything devices publish.
//
// Pattern: fleetcore/devices/+/+
func (Topics) AllDeviceInbound() string {
	return TopicPrefixDevices + "/+/+"
}

// CommandUpdates returns the topic commandUpdate notifications go to.
//
// Example: fleetcore/commands/updates
func (Topics) CommandUpdates() string {
	return TopicPrefix + "/commands/updates"
}

// SystemStatus returns the core's retained status topic.
//
// Example: fleetcore/system/status
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}

// ParseDeviceTopic splits a device topic into device id and kind.
// It reports false for anything outside fleetcore/devices/{id}/{kind}.
func ParseDeviceTopic(topic string) (deviceID string, kind DeviceTopicKind, ok bool) {
	rest, found := strings.CutPrefix(topic, TopicPrefixDevices+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], DeviceTopicKind(parts[1]), true
}
