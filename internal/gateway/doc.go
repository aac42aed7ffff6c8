// Package gateway connects managed devices to the command service.
//
// Devices reach the core over WebSocket (WSGateway) or MQTT (MQTTTransport).
// Both turn device traffic into Events and hand them to a Router, which
// keeps one mailbox per device so a device's identify, heartbeat, result and
// disconnect are applied in the order they arrived while different devices
// proceed in parallel.
//
// # WebSocket protocol
//
// Device to core, JSON text frames:
//
//	{"type":"identify","deviceId":"dev-1","token":"..."}
//	{"type":"heartbeat"}
//	{"type":"commandResult","commandId":"cmd-...","result":{"success":true,"message":"locked"}}
//
// Core to device: identified, remoteCommand, resultAck and error.
//
// # MQTT topics
//
//	fleetcore/devices/{id}/hello      device -> core, identify
//	fleetcore/devices/{id}/heartbeat  device -> core
//	fleetcore/devices/{id}/result     device -> core, commandResult payload
//	fleetcore/devices/{id}/status     device -> core, {"status":"offline"} ends the session
//	fleetcore/devices/{id}/command    core -> device, remoteCommand
//
// UpdatePublisher additionally mirrors commandUpdate notifications to
// fleetcore/commands/updates.
package gateway
