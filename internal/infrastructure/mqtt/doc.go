// Package mqtt provides the MQTT client used by Fleet Core.
//
// MQTT serves two purposes: an alternative device transport (devices that
// cannot hold a WebSocket open subscribe to their command topic and publish
// hello, heartbeat and result messages), and a bus on which commandUpdate
// notifications are published for external consumers.
//
// # Topics
//
//	fleetcore/devices/{id}/command    core -> device remoteCommand
//	fleetcore/devices/{id}/hello      device online, carries an optional token
//	fleetcore/devices/{id}/heartbeat  device liveness
//	fleetcore/devices/{id}/result     device commandResult
//	fleetcore/devices/{id}/status     device retained status (LWT "offline")
//	fleetcore/commands/updates        commandUpdate notifications
//	fleetcore/system/status           core online/offline (retained, LWT)
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllDeviceInbound(), 1, handler)
package mqtt
