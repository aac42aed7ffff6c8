package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/fleetcore/internal/command"
)

// Device message types.
const (
	// Device to core.
	MsgIdentify      = "identify"
	MsgHeartbeat     = "heartbeat"
	MsgCommandResult = "commandResult"

	// Core to device.
	MsgIdentified    = "identified"
	MsgRemoteCommand = "remoteCommand"
	MsgResultAck     = "resultAck"
	MsgError         = "error"
)

// Inbound is a message received from a device.
type Inbound struct {
	Type      string          `json:"type"`
	DeviceID  string          `json:"deviceId,omitempty"`
	Token     string          `json:"token,omitempty"`
	CommandID string          `json:"commandId,omitempty"`
	Result    *command.Result `json:"result,omitempty"`
}

// Outbound is a message sent to a device.
type Outbound struct {
	Type      string           `json:"type"`
	DeviceID  string           `json:"deviceId,omitempty"`
	CommandID string           `json:"commandId,omitempty"`
	Command   *command.Message `json:"command,omitempty"`
	Status    command.Status   `json:"status,omitempty"`
	Message   string           `json:"message,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// decodeInbound parses and checks the fields each message type needs.
func decodeInbound(data []byte) (Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return Inbound{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	switch msg.Type {
	case MsgIdentify:
		if msg.DeviceID == "" {
			return msg, fmt.Errorf("%w: identify without deviceId", ErrInvalidMessage)
		}
	case MsgHeartbeat:
	case MsgCommandResult:
		if msg.CommandID == "" || msg.Result == nil {
			return msg, fmt.Errorf("%w: commandResult needs commandId and result", ErrInvalidMessage)
		}
	default:
		return msg, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, msg.Type)
	}
	return msg, nil
}

func remoteCommand(msg command.Message) Outbound {
	return Outbound{
		Type:      MsgRemoteCommand,
		CommandID: msg.CommandID,
		Command:   &msg,
		Timestamp: msg.Timestamp,
	}
}
