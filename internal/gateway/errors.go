package gateway

import "errors"

// Sentinel errors for gateway operations.
var (
	// ErrRouterClosed is returned by Submit after Close.
	ErrRouterClosed = errors.New("gateway: router closed")

	// ErrInvalidEvent indicates an event without a device id or kind.
	ErrInvalidEvent = errors.New("gateway: invalid event")

	// ErrSessionClosed is returned when sending on a closed device channel.
	ErrSessionClosed = errors.New("gateway: session closed")

	// ErrSendBufferFull is returned when a device's outbound queue is full.
	ErrSendBufferFull = errors.New("gateway: send buffer full")

	// ErrNotIdentified is returned for messages sent before identify.
	ErrNotIdentified = errors.New("gateway: device not identified")

	// ErrInvalidMessage indicates a malformed device message.
	ErrInvalidMessage = errors.New("gateway: invalid message")

	// ErrUnauthorized indicates a missing or invalid device token.
	ErrUnauthorized = errors.New("gateway: unauthorized")
)
