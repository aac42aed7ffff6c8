package command

import (
	"context"
	"sort"
	"sync"
)

// Channel is a live, push-capable link to one device.
//
// Send must not block for long: transports queue or publish with their own
// timeout and return an error when the device cannot take the message.
type Channel interface {
	DeviceID() string
	Send(ctx context.Context, msg Message) error
	Close() error
}

// Connections maps device ids to their current channel. At most one channel
// is registered per device; the most recent registration wins.
//
// All methods are thread-safe.
type Connections struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewConnections creates an empty connection registry.
func NewConnections() *Connections {
	return &Connections{channels: make(map[string]Channel)}
}

// Register makes ch the channel for its device and returns the channel it
// replaced, or nil. The caller is responsible for closing the replaced one.
func (c *Connections) Register(ch Channel) Channel {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := ch.DeviceID()
	prev := c.channels[id]
	c.channels[id] = ch
	if prev == ch {
		return nil
	}
	return prev
}

// Lookup returns the channel for deviceID.
func (c *Connections) Lookup(deviceID string) (Channel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.channels[deviceID]
	return ch, ok
}

// Unregister removes ch if it is still the registered channel for its device.
// It reports false when ch had already been replaced or removed, so a stale
// session closing cannot drop its successor.
func (c *Connections) Unregister(ch Channel) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := ch.DeviceID()
	if current, ok := c.channels[id]; !ok || current != ch {
		return false
	}
	delete(c.channels, id)
	return true
}

// Count returns the number of connected devices.
func (c *Connections) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.channels)
}

// IDs returns the connected device ids, sorted.
func (c *Connections) IDs() []string {
	c.mu.RLock()
	ids := make([]string, 0, len(c.channels))
	for id := range c.channels {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	sort.Strings(ids)
	return ids
}
