package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nerrad567/fleetcore/internal/auth"
	"github.com/nerrad567/fleetcore/internal/command"
	"github.com/nerrad567/fleetcore/internal/infrastructure/mqtt"
)

// Broker is the part of *mqtt.Client the MQTT transport uses.
type Broker interface {
	PublishJSON(topic string, v any, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// MQTTConfig configures the MQTT device transport.
type MQTTConfig struct {
	QoS          byte
	RequireToken bool
	TokenSecret  string
}

// helloPayload is published by a device on fleetcore/devices/{id}/hello.
type helloPayload struct {
	Token string `json:"token,omitempty"`
}

// statusPayload is a device's retained status, usually its last will.
type statusPayload struct {
	Status string `json:"status"`
}

// MQTTTransport carries device traffic over MQTT.
//
// A hello on a device's topic plays the role of identify and registers an
// mqttChannel for the device; an "offline" status (the device's last will)
// ends it. Heartbeats and results map one-to-one onto router events.
type MQTTTransport struct {
	broker Broker
	router *Router
	cfg    MQTTConfig
	logger Logger
	topics mqtt.Topics

	mu       sync.Mutex
	channels map[string]*mqttChannel
}

// NewMQTTTransport creates the transport. Call Start to subscribe.
func NewMQTTTransport(broker Broker, router *Router, cfg MQTTConfig, logger Logger) *MQTTTransport {
	if logger == nil {
		logger = noopLogger{}
	}
	return &MQTTTransport{
		broker:   broker,
		router:   router,
		cfg:      cfg,
		logger:   logger,
		channels: make(map[string]*mqttChannel),
	}
}

// Start subscribes to every device's inbound topics.
func (t *MQTTTransport) Start() error {
	if err := t.broker.Subscribe(t.topics.AllDeviceInbound(), t.cfg.QoS, t.handleMessage); err != nil {
		return fmt.Errorf("subscribing to device topics: %w", err)
	}
	return nil
}

// Stop unsubscribes and ends every MQTT device channel.
func (t *MQTTTransport) Stop() error {
	err := t.broker.Unsubscribe(t.topics.AllDeviceInbound())

	t.mu.Lock()
	channels := make([]*mqttChannel, 0, len(t.channels))
	for _, ch := range t.channels {
		channels = append(channels, ch)
	}
	t.channels = make(map[string]*mqttChannel)
	t.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
		if subErr := t.router.Submit(Event{Kind: EventDisconnect, DeviceID: ch.deviceID, Channel: ch}); subErr != nil {
			t.logger.Debug("disconnect not routed", "device_id", ch.deviceID, "error", subErr)
		}
	}
	return err
}

// ChannelCount returns the number of devices connected over MQTT.
func (t *MQTTTransport) ChannelCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.channels)
}

func (t *MQTTTransport) handleMessage(topic string, payload []byte) error {
	deviceID, kind, ok := mqtt.ParseDeviceTopic(topic)
	if !ok {
		return fmt.Errorf("%w: topic %s", ErrInvalidMessage, topic)
	}

	switch kind {
	case mqtt.KindHello:
		return t.handleHello(deviceID, payload)
	case mqtt.KindHeartbeat:
		return t.router.Submit(Event{Kind: EventHeartbeat, DeviceID: deviceID})
	case mqtt.KindResult:
		return t.handleResult(deviceID, payload)
	case mqtt.KindStatus:
		return t.handleStatus(deviceID, payload)
	case mqtt.KindCommand:
		// Our own publishes echoed back by the wildcard subscription.
		return nil
	default:
		t.logger.Debug("ignoring device topic", "topic", topic)
		return nil
	}
}

func (t *MQTTTransport) handleHello(deviceID string, payload []byte) error {
	var hello helloPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &hello); err != nil {
			return fmt.Errorf("%w: hello: %w", ErrInvalidMessage, err)
		}
	}
	if t.cfg.RequireToken {
		if err := auth.VerifyDeviceToken(hello.Token, t.cfg.TokenSecret, deviceID); err != nil {
			t.logger.Warn("mqtt device hello rejected", "device_id", deviceID, "error", err)
			return fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
	}

	ch := &mqttChannel{transport: t, deviceID: deviceID}
	t.mu.Lock()
	t.channels[deviceID] = ch
	t.mu.Unlock()

	return t.router.Submit(Event{
		Kind:     EventIdentify,
		DeviceID: deviceID,
		Channel:  ch,
		Done: func(err error) {
			if err != nil {
				t.drop(ch)
			}
		},
	})
}

func (t *MQTTTransport) handleResult(deviceID string, payload []byte) error {
	var msg Inbound
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("%w: result: %w", ErrInvalidMessage, err)
	}
	if msg.CommandID == "" || msg.Result == nil {
		return fmt.Errorf("%w: result needs commandId and result", ErrInvalidMessage)
	}
	return t.router.Submit(Event{
		Kind:      EventResult,
		DeviceID:  deviceID,
		CommandID: msg.CommandID,
		Result:    *msg.Result,
	})
}

func (t *MQTTTransport) handleStatus(deviceID string, payload []byte) error {
	var status statusPayload
	if err := json.Unmarshal(payload, &status); err != nil {
		return fmt.Errorf("%w: status: %w", ErrInvalidMessage, err)
	}
	if status.Status != "offline" {
		return nil
	}

	t.mu.Lock()
	ch, ok := t.channels[deviceID]
	if ok {
		delete(t.channels, deviceID)
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}

	_ = ch.Close()
	return t.router.Submit(Event{Kind: EventDisconnect, DeviceID: deviceID, Channel: ch})
}

// drop forgets ch if it is still the device's current channel.
func (t *MQTTTransport) drop(ch *mqttChannel) {
	t.mu.Lock()
	if t.channels[ch.deviceID] == ch {
		delete(t.channels, ch.deviceID)
	}
	t.mu.Unlock()
	_ = ch.Close()
}

// mqttChannel publishes remoteCommands to one device's command topic.
type mqttChannel struct {
	transport *MQTTTransport
	deviceID  string
	closed    atomic.Bool
}

var _ command.Channel = (*mqttChannel)(nil)

func (c *mqttChannel) DeviceID() string { return c.deviceID }

func (c *mqttChannel) Send(ctx context.Context, msg command.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed.Load() {
		return ErrSessionClosed
	}
	topic := c.transport.topics.DeviceCommand(c.deviceID)
	return c.transport.broker.PublishJSON(topic, remoteCommand(msg), false)
}

func (c *mqttChannel) Close() error {
	c.closed.Store(true)
	return nil
}
