package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/fleetcore/internal/auth"
	"github.com/nerrad567/fleetcore/internal/command"
	"github.com/nerrad567/fleetcore/internal/infrastructure/mqtt"
)

type published struct {
	topic   string
	payload []byte
}

// fakeBroker captures the subscription handler and every publish.
type fakeBroker struct {
	mu         sync.Mutex
	handler    mqtt.MessageHandler
	topic      string
	published  []published
	publishErr error
	unsubbed   bool
}

func (b *fakeBroker) PublishJSON(topic string, v any, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b.published = append(b.published, published{topic: topic, payload: data})
	return nil
}

func (b *fakeBroker) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topic = topic
	b.handler = handler
	return nil
}

func (b *fakeBroker) Unsubscribe(string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubbed = true
	return nil
}

func (b *fakeBroker) deliver(t *testing.T, deviceID string, kind mqtt.DeviceTopicKind, v any) error {
	t.Helper()
	var payload []byte
	switch p := v.(type) {
	case nil:
	case []byte:
		payload = p
	default:
		data, err := json.Marshal(p)
		if err != nil {
			t.Fatal(err)
		}
		payload = data
	}
	return b.handler(mqtt.Topics{}.Device(deviceID, kind), payload)
}

func (b *fakeBroker) publishes() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.published...)
}

func newMQTTHarness(t *testing.T, cfg MQTTConfig, known ...string) (*MQTTTransport, *fakeBroker, *fakeService) {
	t.Helper()
	svc := newFakeService(known...)
	router := NewRouter(svc, RouterConfig{IdleTimeout: time.Second})
	t.Cleanup(router.Close)

	broker := &fakeBroker{}
	tr := NewMQTTTransport(broker, router, cfg, nil)
	if err := tr.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if broker.topic != "fleetcore/devices/+/+" {
		t.Fatalf("subscribed to %q", broker.topic)
	}
	return tr, broker, svc
}

func TestMQTTTransport_Lifecycle(t *testing.T) {
	tr, broker, svc := newMQTTHarness(t, MQTTConfig{}, "dev-1")

	if err := broker.deliver(t, "dev-1", mqtt.KindHello, nil); err != nil {
		t.Fatalf("hello error = %v", err)
	}
	waitFor(t, "connect", func() bool { return svc.channel("dev-1") != nil })
	if tr.ChannelCount() != 1 {
		t.Errorf("ChannelCount() = %d, want 1", tr.ChannelCount())
	}

	ch := svc.channel("dev-1")
	if err := ch.Send(context.Background(), command.Message{CommandID: "cmd-1", Type: command.TypeRingDevice}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	pubs := broker.publishes()
	if len(pubs) != 1 || pubs[0].topic != "fleetcore/devices/dev-1/command" {
		t.Fatalf("published = %+v", pubs)
	}
	var out Outbound
	if err := json.Unmarshal(pubs[0].payload, &out); err != nil || out.Type != MsgRemoteCommand || out.Command.CommandID != "cmd-1" {
		t.Errorf("payload = %s (%v)", pubs[0].payload, err)
	}

	_ = broker.deliver(t, "dev-1", mqtt.KindHeartbeat, nil)
	if err := broker.deliver(t, "dev-1", mqtt.KindResult, Inbound{CommandID: "cmd-1", Result: &command.Result{Success: true}}); err != nil {
		t.Fatalf("result error = %v", err)
	}
	_ = broker.deliver(t, "dev-1", mqtt.KindStatus, statusPayload{Status: "offline"})

	waitFor(t, "disconnect", func() bool { return contains(svc.snapshot(), "disconnect:dev-1") })
	got := svc.snapshot()
	want := []string{"connect:dev-1", "heartbeat:dev-1", "result:dev-1:cmd-1", "disconnect:dev-1"}
	for i := range want {
		if i >= len(got) || got[i] != want[i] {
			t.Fatalf("calls = %v, want %v", got, want)
		}
	}

	if err := ch.Send(context.Background(), command.Message{CommandID: "cmd-2"}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Send() after offline error = %v, want ErrSessionClosed", err)
	}
	if tr.ChannelCount() != 0 {
		t.Errorf("ChannelCount() = %d after offline", tr.ChannelCount())
	}
}

func TestMQTTTransport_UnknownDeviceDropped(t *testing.T) {
	tr, broker, svc := newMQTTHarness(t, MQTTConfig{})

	_ = broker.deliver(t, "ghost", mqtt.KindHello, nil)
	waitFor(t, "connect attempt", func() bool { return contains(svc.snapshot(), "connect:ghost") })
	waitFor(t, "channel drop", func() bool { return tr.ChannelCount() == 0 })
}

func TestMQTTTransport_InvalidMessages(t *testing.T) {
	_, broker, svc := newMQTTHarness(t, MQTTConfig{}, "dev-1")

	tests := []struct {
		name    string
		kind    mqtt.DeviceTopicKind
		payload any
	}{
		{"bad hello", mqtt.KindHello, []byte("{")},
		{"bad result", mqtt.KindResult, []byte("nope")},
		{"result without id", mqtt.KindResult, Inbound{Result: &command.Result{}}},
		{"bad status", mqtt.KindStatus, []byte("[")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := broker.deliver(t, "dev-1", tt.kind, tt.payload); !errors.Is(err, ErrInvalidMessage) {
				t.Errorf("error = %v, want ErrInvalidMessage", err)
			}
		})
	}

	if err := broker.handler("elsewhere/topic", nil); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("foreign topic error = %v", err)
	}
	if err := broker.deliver(t, "dev-1", mqtt.KindCommand, []byte("{}")); err != nil {
		t.Errorf("command echo error = %v, want nil", err)
	}
	if err := broker.deliver(t, "dev-1", mqtt.KindStatus, statusPayload{Status: "offline"}); err != nil {
		t.Errorf("offline for unknown channel error = %v", err)
	}
	if len(svc.snapshot()) != 0 {
		t.Errorf("service called for invalid traffic: %v", svc.snapshot())
	}
}

func TestMQTTTransport_DeviceToken(t *testing.T) {
	_, broker, svc := newMQTTHarness(t, MQTTConfig{RequireToken: true, TokenSecret: testSecret}, "dev-1")

	if err := broker.deliver(t, "dev-1", mqtt.KindHello, helloPayload{}); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("hello without token error = %v, want ErrUnauthorized", err)
	}

	token, _ := auth.GenerateDeviceToken("dev-1", testSecret, time.Hour)
	if err := broker.deliver(t, "dev-1", mqtt.KindHello, helloPayload{Token: token}); err != nil {
		t.Fatalf("hello with token error = %v", err)
	}
	waitFor(t, "connect", func() bool { return svc.channel("dev-1") != nil })
}

func TestMQTTTransport_Stop(t *testing.T) {
	tr, broker, svc := newMQTTHarness(t, MQTTConfig{}, "dev-1")
	_ = broker.deliver(t, "dev-1", mqtt.KindHello, nil)
	waitFor(t, "connect", func() bool { return svc.channel("dev-1") != nil })

	if err := tr.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if !broker.unsubbed {
		t.Error("Stop() should unsubscribe")
	}
	waitFor(t, "disconnect", func() bool { return contains(svc.snapshot(), "disconnect:dev-1") })
}

func TestMQTTChannel_SendErrors(t *testing.T) {
	broker := &fakeBroker{publishErr: mqtt.ErrNotConnected}
	tr := NewMQTTTransport(broker, nil, MQTTConfig{}, nil)
	ch := &mqttChannel{transport: tr, deviceID: "dev-1"}

	if err := ch.Send(context.Background(), command.Message{}); !errors.Is(err, mqtt.ErrNotConnected) {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := ch.Send(ctx, command.Message{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Send(cancelled) error = %v", err)
	}
}
