package gateway

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/fleetcore/internal/auth"
	"github.com/nerrad567/fleetcore/internal/command"
)

const testSecret = "gateway-test-secret-at-least-32-bytes"

type wsHarness struct {
	svc    *fakeService
	router *Router
	gw     *WSGateway
	url    string
}

func newWSHarness(t *testing.T, cfg WSConfig, known ...string) *wsHarness {
	t.Helper()
	svc := newFakeService(known...)
	router := NewRouter(svc, RouterConfig{IdleTimeout: time.Second})
	gw := NewWSGateway(router, cfg, nil)
	srv := httptest.NewServer(gw)
	t.Cleanup(func() {
		gw.Close()
		srv.Close()
		router.Close()
	})
	return &wsHarness{
		svc:    svc,
		router: router,
		gw:     gw,
		url:    "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (h *wsHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
}

func readOutbound(t *testing.T, conn *websocket.Conn) Outbound {
	t.Helper()
	//nolint:errcheck // test deadline
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var out Outbound
	if err := conn.ReadJSON(&out); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return out
}

func TestWSGateway_SessionLifecycle(t *testing.T) {
	h := newWSHarness(t, WSConfig{}, "dev-1")
	conn := h.dial(t)

	sendJSON(t, conn, Inbound{Type: MsgIdentify, DeviceID: "dev-1"})
	if out := readOutbound(t, conn); out.Type != MsgIdentified || out.DeviceID != "dev-1" {
		t.Fatalf("first message = %+v, want identified", out)
	}
	waitFor(t, "registration", func() bool { return h.svc.channel("dev-1") != nil })

	ch := h.svc.channel("dev-1")
	msg := command.Message{CommandID: "cmd-1", Type: command.TypeLockDevice, Parameters: map[string]any{}}
	if err := ch.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	out := readOutbound(t, conn)
	if out.Type != MsgRemoteCommand || out.Command == nil || out.Command.CommandID != "cmd-1" {
		t.Fatalf("remoteCommand = %+v", out)
	}

	sendJSON(t, conn, Inbound{Type: MsgHeartbeat})
	sendJSON(t, conn, Inbound{
		Type:      MsgCommandResult,
		CommandID: "cmd-1",
		Result:    &command.Result{Success: true, Message: "locked"},
	})
	if out := readOutbound(t, conn); out.Type != MsgResultAck || out.CommandID != "cmd-1" {
		t.Fatalf("ack = %+v", out)
	}

	conn.Close()
	waitFor(t, "disconnect", func() bool { return contains(h.svc.snapshot(), "disconnect:dev-1") })

	want := []string{"connect:dev-1", "heartbeat:dev-1", "result:dev-1:cmd-1", "disconnect:dev-1"}
	got := h.svc.snapshot()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("calls = %v, want %v", got, want)
	}
	waitFor(t, "session removal", func() bool { return h.gw.SessionCount() == 0 })
}

func TestWSGateway_UnknownDeviceClosed(t *testing.T) {
	h := newWSHarness(t, WSConfig{})
	conn := h.dial(t)

	sendJSON(t, conn, Inbound{Type: MsgIdentify, DeviceID: "ghost"})
	_ = readOutbound(t, conn) // identified
	out := readOutbound(t, conn)
	if out.Type != MsgError || out.Message != "unknown device" {
		t.Fatalf("reply = %+v, want unknown device error", out)
	}

	//nolint:errcheck // test deadline
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection should be closed after a rejected identify")
	}
}

func TestWSGateway_RequiresIdentify(t *testing.T) {
	h := newWSHarness(t, WSConfig{}, "dev-1")
	conn := h.dial(t)

	sendJSON(t, conn, Inbound{Type: MsgHeartbeat})
	if out := readOutbound(t, conn); out.Type != MsgError || out.Message != ErrNotIdentified.Error() {
		t.Errorf("reply = %+v, want not identified", out)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if out := readOutbound(t, conn); out.Type != MsgError {
		t.Errorf("reply = %+v, want error", out)
	}

	if len(h.svc.snapshot()) != 0 {
		t.Errorf("service called before identify: %v", h.svc.snapshot())
	}
}

func TestWSGateway_ResultError(t *testing.T) {
	h := newWSHarness(t, WSConfig{}, "dev-1")
	h.svc.resultErr = command.ErrConflict
	conn := h.dial(t)

	sendJSON(t, conn, Inbound{Type: MsgIdentify, DeviceID: "dev-1"})
	_ = readOutbound(t, conn)

	sendJSON(t, conn, Inbound{Type: MsgCommandResult, CommandID: "cmd-9", Result: &command.Result{Success: true}})
	out := readOutbound(t, conn)
	if out.Type != MsgError || out.CommandID != "cmd-9" {
		t.Errorf("reply = %+v, want error for cmd-9", out)
	}
}

func TestWSGateway_DeviceToken(t *testing.T) {
	cfg := WSConfig{RequireToken: true, TokenSecret: testSecret}

	t.Run("missing token", func(t *testing.T) {
		h := newWSHarness(t, cfg, "dev-1")
		conn := h.dial(t)
		sendJSON(t, conn, Inbound{Type: MsgIdentify, DeviceID: "dev-1"})
		if out := readOutbound(t, conn); out.Type != MsgError || out.Message != ErrUnauthorized.Error() {
			t.Errorf("reply = %+v, want unauthorized", out)
		}
	})

	t.Run("token for another device", func(t *testing.T) {
		h := newWSHarness(t, cfg, "dev-1")
		token, _ := auth.GenerateDeviceToken("dev-2", testSecret, time.Hour)
		conn := h.dial(t)
		sendJSON(t, conn, Inbound{Type: MsgIdentify, DeviceID: "dev-1", Token: token})
		if out := readOutbound(t, conn); out.Type != MsgError {
			t.Errorf("reply = %+v, want error", out)
		}
	})

	t.Run("valid token", func(t *testing.T) {
		h := newWSHarness(t, cfg, "dev-1")
		token, _ := auth.GenerateDeviceToken("dev-1", testSecret, time.Hour)
		conn := h.dial(t)
		sendJSON(t, conn, Inbound{Type: MsgIdentify, DeviceID: "dev-1", Token: token})
		if out := readOutbound(t, conn); out.Type != MsgIdentified {
			t.Errorf("reply = %+v, want identified", out)
		}
	})
}

func TestSession_SendNonBlocking(t *testing.T) {
	gw := NewWSGateway(nil, WSConfig{}, nil)
	s := &Session{gw: gw, send: make(chan []byte, 1), done: make(chan struct{}), deviceID: "dev-1"}
	msg := command.Message{CommandID: "cmd-1", Type: command.TypeRebootDevice}

	if err := s.Send(context.Background(), msg); err != nil {
		t.Fatalf("first Send() error = %v", err)
	}
	if err := s.Send(context.Background(), msg); !errors.Is(err, ErrSendBufferFull) {
		t.Errorf("second Send() error = %v, want ErrSendBufferFull", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Send(ctx, msg); !errors.Is(err, context.Canceled) {
		t.Errorf("Send(cancelled) error = %v", err)
	}

	_ = s.Close()
	_ = s.Close()
	<-s.send
	if err := s.Send(context.Background(), msg); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Send() after Close error = %v, want ErrSessionClosed", err)
	}
}
