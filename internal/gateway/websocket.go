package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/fleetcore/internal/auth"
	"github.com/nerrad567/fleetcore/internal/command"
)

// WebSocket defaults.
const (
	defaultSendBuffer     = 32
	defaultMaxMessageSize = 64 * 1024
	defaultPingInterval   = 30 * time.Second
	defaultPongTimeout    = 10 * time.Second
)

// WSConfig configures the device WebSocket endpoint.
type WSConfig struct {
	SendBuffer     int
	MaxMessageSize int64
	PingInterval   time.Duration
	PongTimeout    time.Duration

	// RequireToken rejects identify messages without a valid device token
	// signed with TokenSecret.
	RequireToken bool
	TokenSecret  string
}

func (c WSConfig) withDefaults() WSConfig {
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = defaultPongTimeout
	}
	return c
}

// WSGateway accepts device WebSocket connections. Each connection becomes a
// Session; identify, heartbeat and commandResult messages are submitted to
// the Router.
type WSGateway struct {
	router   *Router
	cfg      WSConfig
	logger   Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// NewWSGateway creates the device WebSocket handler.
func NewWSGateway(router *Router, cfg WSConfig, logger Logger) *WSGateway {
	if logger == nil {
		logger = noopLogger{}
	}
	return &WSGateway{
		router: router,
		cfg:    cfg.withDefaults(),
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				// Devices are not browsers; identity comes from the token.
				return true
			},
		},
		sessions: make(map[*Session]struct{}),
	}
}

// ServeHTTP upgrades the request and runs the session until it ends.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("device websocket upgrade failed", "error", err)
		return
	}

	s := &Session{
		gw:   g,
		conn: conn,
		send: make(chan []byte, g.cfg.SendBuffer),
		done: make(chan struct{}),
	}

	g.mu.Lock()
	g.sessions[s] = struct{}{}
	g.mu.Unlock()

	go s.writePump()
	s.readPump()
}

// SessionCount returns the number of open device sockets, identified or not.
func (g *WSGateway) SessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// Close ends every open session.
func (g *WSGateway) Close() {
	g.mu.Lock()
	sessions := make([]*Session, 0, len(g.sessions))
	for s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
}

func (g *WSGateway) remove(s *Session) {
	g.mu.Lock()
	delete(g.sessions, s)
	g.mu.Unlock()
}

// Session is one device WebSocket connection. After identify it is the
// device's command.Channel.
type Session struct {
	gw   *WSGateway
	conn *websocket.Conn
	send chan []byte

	mu       sync.RWMutex
	deviceID string

	done      chan struct{}
	closeOnce sync.Once
}

var _ command.Channel = (*Session)(nil)

// DeviceID returns the identified device id, or "" before identify.
func (s *Session) DeviceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceID
}

// Send queues a remoteCommand. It fails without blocking when the session is
// closed or its outbound buffer is full.
func (s *Session) Send(ctx context.Context, msg command.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.write(remoteCommand(msg))
}

// Close ends the session. The write pump sends a close frame and closes the
// socket. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *Session) write(out Outbound) error {
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", out.Type, err)
	}

	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrSendBufferFull
	}
}

func (s *Session) sendError(commandID, message string) {
	if err := s.write(Outbound{Type: MsgError, CommandID: commandID, Message: message}); err != nil {
		s.gw.logger.Debug("device error reply dropped", "device_id", s.DeviceID(), "error", err)
	}
}

func (s *Session) readPump() {
	defer func() {
		if id := s.DeviceID(); id != "" {
			if err := s.gw.router.Submit(Event{Kind: EventDisconnect, DeviceID: id, Channel: s}); err != nil {
				s.gw.logger.Debug("disconnect not routed", "device_id", id, "error", err)
			}
		}
		_ = s.Close()
		s.gw.remove(s)
	}()

	cfg := s.gw.cfg
	s.conn.SetReadLimit(cfg.MaxMessageSize)
	//nolint:errcheck // Best-effort deadline on connection setup
	s.conn.SetReadDeadline(time.Now().Add(cfg.PingInterval + cfg.PongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(cfg.PingInterval + cfg.PongTimeout))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.gw.logger.Warn("device websocket read error", "device_id", s.DeviceID(), "error", err)
			}
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		s.conn.SetReadDeadline(time.Now().Add(cfg.PingInterval + cfg.PongTimeout))

		if !s.handleMessage(data) {
			return
		}
	}
}

// handleMessage processes one device message. It returns false when the
// session must end.
func (s *Session) handleMessage(data []byte) bool {
	msg, err := decodeInbound(data)
	if err != nil {
		s.sendError(msg.CommandID, err.Error())
		return true
	}

	if msg.Type == MsgIdentify {
		return s.identify(msg)
	}

	deviceID := s.DeviceID()
	if deviceID == "" {
		s.sendError(msg.CommandID, ErrNotIdentified.Error())
		return true
	}

	switch msg.Type {
	case MsgHeartbeat:
		s.submit(Event{Kind: EventHeartbeat, DeviceID: deviceID})
	case MsgCommandResult:
		commandID := msg.CommandID
		s.submit(Event{
			Kind:      EventResult,
			DeviceID:  deviceID,
			CommandID: commandID,
			Result:    *msg.Result,
			Done: func(err error) {
				if err != nil {
					s.sendError(commandID, err.Error())
					return
				}
				//nolint:errcheck // Ack is advisory; the record is already updated
				s.write(Outbound{Type: MsgResultAck, CommandID: commandID})
			},
		})
	}
	return true
}

func (s *Session) identify(msg Inbound) bool {
	if current := s.DeviceID(); current != "" {
		if current != msg.DeviceID {
			s.sendError("", "session already identified as "+current)
		}
		return true
	}

	cfg := s.gw.cfg
	if cfg.RequireToken {
		if err := auth.VerifyDeviceToken(msg.Token, cfg.TokenSecret, msg.DeviceID); err != nil {
			s.gw.logger.Warn("device identify rejected", "device_id", msg.DeviceID, "error", err)
			s.sendError("", ErrUnauthorized.Error())
			return false
		}
	}

	s.mu.Lock()
	s.deviceID = msg.DeviceID
	s.mu.Unlock()

	//nolint:errcheck // A full buffer here means the session is already failing
	s.write(Outbound{Type: MsgIdentified, DeviceID: msg.DeviceID})

	s.submit(Event{
		Kind:     EventIdentify,
		DeviceID: msg.DeviceID,
		Channel:  s,
		Done: func(err error) {
			if err == nil {
				return
			}
			message := err.Error()
			if errors.Is(err, command.ErrUnknownDevice) {
				message = "unknown device"
			}
			s.sendError("", message)
			_ = s.Close()
		},
	})
	return true
}

func (s *Session) submit(ev Event) {
	if err := s.gw.router.Submit(ev); err != nil {
		s.gw.logger.Warn("device event not routed", "device_id", ev.DeviceID, "kind", ev.Kind, "error", err)
		s.sendError(ev.CommandID, "gateway unavailable")
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.gw.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = s.Close()
		s.conn.Close()
	}()

	writeWait := s.gw.cfg.PongTimeout
	for {
		select {
		case <-s.done:
			s.flushQueued(writeWait)
			//nolint:errcheck // Best-effort close frame
			s.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
			return
		case data := <-s.send:
			//nolint:errcheck // Best-effort deadline; write error caught below
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flushQueued writes whatever is still buffered, so a final error reply
// reaches the device before the close frame.
func (s *Session) flushQueued(writeWait time.Duration) {
	for {
		select {
		case data := <-s.send:
			//nolint:errcheck // Best-effort deadline
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}
