package link

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"rover-remote/internal/protocol"
)

const (
	// Time allowed to read the next message or pong from the platform.
	pongWait = 60 * time.Second
	// Send pings to the platform with this period. Must be less than pongWait.
	pingPeriod = 30 * time.Second
)

// Session is the persistent WebSocket binding. A connection that drops
// without Disconnect being called is retried after ReconnectInterval.
// Telemetry and LastSent belong to one connection and are cleared when it
// drops or a new attempt starts.
type Session struct {
	cfg    Config
	dialer *websocket.Dialer
	wg     sync.WaitGroup

	mu         sync.Mutex
	endpoint   string
	userClosed bool
	closed     bool
	handle     uuid.UUID // current attempt or connection, Nil when idle
	conn       *websocket.Conn
	reconnect  *clock.Timer
	state      State
	onChange   func()

	writeMu sync.Mutex
}

// NewSession creates an idle session link.
func NewSession(cfg Config) *Session {
	cfg.setDefaults()
	s := &Session{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.RequestTimeout,
		},
		userClosed: true,
	}
	s.endpoint = normalizeBaseURL(cfg.Endpoint)
	s.state.Endpoint = s.endpoint
	return s
}

// OnChange registers the change callback.
func (s *Session) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Connect opens the session. A pending reconnect is replaced by an immediate attempt.
func (s *Session) Connect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userClosed = false
	s.connectLocked()
}

func (s *Session) connectLocked() {
	if s.closed || s.handle != uuid.Nil {
		return
	}
	s.stopReconnectLocked()
	if err := validateWSEndpoint(s.endpoint); err != nil {
		s.state.LastError = protocolError("%v", err)
		s.state.Status = Disconnected
		return
	}

	handle := uuid.New()
	s.handle = handle
	s.state.Status = Connecting
	s.state.Telemetry = nil
	s.state.LastSent = nil
	endpoint := s.endpoint

	s.wg.Add(1)
	go s.dial(handle, endpoint)
}

// Disconnect closes the session without scheduling a reconnect.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.userClosed = true
	s.stopReconnectLocked()
	s.handle = uuid.Nil
	conn := s.conn
	s.conn = nil
	s.state.Status = Disconnected
	s.mu.Unlock()

	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(s.cfg.WriteTimeout))
		s.writeMu.Unlock()
		conn.Close()
	}
}

// Send writes a drive command if the session is open. A failed write closes
// the connection, which then goes through the normal drop path.
func (s *Session) Send(cmd protocol.DriveCommand) bool {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return false
	}

	if err := s.write(conn, protocol.NewDrive(cmd)); err != nil {
		s.cfg.Logger.Debugw("drive command write failed", "error", err)
		conn.Close()
		return false
	}

	s.mu.Lock()
	if s.conn == conn {
		s.state.LastSent = &cmd
	}
	s.mu.Unlock()
	return true
}

// RequestStatus sends get_status if the session is open.
func (s *Session) RequestStatus() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	if err := s.write(conn, protocol.NewGetStatus()); err != nil {
		s.cfg.Logger.Debugw("status request write failed", "error", err)
		conn.Close()
	}
}

// SetEndpoint changes the target. An open, opening or reconnecting session is
// moved to the new endpoint.
func (s *Session) SetEndpoint(endpoint string) {
	endpoint = normalizeBaseURL(endpoint)

	s.mu.Lock()
	if endpoint == s.endpoint {
		s.mu.Unlock()
		return
	}
	s.endpoint = endpoint
	s.state.Endpoint = endpoint
	cycle := !s.userClosed
	s.mu.Unlock()

	if cycle {
		s.Disconnect()
		s.Connect()
	}
}

// State returns a copy of the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ReconnectPending reports whether a reconnect timer is armed.
func (s *Session) ReconnectPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnect != nil
}

// Close disconnects and waits for the pumps to exit.
func (s *Session) Close() error {
	s.Disconnect()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *Session) dial(handle uuid.UUID, endpoint string) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	conn, _, err := s.dialer.DialContext(ctx, endpoint, nil)
	cancel()

	s.mu.Lock()
	if handle != s.handle {
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		s.cfg.Logger.Warnw("platform session dial failed", "endpoint", endpoint, "error", err)
		s.handle = uuid.Nil
		s.state.Status = Disconnected
		s.state.LastError = networkError(err)
		s.state.Telemetry = nil
		s.scheduleReconnectLocked()
		fn := s.onChange
		s.mu.Unlock()
		notify(fn)
		return
	}

	s.cfg.Logger.Infow("platform session connected", "endpoint", endpoint)
	s.conn = conn
	s.state.Status = Connected
	s.state.LastError = nil
	s.stopReconnectLocked()

	done := make(chan struct{})
	s.wg.Add(2)
	go s.readPump(handle, conn, done)
	go s.pingPump(conn, done)
	fn := s.onChange
	s.mu.Unlock()

	s.RequestStatus()
	notify(fn)
}

// readPump reads platform messages until the connection fails.
func (s *Session) readPump(handle uuid.UUID, conn *websocket.Conn, done chan struct{}) {
	defer s.wg.Done()
	defer close(done)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.dropped(handle, conn, err)
			return
		}
		s.handleMessage(handle, data)
	}
}

func (s *Session) pingPump(conn *websocket.Conn, done chan struct{}) {
	defer s.wg.Done()
	ticker := s.cfg.Clock.Ticker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout))
			s.writeMu.Unlock()
			if err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (s *Session) handleMessage(handle uuid.UUID, data []byte) {
	var msg protocol.PlatformMessage
	perr := json.Unmarshal(data, &msg)

	s.mu.Lock()
	if handle != s.handle {
		s.mu.Unlock()
		return
	}
	switch {
	case perr != nil:
		s.state.LastError = protocolError("Failed to parse message: %v", perr)
	case msg.Type == protocol.PlatformStatusUpdate:
		var tel protocol.Telemetry
		if err := json.Unmarshal(msg.Data, &tel); err != nil || tel == nil {
			s.state.LastError = protocolError("Malformed status_update data")
			break
		}
		s.state.Telemetry = tel
		s.state.LastError = nil
	case msg.Type == protocol.PlatformError:
		message := msg.Message
		if message == "" {
			message = "Unknown platform error"
		}
		s.state.LastError = applicationError(0, message, json.RawMessage(data))
	default:
		s.state.LastError = protocolError("Unknown message type: %q", msg.Type)
	}
	fn := s.onChange
	s.mu.Unlock()

	notify(fn)
}

func (s *Session) dropped(handle uuid.UUID, conn *websocket.Conn, err error) {
	conn.Close()

	s.mu.Lock()
	if handle != s.handle {
		s.mu.Unlock()
		return
	}
	s.handle = uuid.Nil
	s.conn = nil
	s.state.Status = Disconnected
	s.state.Telemetry = nil
	s.state.LastSent = nil
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		s.state.LastError = networkError(errors.Wrap(err, "connection lost"))
	}
	s.cfg.Logger.Warnw("platform session closed", "endpoint", s.endpoint, "error", err)
	if !s.userClosed {
		s.scheduleReconnectLocked()
	}
	fn := s.onChange
	s.mu.Unlock()

	notify(fn)
}

// scheduleReconnectLocked arms the single reconnect slot.
func (s *Session) scheduleReconnectLocked() {
	if s.closed || s.userClosed {
		return
	}
	s.stopReconnectLocked()
	var t *clock.Timer
	t = s.cfg.Clock.AfterFunc(s.cfg.ReconnectInterval, func() {
		s.mu.Lock()
		if s.reconnect != t {
			s.mu.Unlock()
			return
		}
		s.reconnect = nil
		s.connectLocked()
		fn := s.onChange
		s.mu.Unlock()
		notify(fn)
	})
	s.reconnect = t
}

func (s *Session) stopReconnectLocked() {
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
}

func (s *Session) write(conn *websocket.Conn, v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return conn.WriteJSON(v)
}

func notify(fn func()) {
	if fn != nil {
		fn()
	}
}

func validateWSEndpoint(endpoint string) error {
	if endpoint == "" {
		return errors.New("platform endpoint is not set")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return errors.Wrap(err, "invalid platform endpoint")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.Errorf("unsupported endpoint scheme %q (want ws or wss)", u.Scheme)
	}
	return nil
}
