package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"rover-remote/internal/control"
	"rover-remote/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxMessage = 65536
)

// handbrakeKeys toggle the handbrake from the console.
var handbrakeKeys = map[string]bool{" ": true, "space": true, "spacebar": true}

// Client represents a connected console
type Client struct {
	id     uuid.UUID
	conn   *websocket.Conn
	server *Server
	logger *zap.SugaredLogger
	send   chan []byte
	mu     sync.Mutex
	closed bool

	// Keys this console is holding down. Only the read pump touches it.
	held map[string]bool
}

func newClient(s *Server, conn *websocket.Conn) *Client {
	id := uuid.New()
	return &Client{
		id:     id,
		conn:   conn,
		server: s,
		logger: s.logger.With("client", id.String()),
		send:   make(chan []byte, 256),
		held:   make(map[string]bool),
	}
}

func (c *Client) sendMessage(msgType string, payload any) {
	data, err := encode(msgType, payload)
	if err != nil {
		c.logger.Errorw("failed to create message", "type", msgType, "error", err)
		return
	}
	c.trySend(data)
}

func (c *Client) sendError(code, message string) {
	c.sendMessage(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message})
}

// trySend queues data without blocking. Messages for a full or closed client are dropped.
func (c *Client) trySend(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Debugw("client send buffer full, dropping message")
	}
}

func (c *Client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.releaseAll()
		c.Close()
		c.logger.Infow("console disconnected")
	}()

	c.conn.SetReadLimit(maxMessage)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warnw("WebSocket error", "error", err)
			}
			return
		}

		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError(protocol.ErrInvalidMessage, "Failed to parse message")
		return
	}

	s := c.server
	switch msg.Type {
	case protocol.TypePing:
		var payload protocol.PingPayload
		if err := msg.ParsePayload(&payload); err != nil {
			c.sendError(protocol.ErrInvalidMessage, "Invalid ping payload")
			return
		}
		c.sendMessage(protocol.TypePong, protocol.PongPayload{
			ClientTimestamp: payload.Timestamp,
			ServerTimestamp: time.Now().UnixMilli(),
		})

	case protocol.TypeKeyDown, protocol.TypeKeyUp:
		var payload protocol.KeyPayload
		if err := msg.ParsePayload(&payload); err != nil || payload.Key == "" {
			c.sendError(protocol.ErrInvalidMessage, "Invalid key payload")
			return
		}
		if msg.Type == protocol.TypeKeyDown {
			c.keyDown(control.NormalizeKey(payload.Key))
		} else {
			c.keyUp(control.NormalizeKey(payload.Key))
		}

	case protocol.TypeHandbrake:
		s.drive.ToggleHandbrake()

	case protocol.TypeStart:
		s.drive.Start()

	case protocol.TypeStop:
		s.drive.Stop()

	case protocol.TypeSetEndpoint:
		var payload protocol.EndpointPayload
		if err := msg.ParsePayload(&payload); err != nil || payload.Endpoint == "" {
			c.sendError(protocol.ErrInvalidMessage, "Invalid endpoint payload")
			return
		}
		s.drive.SetEndpoint(payload.Endpoint)
		s.broadcast(protocol.TypeStatus, s.status())

	case protocol.TypePTZCommand:
		var payload protocol.PTZCommandPayload
		if err := msg.ParsePayload(&payload); err != nil {
			c.sendError(protocol.ErrInvalidMessage, "Invalid PTZ payload")
			return
		}
		if s.camera == nil {
			c.sendError(protocol.ErrPTZ, "PTZ control is not configured")
			return
		}
		s.camera.Move(payload.Pan, payload.Tilt, payload.Zoom)

	case protocol.TypePTZStop:
		if s.camera != nil {
			s.camera.Stop()
		}

	default:
		c.logger.Debugw("unknown message type", "type", msg.Type)
		c.sendError(protocol.ErrInvalidMessage, "Unknown message type: "+msg.Type)
	}
}

// keyDown routes a press: camera keys to the PTZ mover, space to the
// handbrake, bound drive keys to the controller. Auto-repeat presses of a
// held key are ignored.
func (c *Client) keyDown(key string) {
	if c.held[key] {
		return
	}
	s := c.server
	switch {
	case s.camera != nil && s.camera.Handles(key):
		s.camera.KeyDown(key)
	case handbrakeKeys[key]:
		s.drive.ToggleHandbrake()
	case s.driveKeys[key]:
		s.pressDrive(key)
	default:
		return
	}
	c.held[key] = true
}

func (c *Client) keyUp(key string) {
	if !c.held[key] {
		return
	}
	delete(c.held, key)
	s := c.server
	switch {
	case s.camera != nil && s.camera.Handles(key):
		s.camera.KeyUp(key)
	case s.driveKeys[key]:
		s.releaseDrive(key)
	}
}

// releaseAll lets go of every key the console was holding.
func (c *Client) releaseAll() {
	for key := range c.held {
		c.keyUp(key)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close closes the client connection
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}
