package server

import (
	"context"
	"encoding/json"
	"io/fs"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"rover-remote/internal/control"
	"rover-remote/internal/controller"
	"rover-remote/internal/protocol"
)

// Config for the server
type Config struct {
	ListenAddr     string
	AllowedOrigins []string // CORS origins for /api; empty allows all
	Transport      string
	Bindings       control.Bindings
	VideoURL       string // URL the console displays
	VideoProtocol  string // "rtsp" or "mjpeg"
	CameraType     string
	Logger         *zap.SugaredLogger
}

// Drive is the part of the controller the console uses.
type Drive interface {
	PressKey(key string)
	ReleaseKey(key string)
	ToggleHandbrake() bool
	Start()
	Stop()
	SetEndpoint(endpoint string)
	Snapshot() controller.Snapshot
	ConnectionStatus() protocol.ConnectionStatusPayload
}

// Camera is the part of the PTZ mover the console uses.
type Camera interface {
	Handles(key string) bool
	KeyDown(key string) bool
	KeyUp(key string) bool
	Move(pan, tilt, zoom float64)
	Stop()
}

// Server is the operator console server
type Server struct {
	cfg       Config
	logger    *zap.SugaredLogger
	drive     Drive
	camera    Camera
	driveKeys map[string]bool
	clients   map[*Client]bool
	clientsMu sync.RWMutex
	upgrader  websocket.Upgrader
	staticFS  fs.FS
	httpSrv   *http.Server

	videoOnline atomic.Bool

	// Consoles holding each drive key. The drive sees one press per key
	// however many consoles hold it.
	holdsMu sync.Mutex
	holds   map[string]int
}

// New creates a new server instance. camera may be nil when PTZ is disabled.
func New(cfg Config, drive Drive, camera Camera, staticFS fs.FS) (*Server, error) {
	if drive == nil {
		return nil, errors.New("server requires a drive controller")
	}
	// Extract the web subdirectory from embedded FS
	webFS, err := fs.Sub(staticFS, "web")
	if err != nil {
		return nil, errors.Wrap(err, "failed to access embedded web files")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	driveKeys := map[string]bool{cfg.Bindings.Handbrake: true}
	for _, keys := range [][]string{cfg.Bindings.Accelerate, cfg.Bindings.Brake, cfg.Bindings.Left, cfg.Bindings.Right} {
		for _, k := range keys {
			driveKeys[k] = true
		}
	}

	s := &Server{
		cfg:       cfg,
		logger:    cfg.Logger,
		drive:     drive,
		camera:    camera,
		driveKeys: driveKeys,
		clients:   make(map[*Client]bool),
		holds:     make(map[string]int),
		staticFS:  webFS,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for local use
			},
		},
	}
	s.httpSrv = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: s.Handler(),
	}
	return s, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/state", s.handleState)
	mux.Handle("/", http.FileServer(http.FS(s.staticFS)))

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet},
	}).Handler(mux)
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Infow("server starting", "addr", s.cfg.ListenAddr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "console server")
	}
	return nil
}

// Stop disconnects all consoles and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.clientsMu.Lock()
	for client := range s.clients {
		client.Close()
	}
	s.clientsMu.Unlock()

	return s.httpSrv.Shutdown(ctx)
}

// BroadcastSnapshot sends a snapshot to every console. Slow consoles miss updates.
func (s *Server) BroadcastSnapshot(snap controller.Snapshot) {
	s.broadcast(protocol.TypeSnapshot, snap)
}

// BroadcastConnectionStatus sends a platform link transition to every console.
func (s *Server) BroadcastConnectionStatus(status protocol.ConnectionStatusPayload) {
	s.broadcast(protocol.TypeConnectionStatus, status)
}

// BroadcastError reports a failure to every console.
func (s *Server) BroadcastError(code string, err error) {
	s.broadcast(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: err.Error()})
}

// SetVideoOnline records camera stream availability and tells the consoles.
func (s *Server) SetVideoOnline(online bool) {
	s.videoOnline.Store(online)
	s.broadcast(protocol.TypeStatus, s.status())
}

// ClientCount returns the number of connected consoles.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) broadcast(msgType string, payload any) {
	data, err := encode(msgType, payload)
	if err != nil {
		s.logger.Errorw("failed to encode message", "type", msgType, "error", err)
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for client := range s.clients {
		client.trySend(data)
	}
}

func (s *Server) status() protocol.StatusPayload {
	return protocol.StatusPayload{
		Endpoint:      s.drive.Snapshot().Link.Endpoint,
		Transport:     s.cfg.Transport,
		VideoURL:      s.cfg.VideoURL,
		VideoProtocol: s.cfg.VideoProtocol,
		VideoOnline:   s.videoOnline.Load(),
		CameraType:    s.cfg.CameraType,
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.drive.Snapshot()); err != nil {
		s.logger.Debugw("failed to write state", "error", err)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade error", "error", err)
		return
	}

	client := newClient(s, conn)

	s.clientsMu.Lock()
	s.clients[client] = true
	s.clientsMu.Unlock()
	client.logger.Infow("console connected", "remote", r.RemoteAddr)

	// Start client goroutines
	go client.writePump()
	go client.readPump()

	// Send initial state
	client.sendMessage(protocol.TypeStatus, s.status())
	client.sendMessage(protocol.TypeConnectionStatus, s.drive.ConnectionStatus())
	client.sendMessage(protocol.TypeSnapshot, s.drive.Snapshot())
}

// pressDrive forwards a press only when the first console takes the key.
func (s *Server) pressDrive(key string) {
	s.holdsMu.Lock()
	defer s.holdsMu.Unlock()
	s.holds[key]++
	if s.holds[key] == 1 {
		s.drive.PressKey(key)
	}
}

// releaseDrive forwards a release only when the last console lets go.
func (s *Server) releaseDrive(key string) {
	s.holdsMu.Lock()
	defer s.holdsMu.Unlock()
	if s.holds[key] == 0 {
		return
	}
	s.holds[key]--
	if s.holds[key] == 0 {
		delete(s.holds, key)
		s.drive.ReleaseKey(key)
	}
}

func (s *Server) removeClient(c *Client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()
}

func encode(msgType string, payload any) ([]byte, error) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}
