// Package link maintains the connection to the platform. Two bindings exist:
// Polling issues one HTTP request per command, Session keeps a WebSocket open
// and reconnects when it drops.
//
// Links report changes that happen on their own goroutines (responses,
// inbound messages, drops, reconnect timers) through the OnChange callback.
// Changes caused by a direct method call are not reported; the caller reads
// State afterwards. Callbacks are never invoked with the link's lock held.
package link

import (
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"rover-remote/internal/protocol"
)

// Transport selects a link binding.
type Transport string

const (
	TransportSession Transport = "session"
	TransportPolling Transport = "polling"
)

// Status is the connection status of a link.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "disconnected":
		*s = Disconnected
	case "connecting":
		*s = Connecting
	case "connected":
		*s = Connected
	default:
		return errors.Errorf("unknown link status %q", b)
	}
	return nil
}

// State is a point-in-time copy of the link state. The pointed-to values are
// never mutated after being stored.
type State struct {
	Status    Status                 `json:"status"`
	Endpoint  string                 `json:"endpoint"`
	LastError *Error                 `json:"lastError,omitempty"`
	LastSent  *protocol.DriveCommand `json:"lastSent,omitempty"`
	Telemetry protocol.Telemetry     `json:"telemetry,omitempty"`
}

// Link is a connection to the platform.
type Link interface {
	// Connect starts the link. It is a no-op if already connecting or connected.
	Connect()
	// Disconnect stops the link without any automatic reconnect.
	Disconnect()
	// Send transmits a drive command. It never queues: if the link cannot
	// transmit now it returns false.
	Send(cmd protocol.DriveCommand) bool
	// RequestStatus asks the platform for fresh telemetry.
	RequestStatus()
	// SetEndpoint changes the target. An active link is cycled onto the new endpoint.
	SetEndpoint(endpoint string)
	// State returns a copy of the current state.
	State() State
	// OnChange registers the change callback.
	OnChange(fn func())
	// Close disconnects and waits for background work to finish.
	Close() error
}

// Config for a link
type Config struct {
	Endpoint          string
	ReconnectInterval time.Duration
	RequestTimeout    time.Duration // HTTP request timeout, or WebSocket handshake timeout
	WriteTimeout      time.Duration
	Clock             clock.Clock
	Logger            *zap.SugaredLogger
	HTTPClient        *http.Client
}

const (
	defaultReconnectInterval = 3 * time.Second
	defaultRequestTimeout    = 2 * time.Second
	defaultWriteTimeout      = 250 * time.Millisecond
)

func (c *Config) setDefaults() {
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = defaultReconnectInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop().Sugar()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
}

// New creates a link for the given transport.
func New(t Transport, cfg Config) (Link, error) {
	switch t {
	case TransportSession:
		return NewSession(cfg), nil
	case TransportPolling:
		return NewPolling(cfg), nil
	default:
		return nil, errors.Errorf("unsupported transport: %q", t)
	}
}

// NormalizeEndpoint trims whitespace and a trailing slash, the form links
// store endpoints in.
func NormalizeEndpoint(endpoint string) string {
	return normalizeBaseURL(endpoint)
}

// EndpointForHost builds the default endpoint for a bare host or IP. Values
// that already carry a scheme are returned unchanged.
func EndpointForHost(t Transport, host string) string {
	host = strings.TrimSpace(host)
	if host == "" || strings.Contains(host, "://") {
		return host
	}
	if t == TransportPolling {
		return "http://" + host
	}
	return "ws://" + host + "/ws"
}
