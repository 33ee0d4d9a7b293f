package link

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"rover-remote/internal/protocol"
)

// Polling is the request-per-command binding. Each Send issues
// GET /drive?left=..&right=.. in the background; responses land in State in
// arrival order.
type Polling struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	endpoint string
	active   bool
	handle   uuid.UUID
	state    State
	onChange func()
}

// NewPolling creates an inactive polling link.
func NewPolling(cfg Config) *Polling {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Polling{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
	p.setEndpointLocked(cfg.Endpoint)
	return p
}

// OnChange registers the change callback.
func (p *Polling) OnChange(fn func()) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

// Connect activates the link and pulls initial telemetry. The status stays
// Connecting until a request reaches the platform.
func (p *Polling) Connect() {
	p.mu.Lock()
	if p.active {
		p.mu.Unlock()
		return
	}
	if _, err := parseHTTPEndpoint(p.endpoint); err != nil {
		p.state.LastError = protocolError("%v", err)
		p.state.Status = Disconnected
		p.mu.Unlock()
		return
	}
	p.active = true
	p.handle = uuid.New()
	p.state.Status = Connecting
	p.mu.Unlock()

	p.RequestStatus()
}

// Disconnect deactivates the link. Responses to requests already in flight are discarded.
func (p *Polling) Disconnect() {
	p.mu.Lock()
	p.active = false
	p.handle = uuid.Nil
	p.state.Status = Disconnected
	p.mu.Unlock()
}

// Send dispatches a drive request. It returns false only when the link is inactive.
func (p *Polling) Send(cmd protocol.DriveCommand) bool {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return false
	}
	handle, endpoint := p.handle, p.endpoint
	p.state.LastSent = &cmd
	p.mu.Unlock()

	p.dispatch(handle, endpoint+protocol.PathDrive+"?"+cmd.Query())
	return true
}

// RequestStatus fetches /status in the background.
func (p *Polling) RequestStatus() {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	handle, endpoint := p.handle, p.endpoint
	p.mu.Unlock()

	p.dispatch(handle, endpoint+protocol.PathStatus)
}

// SetEndpoint changes the base URL, cycling the link if it is active.
func (p *Polling) SetEndpoint(endpoint string) {
	p.mu.Lock()
	if normalizeBaseURL(endpoint) == p.endpoint {
		p.mu.Unlock()
		return
	}
	p.setEndpointLocked(endpoint)
	active := p.active
	p.mu.Unlock()

	if active {
		p.Disconnect()
		p.Connect()
	}
}

// State returns a copy of the current state.
func (p *Polling) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Close deactivates the link and waits for in-flight requests.
func (p *Polling) Close() error {
	p.Disconnect()
	p.cancel()
	p.wg.Wait()
	return nil
}

// Drive sends one command synchronously and records the outcome.
func (p *Polling) Drive(ctx context.Context, cmd protocol.DriveCommand) (protocol.Telemetry, error) {
	p.mu.Lock()
	endpoint := p.endpoint
	p.state.LastSent = &cmd
	p.mu.Unlock()

	tel, lerr := p.get(ctx, endpoint+protocol.PathDrive+"?"+cmd.Query())
	p.record(tel, lerr)
	if lerr != nil {
		return nil, lerr
	}
	return tel, nil
}

// Status fetches platform telemetry synchronously.
func (p *Polling) Status(ctx context.Context) (protocol.Telemetry, error) {
	p.mu.Lock()
	endpoint := p.endpoint
	p.mu.Unlock()

	tel, lerr := p.get(ctx, endpoint+protocol.PathStatus)
	if lerr != nil {
		return nil, lerr
	}
	return tel, nil
}

func (p *Polling) setEndpointLocked(endpoint string) {
	p.endpoint = normalizeBaseURL(endpoint)
	p.state.Endpoint = p.endpoint
}

func (p *Polling) dispatch(handle uuid.UUID, rawURL string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		tel, lerr := p.get(p.ctx, rawURL)
		if lerr != nil {
			p.cfg.Logger.Debugw("platform request failed", "url", rawURL, "error", lerr)
		}

		p.mu.Lock()
		if handle != p.handle {
			p.mu.Unlock()
			return
		}
		p.applyLocked(tel, lerr)
		fn := p.onChange
		p.mu.Unlock()

		if fn != nil {
			fn()
		}
	}()
}

func (p *Polling) record(tel protocol.Telemetry, lerr *Error) {
	p.mu.Lock()
	p.applyLocked(tel, lerr)
	p.mu.Unlock()
}

// applyLocked stores a request outcome. A failure always clears telemetry so
// stale success data is never shown next to an error.
func (p *Polling) applyLocked(tel protocol.Telemetry, lerr *Error) {
	if lerr != nil {
		p.state.LastError = lerr
		p.state.Telemetry = nil
		if p.active {
			if lerr.Kind == KindNetwork {
				p.state.Status = Connecting
			} else {
				p.state.Status = Connected
			}
		}
		return
	}
	p.state.LastError = nil
	p.state.Telemetry = tel
	if p.active {
		p.state.Status = Connected
	}
}

// get performs one request and classifies the outcome.
func (p *Polling) get(ctx context.Context, rawURL string) (protocol.Telemetry, *Error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, protocolError("invalid request URL: %v", err)
	}
	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, networkError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, networkError(errors.Wrap(err, "read response body"))
	}
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300

	var tel protocol.Telemetry
	if err := json.Unmarshal(body, &tel); err != nil || tel == nil {
		if !ok {
			e := protocolError("HTTP error %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
			e.Status = resp.StatusCode
			return nil, e
		}
		e := protocolError("Non-JSON response when JSON expected.")
		e.Status = resp.StatusCode
		return nil, e
	}

	if !ok {
		return nil, applicationError(resp.StatusCode, "Server error: "+messageOr(tel, "Unknown server error"), body)
	}
	if status, _ := tel["status"].(string); status == protocol.StatusError {
		return nil, applicationError(resp.StatusCode, "Application error: "+messageOr(tel, "Unknown app error"), body)
	}
	return tel, nil
}

func messageOr(tel protocol.Telemetry, fallback string) string {
	if msg, ok := tel["message"].(string); ok && msg != "" {
		return msg
	}
	return fallback
}

func normalizeBaseURL(endpoint string) string {
	return strings.TrimSuffix(strings.TrimSpace(endpoint), "/")
}

func parseHTTPEndpoint(endpoint string) (*url.URL, error) {
	if endpoint == "" {
		return nil, errors.New("platform endpoint is not set")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "invalid platform endpoint")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("unsupported endpoint scheme %q (want http or https)", u.Scheme)
	}
	return u, nil
}
