// Package controller runs the drive loop: it feeds key events into the drive
// model, ticks it at a fixed interval, sends the result over a link and emits
// a snapshot after every change.
package controller

import (
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"rover-remote/internal/control"
	"rover-remote/internal/link"
	"rover-remote/internal/protocol"
)

// Options configures a Controller. OnUpdate and OnConnectionStatusChange are
// called synchronously with the controller lock held and must not call back
// into the Controller.
type Options struct {
	Params   control.Params
	Bindings control.Bindings
	Clock    clock.Clock
	Logger   *zap.SugaredLogger

	OnUpdate                 func(Snapshot)
	OnConnectionStatusChange func(protocol.ConnectionStatusPayload)
}

// run is one Start..Stop cycle of the tick loop.
type run struct {
	ticker *clock.Ticker
	done   chan struct{}
}

// Controller owns the drive model and the link.
type Controller struct {
	link     link.Link
	clock    clock.Clock
	logger   *zap.SugaredLogger
	onUpdate func(Snapshot)
	onStatus func(protocol.ConnectionStatusPayload)

	mu         sync.Mutex
	drive      *control.Drive
	run        *run
	lastStatus link.Status
	closed     bool
}

// New creates a stopped controller around l.
func New(l link.Link, opts Options) (*Controller, error) {
	if l == nil {
		return nil, errors.New("controller requires a link")
	}
	if err := opts.Params.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid control parameters")
	}
	if opts.Bindings.Handbrake == "" && len(opts.Bindings.Accelerate) == 0 {
		opts.Bindings = control.DefaultBindings()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}

	c := &Controller{
		link:       l,
		clock:      opts.Clock,
		logger:     opts.Logger,
		onUpdate:   opts.OnUpdate,
		onStatus:   opts.OnConnectionStatusChange,
		drive:      control.NewDrive(opts.Params, opts.Bindings),
		lastStatus: l.State().Status,
	}
	l.OnChange(c.linkChanged)
	return c, nil
}

// PressKey records a key press. Pressing the handbrake key toggles the handbrake.
func (c *Controller) PressKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.drive.PressKey(key) {
		c.handbrakeToggledLocked()
	}
	c.emitLocked()
}

// ReleaseKey records a key release.
func (c *Controller) ReleaseKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drive.ReleaseKey(key)
	c.emitLocked()
}

// ToggleHandbrake flips the handbrake and returns its new state.
func (c *Controller) ToggleHandbrake() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	on := c.drive.ToggleHandbrake()
	c.handbrakeToggledLocked()
	c.emitLocked()
	return on
}

func (c *Controller) handbrakeToggledLocked() {
	st := c.drive.State()
	c.logger.Infow("handbrake toggled", "on", st.HandbrakeOn)
	if st.HandbrakeOn {
		c.sendZeroLocked()
	}
}

// Start connects the link and starts ticking. Calling it while running
// replaces the running loop.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.stopRunLocked()
	c.link.Connect()

	r := &run{
		ticker: c.clock.Ticker(c.drive.Params().UpdateInterval),
		done:   make(chan struct{}),
	}
	c.run = r
	go c.loop(r)

	c.logger.Infow("control loop started", "interval", c.drive.Params().UpdateInterval, "endpoint", c.link.State().Endpoint)
	c.emitLocked()
}

// Stop halts the loop, sends a final zero command if connected, disconnects
// and returns the drive model to neutral.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	c.emitLocked()
}

func (c *Controller) stopLocked() {
	wasRunning := c.stopRunLocked()
	c.sendZeroLocked()
	c.link.Disconnect()
	c.drive.Reset()
	if wasRunning {
		c.logger.Infow("control loop stopped")
	}
}

// ManualDrive sends one command outside the loop. It reports whether the
// link accepted it.
func (c *Controller) ManualDrive(left, right int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ok := c.link.Send(protocol.DriveCommand{Left: left, Right: right})
	c.emitLocked()
	return ok
}

// SetEndpoint retargets the link. An active link is disconnected, reported
// as such, and reconnected to the new endpoint.
func (c *Controller) SetEndpoint(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.link.State()
	if st.Status != link.Disconnected && link.NormalizeEndpoint(endpoint) != st.Endpoint {
		c.link.Disconnect()
		c.emitLocked()
		c.link.SetEndpoint(endpoint)
		c.link.Connect()
	} else {
		c.link.SetEndpoint(endpoint)
	}
	c.logger.Infow("platform endpoint changed", "endpoint", c.link.State().Endpoint)
	c.emitLocked()
}

// RequestStatus asks the platform for fresh telemetry.
func (c *Controller) RequestStatus() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.link.RequestStatus()
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// ConnectionStatus returns the current connection summary.
func (c *Controller) ConnectionStatus() protocol.ConnectionStatusPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return connectionStatus(c.link.State())
}

// Running reports whether the tick loop is active.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run != nil
}

// Close stops the controller and releases the link.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.stopLocked()
	c.emitLocked()
	c.closed = true
	c.mu.Unlock()

	// The link may be waiting on a notification that needs c.mu.
	return c.link.Close()
}

func (c *Controller) loop(r *run) {
	for {
		select {
		case <-r.done:
			return
		case <-r.ticker.C:
			c.tick(r)
		}
	}
}

func (c *Controller) tick(r *run) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != r {
		return
	}
	c.drive.Step()
	left, right := c.drive.Command()
	c.link.Send(protocol.DriveCommand{Left: left, Right: right})
	c.emitLocked()
}

func (c *Controller) stopRunLocked() bool {
	if c.run == nil {
		return false
	}
	c.run.ticker.Stop()
	close(c.run.done)
	c.run = nil
	return true
}

func (c *Controller) sendZeroLocked() {
	if c.link.State().Status == link.Connected {
		c.link.Send(protocol.DriveCommand{})
	}
}

func (c *Controller) linkChanged() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.emitLocked()
}

func (c *Controller) emitLocked() {
	snap := c.snapshotLocked()
	if snap.Link.Status != c.lastStatus {
		c.logger.Debugw("link status changed", "from", c.lastStatus, "to", snap.Link.Status)
		c.lastStatus = snap.Link.Status
		if c.onStatus != nil {
			c.onStatus(connectionStatus(snap.Link))
		}
	}
	if c.onUpdate != nil {
		c.onUpdate(snap)
	}
}

func (c *Controller) snapshotLocked() Snapshot {
	return newSnapshot(c.drive.State(), c.link.State(), c.run != nil)
}

func connectionStatus(st link.State) protocol.ConnectionStatusPayload {
	return protocol.ConnectionStatusPayload{
		IsConnected:            st.Status == link.Connected,
		IsAttemptingConnection: st.Status == link.Connecting,
		Endpoint:               st.Endpoint,
	}
}
