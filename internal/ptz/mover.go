package ptz

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Defaults for the console behaviour.
const (
	DefaultSpeed       = 0.5
	DefaultMoveTime    = 400 * time.Millisecond
	DefaultMinInterval = 50 * time.Millisecond // ~20 moves/sec max
)

// Key names handled by the mover.
const (
	KeyUp      = "arrowup"
	KeyDown    = "arrowdown"
	KeyLeft    = "arrowleft"
	KeyRight   = "arrowright"
	KeyZoomIn  = "z"
	KeyZoomOut = "x"
)

// MoverConfig for a Mover
type MoverConfig struct {
	PanSpeed    float64
	TiltSpeed   float64
	ZoomSpeed   float64
	InvertTilt  bool
	MoveTime    time.Duration // auto-stop delay after a move
	MinInterval time.Duration // minimum spacing between moves
	Clock       clock.Clock
	Logger      *zap.SugaredLogger
	OnError     func(error)
}

type velocity struct {
	pan, tilt, zoom float64
}

type command struct {
	stop bool
	v    velocity
}

// Mover turns key presses into timed continuous moves. A move runs until the
// key is released or MoveTime elapses, whichever comes first. Commands are
// sent in order by a single worker.
type Mover struct {
	ctrl    Controller
	cfg     MoverConfig
	limiter *rate.Limiter
	keys    map[string]velocity
	queue   chan command
	done    chan struct{}
	wg      sync.WaitGroup

	mu     sync.Mutex
	moving bool
	timer  *clock.Timer
	closed bool
}

// NewMover creates a mover on top of ctrl and starts its worker.
func NewMover(ctrl Controller, cfg MoverConfig) *Mover {
	if cfg.PanSpeed <= 0 {
		cfg.PanSpeed = DefaultSpeed
	}
	if cfg.TiltSpeed <= 0 {
		cfg.TiltSpeed = DefaultSpeed
	}
	if cfg.ZoomSpeed <= 0 {
		cfg.ZoomSpeed = DefaultSpeed
	}
	if cfg.MoveTime <= 0 {
		cfg.MoveTime = DefaultMoveTime
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	tilt := cfg.TiltSpeed
	if cfg.InvertTilt {
		tilt = -tilt
	}

	m := &Mover{
		ctrl:    ctrl,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		keys: map[string]velocity{
			KeyUp:      {tilt: tilt},
			KeyDown:    {tilt: -tilt},
			KeyLeft:    {pan: -cfg.PanSpeed},
			KeyRight:   {pan: cfg.PanSpeed},
			KeyZoomIn:  {zoom: cfg.ZoomSpeed},
			KeyZoomOut: {zoom: -cfg.ZoomSpeed},
		},
		queue: make(chan command, 16),
		done:  make(chan struct{}),
	}

	m.wg.Add(1)
	go m.worker()
	return m
}

// Handles reports whether key is a PTZ key.
func (m *Mover) Handles(key string) bool {
	_, ok := m.keys[key]
	return ok
}

// KeyDown starts the move bound to key. It reports whether key is a PTZ key.
func (m *Mover) KeyDown(key string) bool {
	v, ok := m.keys[key]
	if ok {
		m.Move(v.pan, v.tilt, v.zoom)
	}
	return ok
}

// KeyUp ends a key-driven move. It reports whether key is a PTZ key.
func (m *Mover) KeyUp(key string) bool {
	if !m.Handles(key) {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelTimerLocked()
	if m.moving {
		m.moving = false
		m.enqueueLocked(command{stop: true})
	}
	return true
}

// Move starts a continuous move and arms the auto-stop. Moves arriving faster
// than MinInterval are dropped.
func (m *Mover) Move(pan, tilt, zoom float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if !m.limiter.AllowN(m.cfg.Clock.Now(), 1) {
		return // Skip this command
	}

	m.cancelTimerLocked()
	m.moving = true
	m.enqueueLocked(command{v: velocity{pan, tilt, zoom}})

	var t *clock.Timer
	t = m.cfg.Clock.AfterFunc(m.cfg.MoveTime, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.timer != t {
			return
		}
		m.timer = nil
		if m.moving {
			m.moving = false
			m.enqueueLocked(command{stop: true})
		}
	})
	m.timer = t
}

// Stop halts any movement. Stops are never rate limited.
func (m *Mover) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelTimerLocked()
	m.moving = false
	m.enqueueLocked(command{stop: true})
}

// Moving reports whether a move is in progress.
func (m *Mover) Moving() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moving
}

// Close flushes queued commands, stops the worker and closes the controller.
func (m *Mover) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.cancelTimerLocked()
	m.closed = true
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()
	return m.ctrl.Close()
}

func (m *Mover) cancelTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Mover) enqueueLocked(cmd command) {
	if m.closed {
		return
	}
	select {
	case m.queue <- cmd:
	case <-m.done:
	}
}

func (m *Mover) worker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			// Flush what was queued before Close, typically a final stop.
			for {
				select {
				case cmd := <-m.queue:
					m.send(cmd)
				default:
					return
				}
			}
		case cmd := <-m.queue:
			m.send(cmd)
		}
	}
}

func (m *Mover) send(cmd command) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	var err error
	if cmd.stop {
		err = m.ctrl.Stop(ctx)
	} else {
		err = m.ctrl.Move(ctx, cmd.v.pan, cmd.v.tilt, cmd.v.zoom)
	}
	if err != nil {
		m.cfg.Logger.Warnw("ptz command failed", "stop", cmd.stop, "error", err)
		if m.cfg.OnError != nil {
			m.cfg.OnError(err)
		}
		return
	}
	m.cfg.Logger.Debugw("ptz command sent", "stop", cmd.stop, "pan", cmd.v.pan, "tilt", cmd.v.tilt, "zoom", cmd.v.zoom)
}
