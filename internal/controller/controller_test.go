package controller

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"rover-remote/internal/control"
	"rover-remote/internal/link"
	"rover-remote/internal/protocol"
)

// fakeLink is an in-memory link whose status is set by the test.
type fakeLink struct {
	mu         sync.Mutex
	state      link.State
	sends      []protocol.DriveCommand
	connects   int
	closed     bool
	onChange   func()
	autoStatus link.Status // status entered on Connect
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		state:      link.State{Endpoint: "ws://rover/ws"},
		autoStatus: link.Connected,
	}
}

func (f *fakeLink) Connect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	f.state.Status = f.autoStatus
}

func (f *fakeLink) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Status = link.Disconnected
}

func (f *fakeLink) Send(cmd protocol.DriveCommand) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.Status == link.Disconnected {
		return false
	}
	f.sends = append(f.sends, cmd)
	f.state.LastSent = &cmd
	return true
}

func (f *fakeLink) RequestStatus() {}

func (f *fakeLink) SetEndpoint(endpoint string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Endpoint = endpoint
}

func (f *fakeLink) State() link.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeLink) OnChange(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onChange = fn
}

func (f *fakeLink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// setStatus simulates an asynchronous transition and notifies.
func (f *fakeLink) setStatus(s link.Status) {
	f.mu.Lock()
	f.state.Status = s
	fn := f.onChange
	f.mu.Unlock()
	fn()
}

func (f *fakeLink) sent() []protocol.DriveCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.DriveCommand(nil), f.sends...)
}

type recorder struct {
	mu       sync.Mutex
	updates  []Snapshot
	statuses []protocol.ConnectionStatusPayload
}

func (r *recorder) update(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, s)
}

func (r *recorder) status(s protocol.ConnectionStatusPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

func (r *recorder) last() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates[len(r.updates)-1]
}

func newTestController(t *testing.T, l link.Link, mock *clock.Mock) (*Controller, *recorder) {
	t.Helper()
	rec := &recorder{}
	c, err := New(l, Options{
		Params:                   control.DefaultParams(),
		Bindings:                 control.DefaultBindings(),
		Clock:                    mock,
		Logger:                   zaptest.NewLogger(t).Sugar(),
		OnUpdate:                 rec.update,
		OnConnectionStatusChange: rec.status,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, rec
}

// tickN advances the mock clock one update interval at a time and waits for
// each tick to be processed.
func tickN(t *testing.T, mock *clock.Mock, rec *recorder, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		before := rec.count()
		mock.Add(control.DefaultUpdateInterval)
		require.Eventually(t, func() bool { return rec.count() > before }, time.Second, time.Millisecond)
	}
}

func TestController_ThrottleScenario(t *testing.T) {
	mock := clock.NewMock()
	fl := newFakeLink()
	c, rec := newTestController(t, fl, mock)

	c.Start()
	c.PressKey("w")
	tickN(t, mock, rec, 10)
	assert.InDelta(t, 50, c.Snapshot().Throttle, 1e-9)

	c.ReleaseKey("w")
	c.PressKey("s")
	tickN(t, mock, rec, 9)
	assert.InDelta(t, -4, c.Snapshot().Throttle, 1e-9)

	c.ReleaseKey("s")
	tickN(t, mock, rec, 1)
	assert.InDelta(t, -2, c.Snapshot().Throttle, 1e-9)

	sends := fl.sent()
	require.Len(t, sends, 20)
	assert.Equal(t, protocol.DriveCommand{Left: -2, Right: -2}, sends[19])
}

func TestController_StartTwiceKeepsOneTicker(t *testing.T) {
	mock := clock.NewMock()
	fl := newFakeLink()
	c, rec := newTestController(t, fl, mock)

	c.Start()
	c.Start()
	assert.True(t, c.Running())

	tickN(t, mock, rec, 1)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, fl.sent(), 1)

	tickN(t, mock, rec, 3)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, fl.sent(), 4)
}

func TestController_HandbrakeSendsZeroImmediately(t *testing.T) {
	mock := clock.NewMock()
	fl := newFakeLink()
	c, rec := newTestController(t, fl, mock)

	c.Start()
	c.PressKey("w")
	tickN(t, mock, rec, 4)
	require.InDelta(t, 20, c.Snapshot().Throttle, 1e-9)
	before := len(fl.sent())

	c.PressKey("q")
	snap := c.Snapshot()
	assert.True(t, snap.HandbrakeOn)
	assert.Zero(t, snap.Throttle)
	assert.Zero(t, snap.ConceptualLeft)
	sends := fl.sent()
	require.Len(t, sends, before+1)
	assert.Equal(t, protocol.DriveCommand{}, sends[before])

	// holding q does not toggle again
	c.PressKey("q")
	assert.True(t, c.Snapshot().HandbrakeOn)

	tickN(t, mock, rec, 3)
	assert.Zero(t, c.Snapshot().Throttle)

	c.ReleaseKey("q")
	c.PressKey("q")
	assert.False(t, c.Snapshot().HandbrakeOn)
	tickN(t, mock, rec, 1)
	assert.InDelta(t, 5, c.Snapshot().Throttle, 1e-9)
}

func TestController_HandbrakeWithoutConnection(t *testing.T) {
	mock := clock.NewMock()
	fl := newFakeLink()
	c, _ := newTestController(t, fl, mock)

	assert.True(t, c.ToggleHandbrake())
	assert.Empty(t, fl.sent())
	assert.False(t, c.ToggleHandbrake())
}

func TestController_StopResetsAndDisconnects(t *testing.T) {
	mock := clock.NewMock()
	fl := newFakeLink()
	c, rec := newTestController(t, fl, mock)

	c.Start()
	c.PressKey("w")
	c.PressKey("d")
	tickN(t, mock, rec, 3)
	before := len(fl.sent())

	c.Stop()
	snap := rec.last()
	assert.False(t, snap.Running)
	assert.Zero(t, snap.Throttle)
	assert.Zero(t, snap.Steering)
	assert.Empty(t, snap.Keys)
	assert.Equal(t, link.Disconnected, snap.Link.Status)

	sends := fl.sent()
	require.Len(t, sends, before+1)
	assert.Equal(t, protocol.DriveCommand{}, sends[before])

	// a stale tick after Stop changes nothing
	mock.Add(control.DefaultUpdateInterval)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, fl.sent(), before+1)
}

func TestController_ConnectionStatusChanges(t *testing.T) {
	mock := clock.NewMock()
	fl := newFakeLink()
	fl.autoStatus = link.Connecting
	c, rec := newTestController(t, fl, mock)

	c.Start()
	fl.setStatus(link.Connected)
	fl.setStatus(link.Connected)
	fl.setStatus(link.Disconnected)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.statuses, 3)
	assert.Equal(t, protocol.ConnectionStatusPayload{IsAttemptingConnection: true, Endpoint: "ws://rover/ws"}, rec.statuses[0])
	assert.Equal(t, protocol.ConnectionStatusPayload{IsConnected: true, Endpoint: "ws://rover/ws"}, rec.statuses[1])
	assert.Equal(t, protocol.ConnectionStatusPayload{Endpoint: "ws://rover/ws"}, rec.statuses[2])
}

func TestController_KeyEventsEmit(t *testing.T) {
	mock := clock.NewMock()
	c, rec := newTestController(t, newFakeLink(), mock)

	c.PressKey("W")
	require.Equal(t, 1, rec.count())
	assert.Equal(t, []string{"w"}, rec.last().Keys)

	c.ReleaseKey("w")
	require.Equal(t, 2, rec.count())
	assert.Empty(t, rec.last().Keys)
}

func TestController_ManualDriveAndEndpoint(t *testing.T) {
	mock := clock.NewMock()
	fl := newFakeLink()
	c, rec := newTestController(t, fl, mock)

	assert.False(t, c.ManualDrive(30, 30))

	c.Start()
	assert.True(t, c.ManualDrive(30, -30))
	assert.Equal(t, protocol.DriveCommand{Left: 30, Right: -30}, *rec.last().Link.LastSent)

	c.SetEndpoint("ws://10.0.0.2/ws")
	assert.Equal(t, "ws://10.0.0.2/ws", rec.last().Link.Endpoint)
}

func TestController_CloseReleasesLink(t *testing.T) {
	fl := newFakeLink()
	c, err := New(fl, Options{Params: control.DefaultParams(), Clock: clock.NewMock()})
	require.NoError(t, err)

	c.Start()
	require.NoError(t, c.Close())
	assert.True(t, fl.closed)
	assert.False(t, c.Running())
}

func TestNew_RejectsInvalidParams(t *testing.T) {
	p := control.DefaultParams()
	p.UpdateInterval = 0
	_, err := New(newFakeLink(), Options{Params: p})
	require.Error(t, err)
}

func TestController_SetEndpointReportsDisconnect(t *testing.T) {
	mock := clock.NewMock()
	fl := newFakeLink()
	c, rec := newTestController(t, fl, mock)

	c.Start()
	c.SetEndpoint("ws://10.0.0.2/ws")
	assert.Equal(t, 2, fl.connects)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.statuses, 3)
	assert.Equal(t, protocol.ConnectionStatusPayload{IsConnected: true, Endpoint: "ws://rover/ws"}, rec.statuses[0])
	assert.Equal(t, protocol.ConnectionStatusPayload{Endpoint: "ws://rover/ws"}, rec.statuses[1])
	assert.Equal(t, protocol.ConnectionStatusPayload{IsConnected: true, Endpoint: "ws://10.0.0.2/ws"}, rec.statuses[2])
}

func TestController_SetEndpointSameTargetKeepsLink(t *testing.T) {
	mock := clock.NewMock()
	fl := newFakeLink()
	c, rec := newTestController(t, fl, mock)

	c.Start()
	c.SetEndpoint("ws://rover/ws/")
	assert.Equal(t, 1, fl.connects)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.statuses, 1)
}
