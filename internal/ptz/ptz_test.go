package ptz

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestBackend_MoveAndStop(t *testing.T) {
	var (
		mu   sync.Mutex
		reqs []map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/ptz", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		reqs = append(reqs, body)
		mu.Unlock()
		w.Write([]byte(`{"status":"success","message":"ok"}`))
	}))
	defer srv.Close()

	b, err := NewBackend(BackendConfig{
		URL:        srv.URL + "/",
		CameraIP:   "192.168.1.10",
		User:       "admin",
		Password:   "secret",
		CameraType: CameraY05,
	})
	require.NoError(t, err)

	require.NoError(t, b.Move(context.Background(), 0.5, -0.5, 0))
	require.NoError(t, b.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reqs, 2)
	assert.Equal(t, "move", reqs[0]["action"])
	assert.Equal(t, "192.168.1.10", reqs[0]["camera_ip"])
	assert.Equal(t, "admin", reqs[0]["onvif_user"])
	assert.Equal(t, "secret", reqs[0]["onvif_password"])
	assert.Equal(t, "Y05", reqs[0]["camera_type"])
	assert.Equal(t, 0.5, reqs[0]["pan"])
	assert.Equal(t, -0.5, reqs[0]["tilt"])
	assert.Equal(t, 0.0, reqs[0]["zoom"])

	assert.Equal(t, "stop", reqs[1]["action"])
	assert.NotContains(t, reqs[1], "pan")
}

func TestBackend_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"backend error", http.StatusBadGateway, `{"status":"error","message":"PTZ Stop error: 502","details":"timeout"}`, "ptz stop failed: PTZ Stop error: 502: timeout"},
		{"error with 200", http.StatusOK, `{"status":"error"}`, "ptz stop failed: HTTP 200"},
		{"not json", http.StatusInternalServerError, `oops`, "ptz stop: HTTP 500 with non-JSON body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			b, err := NewBackend(BackendConfig{URL: srv.URL, CameraIP: "cam", CameraType: CameraYoosee})
			require.NoError(t, err)
			err = b.Stop(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.want, err.Error())
		})
	}
}

func TestNewBackend_Validation(t *testing.T) {
	_, err := NewBackend(BackendConfig{URL: "http://backend", CameraIP: "cam", CameraType: "ACME"})
	assert.Error(t, err)
	_, err = NewBackend(BackendConfig{CameraIP: "cam", CameraType: CameraYCC365})
	assert.Error(t, err)
	_, err = NewBackend(BackendConfig{URL: "http://backend", CameraType: CameraYCC365})
	assert.Error(t, err)
}

// fakeController records commands in order.
type fakeController struct {
	mu     sync.Mutex
	calls  []string
	moves  [][3]float64
	closed bool
}

func (f *fakeController) Move(_ context.Context, pan, tilt, zoom float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "move")
	f.moves = append(f.moves, [3]float64{pan, tilt, zoom})
	return nil
}

func (f *fakeController) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "stop")
	return nil
}

func (f *fakeController) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeController) snapshot() ([]string, [][3]float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...), append([][3]float64(nil), f.moves...)
}

func (f *fakeController) waitCalls(t *testing.T, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool {
		calls, _ := f.snapshot()
		return len(calls) >= n
	}, time.Second, time.Millisecond)
	calls, _ := f.snapshot()
	return calls
}

func newTestMover(t *testing.T, cfg MoverConfig) (*Mover, *fakeController, *clock.Mock) {
	t.Helper()
	fc := &fakeController{}
	mock := clock.NewMock()
	cfg.Clock = mock
	cfg.Logger = zaptest.NewLogger(t).Sugar()
	m := NewMover(fc, cfg)
	t.Cleanup(func() { m.Close() })
	return m, fc, mock
}

func TestMover_AutoStop(t *testing.T) {
	m, fc, mock := newTestMover(t, MoverConfig{})

	require.True(t, m.KeyDown(KeyRight))
	calls := fc.waitCalls(t, 1)
	assert.Equal(t, []string{"move"}, calls)
	assert.True(t, m.Moving())

	mock.Add(DefaultMoveTime)
	calls = fc.waitCalls(t, 2)
	assert.Equal(t, []string{"move", "stop"}, calls)
	assert.False(t, m.Moving())

	// releasing after the auto-stop sends nothing more
	require.True(t, m.KeyUp(KeyRight))
	time.Sleep(10 * time.Millisecond)
	calls, _ = fc.snapshot()
	assert.Len(t, calls, 2)
}

func TestMover_ReleaseStopsImmediately(t *testing.T) {
	m, fc, mock := newTestMover(t, MoverConfig{})

	m.KeyDown(KeyZoomIn)
	m.KeyUp(KeyZoomIn)
	calls := fc.waitCalls(t, 2)
	assert.Equal(t, []string{"move", "stop"}, calls)

	// the cancelled auto-stop does not fire
	mock.Add(2 * DefaultMoveTime)
	time.Sleep(10 * time.Millisecond)
	calls, _ = fc.snapshot()
	assert.Len(t, calls, 2)
}

func TestMover_RateLimitsMoves(t *testing.T) {
	m, fc, mock := newTestMover(t, MoverConfig{})

	m.KeyDown(KeyLeft)
	m.KeyDown(KeyLeft)
	m.KeyDown(KeyLeft)
	fc.waitCalls(t, 1)
	time.Sleep(10 * time.Millisecond)
	calls, _ := fc.snapshot()
	assert.Len(t, calls, 1)

	mock.Add(DefaultMinInterval)
	m.KeyDown(KeyLeft)
	fc.waitCalls(t, 2)

	// stops are not rate limited
	m.Stop()
	m.Stop()
	calls = fc.waitCalls(t, 4)
	assert.Equal(t, []string{"move", "move", "stop", "stop"}, calls)
}

func TestMover_KeyMapAndInvert(t *testing.T) {
	m, fc, mock := newTestMover(t, MoverConfig{InvertTilt: true, PanSpeed: 0.3})

	keys := []string{KeyUp, KeyDown, KeyLeft, KeyRight, KeyZoomIn, KeyZoomOut}
	for i, key := range keys {
		require.True(t, m.KeyDown(key))
		fc.waitCalls(t, i+1)
		mock.Add(DefaultMinInterval)
	}
	assert.False(t, m.KeyDown("w"))
	assert.False(t, m.KeyUp("w"))

	_, moves := fc.snapshot()
	require.Len(t, moves, 6)
	assert.Equal(t, [3]float64{0, -0.5, 0}, moves[0])
	assert.Equal(t, [3]float64{0, 0.5, 0}, moves[1])
	assert.Equal(t, [3]float64{-0.3, 0, 0}, moves[2])
	assert.Equal(t, [3]float64{0.3, 0, 0}, moves[3])
	assert.Equal(t, [3]float64{0, 0, 0.5}, moves[4])
	assert.Equal(t, [3]float64{0, 0, -0.5}, moves[5])
}

func TestMover_CloseClosesController(t *testing.T) {
	fc := &fakeController{}
	m := NewMover(fc, MoverConfig{Clock: clock.NewMock()})
	require.NoError(t, m.Close())
	assert.True(t, fc.closed)
	require.NoError(t, m.Close())
}
