package link

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"rover-remote/internal/protocol"
)

func newTestPolling(t *testing.T, endpoint string) *Polling {
	t.Helper()
	p := NewPolling(Config{
		Endpoint: endpoint,
		Logger:   zaptest.NewLogger(t).Sugar(),
	})
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPollingClassification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		kind    Kind
		message string
	}{
		{"non json", http.StatusOK, "<html>ok</html>", KindProtocol, "Non-JSON response when JSON expected."},
		{"server error", http.StatusInternalServerError, `{"message":"motor fault"}`, KindApplication, "Server error: motor fault"},
		{"server error without message", http.StatusBadRequest, `{}`, KindApplication, "Server error: Unknown server error"},
		{"application error", http.StatusOK, `{"status":"error","message":"bad params"}`, KindApplication, "Application error: bad params"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			p := newTestPolling(t, srv.URL)
			_, err := p.Drive(context.Background(), protocol.DriveCommand{Left: 10, Right: 10})
			require.Error(t, err)

			lerr, ok := err.(*Error)
			require.True(t, ok)
			assert.Equal(t, tt.kind, lerr.Kind)
			assert.Equal(t, tt.message, lerr.Message)
			assert.Equal(t, tt.status, lerr.Status)

			st := p.State()
			require.NotNil(t, st.LastError)
			assert.Nil(t, st.Telemetry)
		})
	}
}

func TestPollingNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	p := newTestPolling(t, endpoint)
	_, err := p.Status(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindNetwork, err.(*Error).Kind)
	assert.Contains(t, err.Error(), "Network request failed")
}

func TestPollingSendUpdatesState(t *testing.T) {
	var (
		mu      sync.Mutex
		queries []string
		fail    atomic.Bool
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		queries = append(queries, r.URL.Path+"?"+r.URL.RawQuery)
		mu.Unlock()
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"message":"overheated"}`))
			return
		}
		w.Write([]byte(`{"status":"success","motorL":20,"motorR":-20}`))
	}))
	defer srv.Close()

	p := newTestPolling(t, srv.URL)
	var changes atomic.Int32
	p.OnChange(func() { changes.Add(1) })

	p.Connect()
	assert.Equal(t, Connecting, p.State().Status)
	require.Eventually(t, func() bool { return p.State().Status == Connected }, time.Second, 5*time.Millisecond)

	require.True(t, p.Send(protocol.DriveCommand{Left: 20, Right: -20}))
	require.Eventually(t, func() bool { return changes.Load() >= 2 }, time.Second, 5*time.Millisecond)

	st := p.State()
	require.NotNil(t, st.LastSent)
	assert.Equal(t, protocol.DriveCommand{Left: 20, Right: -20}, *st.LastSent)
	assert.Nil(t, st.LastError)
	assert.Equal(t, float64(20), st.Telemetry["motorL"])

	mu.Lock()
	assert.Contains(t, queries, "/status?")
	assert.Contains(t, queries, "/drive?left=20&right=-20")
	mu.Unlock()

	// a failure clears telemetry, the next success restores it
	fail.Store(true)
	require.True(t, p.Send(protocol.DriveCommand{Left: 0, Right: 0}))
	require.Eventually(t, func() bool { return p.State().LastError != nil }, time.Second, 5*time.Millisecond)
	assert.Nil(t, p.State().Telemetry)
	assert.Equal(t, Connected, p.State().Status)

	fail.Store(false)
	require.True(t, p.Send(protocol.DriveCommand{Left: 0, Right: 0}))
	require.Eventually(t, func() bool { return p.State().LastError == nil }, time.Second, 5*time.Millisecond)
	assert.NotNil(t, p.State().Telemetry)
}

func TestPollingSendWhileDisconnected(t *testing.T) {
	p := newTestPolling(t, "http://127.0.0.1:1")
	assert.False(t, p.Send(protocol.DriveCommand{Left: 5, Right: 5}))
	assert.Nil(t, p.State().LastSent)
	assert.Equal(t, Disconnected, p.State().Status)
}

func TestPollingInvalidEndpoint(t *testing.T) {
	p := newTestPolling(t, "ftp://rover")
	p.Connect()

	st := p.State()
	assert.Equal(t, Disconnected, st.Status)
	require.NotNil(t, st.LastError)
	assert.Equal(t, KindProtocol, st.LastError.Kind)
}

func TestPollingDiscardsStaleResponses(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(`{"status":"success"}`))
	}))
	defer srv.Close()
	defer close(release)

	p := newTestPolling(t, srv.URL)
	var changes atomic.Int32
	p.OnChange(func() { changes.Add(1) })

	p.Connect()
	p.Disconnect()
	release <- struct{}{}

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, changes.Load())
	assert.Equal(t, Disconnected, p.State().Status)
	assert.Nil(t, p.State().Telemetry)
}
