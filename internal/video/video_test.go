package video

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestParse(t *testing.T) {
	tests := []struct {
		url     string
		kind    Kind
		wantErr bool
	}{
		{"rtsp://admin:pw@192.168.1.10:554/onvif1", KindRTSP, false},
		{"RTSPS://cam/stream", KindRTSP, false},
		{"http://192.168.1.10:8080/video", KindMJPEG, false},
		{"https://cam.local/mjpeg", KindMJPEG, false},
		{"ftp://cam/stream", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			src, err := Parse(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, src.Kind)
			assert.Equal(t, tt.url, src.URL)
		})
	}
}

func TestConsoleURL(t *testing.T) {
	rtsp, err := Parse("rtsp://admin:pw@10.0.0.5:554/onvif1")
	require.NoError(t, err)
	assert.Equal(t,
		"http://127.0.0.1:5000/api/video-stream?rtsp=rtsp%3A%2F%2Fadmin%3Apw%4010.0.0.5%3A554%2Fonvif1",
		rtsp.ConsoleURL("http://127.0.0.1:5000/"))

	mjpeg, err := Parse("http://10.0.0.5:8080/video")
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.5:8080/video", mjpeg.ConsoleURL("http://127.0.0.1:5000"))
}

func TestProbe_InvalidURL(t *testing.T) {
	_, err := Probe(context.Background(), "not a url", 0, zaptest.NewLogger(t).Sugar())
	require.Error(t, err)
}

func TestMonitor_ReportsChanges(t *testing.T) {
	var (
		mu      sync.Mutex
		results = []error{errors.New("refused"), nil, nil, errors.New("timeout")}
		calls   int
		changes []bool
	)
	probe := func(ctx context.Context, url string) error {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "rtsp://cam/stream", url)
		err := results[min(calls, len(results)-1)]
		calls++
		return err
	}

	mock := clock.NewMock()
	m := &Monitor{
		URL:      "rtsp://cam/stream",
		Interval: 10 * time.Second,
		Probe:    probe,
		Clock:    mock,
		Logger:   zaptest.NewLogger(t).Sugar(),
		OnChange: func(online bool) {
			mu.Lock()
			defer mu.Unlock()
			changes = append(changes, online)
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	waitCalls := func(n int) {
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return calls >= n
		}, time.Second, time.Millisecond)
	}

	waitCalls(1)
	assert.False(t, m.Online())

	// first retry after 1s
	time.Sleep(5 * time.Millisecond)
	mock.Add(time.Second)
	waitCalls(2)
	require.Eventually(t, m.Online, time.Second, time.Millisecond)

	time.Sleep(5 * time.Millisecond)
	mock.Add(10 * time.Second)
	waitCalls(3)

	time.Sleep(5 * time.Millisecond)
	mock.Add(10 * time.Second)
	waitCalls(4)
	require.Eventually(t, func() bool { return !m.Online() }, time.Second, time.Millisecond)

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, changes)
}

func TestNextRetryDelay_StaysBounded(t *testing.T) {
	var delay time.Duration
	var seen []time.Duration
	for i := 0; i < 64; i++ {
		delay = nextRetryDelay(delay)
		require.Greater(t, delay, time.Duration(0), "failure %d", i+1)
		require.LessOrEqual(t, delay, 30*time.Second, "failure %d", i+1)
		seen = append(seen, delay)
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second}, seen[:6])
	assert.Equal(t, 30*time.Second, seen[63])
}
