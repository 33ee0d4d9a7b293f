package video

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	minRetryDelay = time.Second
	maxRetryDelay = 30 * time.Second
)

// ProbeFunc checks a source once.
type ProbeFunc func(ctx context.Context, rawURL string) error

// Monitor periodically checks that an RTSP source answers DESCRIBE and
// reports availability changes.
type Monitor struct {
	URL      string
	Interval time.Duration // re-check period while online
	Probe    ProbeFunc
	Clock    clock.Clock
	Logger   *zap.SugaredLogger
	OnChange func(online bool)

	mu     sync.Mutex
	online bool
}

// DescribeProbe is a ProbeFunc that only DESCRIBEs the source.
func DescribeProbe(logger *zap.SugaredLogger) ProbeFunc {
	return func(ctx context.Context, rawURL string) error {
		_, err := Probe(ctx, rawURL, 0, logger)
		return err
	}
}

// Online reports the last observed availability.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Run probes until ctx is cancelled. Failures are retried with exponential
// backoff capped at 30s.
func (m *Monitor) Run(ctx context.Context) error {
	clk := m.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := m.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	interval := m.Interval
	if interval <= 0 {
		interval = maxRetryDelay
	}

	var retry time.Duration
	for attempt := 1; ; {
		err := m.Probe(ctx, m.URL)
		if ctx.Err() != nil {
			return nil
		}

		var delay time.Duration
		if err != nil {
			retry = nextRetryDelay(retry)
			delay = retry
			logger.Warnw("video source unreachable", "url", m.URL, "attempt", attempt, "retry_in", delay, "error", err)
			attempt++
		} else {
			delay = interval
			retry = 0
			attempt = 1
		}
		m.set(err == nil)

		t := clk.Timer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// nextRetryDelay doubles the previous delay, starting at 1s and capped at 30s.
func nextRetryDelay(prev time.Duration) time.Duration {
	if prev <= 0 {
		return minRetryDelay
	}
	return min(prev*2, maxRetryDelay)
}

func (m *Monitor) set(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	fn := m.OnChange
	m.mu.Unlock()

	if changed && fn != nil {
		fn(online)
	}
}
