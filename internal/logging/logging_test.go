package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]zapcore.Level{
		"error":   zapcore.ErrorLevel,
		"WARN":    zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"info":    zapcore.InfoLevel,
		"debug":   zapcore.DebugLevel,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestNewWithCore_FiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithCore(zapcore.WarnLevel, zapcore.AddSync(&buf))

	logger.Infow("hidden")
	logger.Warnw("shown", "endpoint", "ws://rover/ws")
	require.NoError(t, logger.Sync())

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "ws://rover/ws")
	assert.Contains(t, out, "WARN")
}

func TestNew_RejectsUnknownLevel(t *testing.T) {
	_, err := New("loud")
	assert.Error(t, err)
}
