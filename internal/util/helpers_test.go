package util

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoolValue(t *testing.T) {
	assert.True(t, BoolValue(nil, true))
	assert.False(t, BoolValue(nil, false))
	val := true
	assert.True(t, BoolValue(&val, false))
	val = false
	assert.False(t, BoolValue(&val, true))
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNewLoggerWithJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLoggerWith(&buf, "debug", "json")
	require.NoError(t, err)
	logger.Debug("hello", "session", "abc")
	out := buf.String()
	assert.Contains(t, out, `"msg":"hello"`)
	assert.Contains(t, out, `"session":"abc"`)

	_, err = NewLoggerWith(&buf, "info", "xml")
	assert.Error(t, err)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "10.0 MiB", FormatBytes(10*1024*1024))
	assert.Equal(t, "512 B", FormatBytes(512))
}

func TestHostOnly(t *testing.T) {
	assert.Equal(t, "10.0.0.1", HostOnly("10.0.0.1:5555"))
	assert.Equal(t, "::1", HostOnly("[::1]:80"))
	assert.Equal(t, "example", HostOnly("example"))
	assert.Equal(t, "127.0.0.1:8000", NetJoin("127.0.0.1", 8000))
}
