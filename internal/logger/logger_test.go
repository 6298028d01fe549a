package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := Config{Level: "info", Format: FormatJSON}.NewSlogger(&buf)
	l.Info("device discovered", "serial", "emulator-5554")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "device discovered", rec["msg"])
	assert.Equal(t, "emulator-5554", rec["serial"])
}

func TestColorTextFormat(t *testing.T) {
	var buf bytes.Buffer
	l := Config{Level: "info", Format: FormatText, Color: true}.NewSlogger(&buf)
	l.Warn("device offline")

	out := buf.String()
	assert.Contains(t, out, "\033[33m")
	assert.Contains(t, out, "device offline")
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := Config{Level: "warn", Format: FormatText}.NewSlogger(&buf)
	l.Info("dropped")
	l.Warn("kept")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.True(t, strings.Contains(out, "kept"))
}
