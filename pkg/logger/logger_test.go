package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlogHandlerForwardsLevelsAndArgs(t *testing.T) {
	var buf bytes.Buffer
	l := New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	l.Debug("debug msg", "k", "v")
	l.Info("info msg")
	l.Warn("warn msg")
	l.Error("error msg", "count", 3)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 4)

	var first map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &first))
	assert.Equal(t, "debug msg", first["msg"])
	assert.Equal(t, "v", first["k"])

	var last map[string]any
	require.NoError(t, json.Unmarshal(lines[3], &last))
	assert.Equal(t, "ERROR", last["level"])
	assert.Equal(t, float64(3), last["count"])
}

func TestNopDiscardsEverything(t *testing.T) {
	var l Logger = Nop{}

	l.Error("e", "k", "v")
	l.Warn("w")
	l.Info("i", "dangling")
	l.Debug("d")
}
