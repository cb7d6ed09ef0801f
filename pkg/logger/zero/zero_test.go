package zero

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZerologHandlerEmitsPairs(t *testing.T) {
	var buf bytes.Buffer
	l := New(zerolog.New(&buf))

	l.Info("hello", "key", "value", "n", 7)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["message"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "value", entry["key"])
	assert.Equal(t, float64(7), entry["n"])
}

func TestZerologHandlerDanglingKey(t *testing.T) {
	var buf bytes.Buffer
	l := New(zerolog.New(&buf))

	l.Warn("oops", "dangling")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "dangling", entry["!BADKEY"])
}
