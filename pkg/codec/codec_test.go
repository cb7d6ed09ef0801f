package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name string    `json:"name"`
	N    int       `json:"n"`
	When time.Time `json:"when,omitempty"`
}

func TestJSONRoundTrip(t *testing.T) {
	c := NewJSON()

	data, err := c.Marshal(sample{Name: "a", N: 2})
	require.NoError(t, err)

	var out sample
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, "a", out.Name)
	assert.Equal(t, 2, out.N)
}

func TestJSONPeekString(t *testing.T) {
	c := NewJSON()

	s, ok := c.PeekString([]byte(`{"message_type":"sync_request","x":1}`), "message_type")
	assert.True(t, ok)
	assert.Equal(t, "sync_request", s)

	_, ok = c.PeekString([]byte(`{"x":1}`), "message_type")
	assert.False(t, ok)

	_, ok = c.PeekString([]byte(`not json`), "message_type")
	assert.False(t, ok)
}

func TestCBORRoundTrip(t *testing.T) {
	c := NewCBOR()

	when := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	data, err := c.Marshal(sample{Name: "b", N: 3, When: when})
	require.NoError(t, err)

	var out sample
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, "b", out.Name)
	assert.Equal(t, 3, out.N)
	assert.True(t, out.When.Equal(when))
}
