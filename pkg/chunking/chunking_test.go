package chunking

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendiagram/collab.go/pkg/codec"
	"github.com/opendiagram/collab.go/pkg/constants"
	"github.com/opendiagram/collab.go/pkg/message"
)

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte('a' + i%26)
	}
	return data
}

func TestChunkMessageUnderCeiling(t *testing.T) {
	c := NewChunker(1024)

	_, err := c.ChunkMessage(message.TypeDiagramState, payload(512))
	assert.ErrorIs(t, err, constants.ErrChunkingNotNeeded)
}

func TestChunkMessageProducesEqualFragments(t *testing.T) {
	c := NewChunker(1024)
	data := payload(5000)

	chunks, err := c.ChunkMessage(message.TypeDiagramState, data)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	for i, chunk := range chunks {
		assert.Equal(t, chunks[0].ChunkID, chunk.ChunkID)
		assert.Equal(t, i, chunk.ChunkIndex)
		assert.Equal(t, len(chunks), chunk.TotalChunks)
		assert.Equal(t, message.TypeDiagramState, chunk.OriginalMessageType)
		assert.Equal(t, len(data), chunk.TotalSize)
	}
}

func TestEncodedEnvelopesFitUnderCeiling(t *testing.T) {
	jsonCodec := codec.NewJSON()

	for _, ceiling := range []int{600, 1024, 4096} {
		c := NewChunker(ceiling)
		// Sized just past a fragment boundary so the tail fragment is
		// exercised too.
		data := payload(ceiling*3 + 1)

		chunks, err := c.ChunkMessage(message.TypeDiagramState, data)
		require.NoError(t, err)

		for _, chunk := range chunks {
			encoded, err := message.Marshal(jsonCodec, chunk)
			require.NoError(t, err)
			assert.LessOrEqual(t, len(encoded), ceiling,
				"ceiling %d, chunk %d/%d", ceiling, chunk.ChunkIndex+1, chunk.TotalChunks)
		}
	}
}

func TestNewChunkerClampsTinyCeiling(t *testing.T) {
	c := NewChunker(3)
	data := payload(2000)

	chunks, err := c.ChunkMessage(message.TypeDiagramState, data)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	r := NewReassembler(ReassemblerParams{})
	var result *Reassembled
	for _, chunk := range chunks {
		res, err := r.ProcessChunk(chunk)
		require.NoError(t, err)
		if res != nil {
			result = res
		}
	}
	require.NotNil(t, result)
	assert.True(t, bytes.Equal(data, result.Data))
}

func TestReassembleOutOfOrder(t *testing.T) {
	c := NewChunker(1024)
	data := payload(5000)

	chunks, err := c.ChunkMessage(message.TypeDiagramState, data)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	rand.Shuffle(len(chunks), func(i, j int) {
		chunks[i], chunks[j] = chunks[j], chunks[i]
	})

	r := NewReassembler(ReassemblerParams{})

	var result *Reassembled
	for i, chunk := range chunks {
		res, err := r.ProcessChunk(chunk)
		require.NoError(t, err)
		if i < len(chunks)-1 {
			assert.Nil(t, res)
		} else {
			result = res
		}
	}

	require.NotNil(t, result)
	assert.Equal(t, message.TypeDiagramState, result.OriginalType)
	assert.True(t, bytes.Equal(data, result.Data))

	// The completed group is released.
	assert.Equal(t, 0, r.Stats().ActiveGroups)
}

func TestDuplicateFragmentIsIdempotent(t *testing.T) {
	c := NewChunker(1024)
	chunks, err := c.ChunkMessage(message.TypeDiagramState, payload(5000))
	require.NoError(t, err)
	require.Greater(t, len(chunks), 2)

	r := NewReassembler(ReassemblerParams{})

	res, err := r.ProcessChunk(chunks[0])
	require.NoError(t, err)
	assert.Nil(t, res)

	before := r.Stats().FragmentsReceived

	res, err = r.ProcessChunk(chunks[0])
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, before, r.Stats().FragmentsReceived)
}

func TestProcessChunkRejectsMalformedFragments(t *testing.T) {
	r := NewReassembler(ReassemblerParams{})

	for name, cm := range map[string]*message.ChunkedMessage{
		"missing group id":   {ChunkIndex: 0, TotalChunks: 2},
		"zero total":         {ChunkID: "g", ChunkIndex: 0, TotalChunks: 0},
		"negative index":     {ChunkID: "g", ChunkIndex: -1, TotalChunks: 2},
		"index out of range": {ChunkID: "g", ChunkIndex: 2, TotalChunks: 2},
	} {
		_, err := r.ProcessChunk(cm)
		assert.ErrorIs(t, err, constants.ErrInvalidChunk, name)
	}

	_, err := r.ProcessChunk(&message.ChunkedMessage{
		ChunkID: "g", ChunkIndex: 0, TotalChunks: 2, ChunkData: "not base64!!",
	})
	assert.ErrorIs(t, err, constants.ErrInvalidChunk)
}

func TestProcessChunkRejectsTotalMismatch(t *testing.T) {
	r := NewReassembler(ReassemblerParams{})

	_, err := r.ProcessChunk(&message.ChunkedMessage{
		ChunkID: "g", ChunkIndex: 0, TotalChunks: 3,
	})
	require.NoError(t, err)

	_, err = r.ProcessChunk(&message.ChunkedMessage{
		ChunkID: "g", ChunkIndex: 1, TotalChunks: 4,
	})
	assert.ErrorIs(t, err, constants.ErrInvalidChunk)
}

func TestSweepReclaimsStaleGroups(t *testing.T) {
	r := NewReassembler(ReassemblerParams{MaxAge: time.Nanosecond})

	_, err := r.ProcessChunk(&message.ChunkedMessage{
		ChunkID: "stale", ChunkIndex: 0, TotalChunks: 2,
	})
	require.NoError(t, err)
	require.Equal(t, 1, r.Stats().ActiveGroups)

	time.Sleep(time.Millisecond)

	assert.Equal(t, 1, r.Sweep())
	assert.Equal(t, 0, r.Stats().ActiveGroups)
}

func TestStatsOnFreshReassembler(t *testing.T) {
	r := NewReassembler(ReassemblerParams{})

	s := r.Stats()
	assert.Equal(t, 0, s.ActiveGroups)
	assert.Nil(t, s.OldestAge)
	assert.Equal(t, uint64(0), s.FragmentsReceived)
}
