// Package chunking fragments messages whose encoded size exceeds the
// transport ceiling and reconstitutes inbound fragment streams back into
// logical messages.
package chunking

import (
	"encoding/base64"
	"fmt"

	"github.com/gofrs/uuid"

	"github.com/opendiagram/collab.go/pkg/constants"
	"github.com/opendiagram/collab.go/pkg/message"
)

// envelopeOverhead is the headroom reserved per fragment for the encoded
// chunk envelope itself: the JSON field names and syntax, a uuid group id,
// the original message tag, and the index/total/size numbers. Fragment
// payloads are sized against the ceiling minus this, so the full encoded
// chunked_message stays under the ceiling a server enforces on reads.
const envelopeOverhead = 256

// minMessageSize is the smallest usable transport ceiling. Anything lower
// would leave no room for a fragment next to the envelope.
const minMessageSize = 512

// Chunker fragments oversized encoded payloads into chunk envelopes.
type Chunker struct {
	maxMessageSize int
}

// NewChunker returns a Chunker with the given transport ceiling in bytes.
// A non-positive ceiling falls back to constants.MaxMessageSize; a ceiling
// below the minimum is clamped up to it.
func NewChunker(maxMessageSize int) *Chunker {
	if maxMessageSize <= 0 {
		maxMessageSize = constants.MaxMessageSize
	}
	if maxMessageSize < minMessageSize {
		maxMessageSize = minMessageSize
	}
	return &Chunker{maxMessageSize: maxMessageSize}
}

// NeedsChunking reports whether an encoded payload exceeds the ceiling.
func (c *Chunker) NeedsChunking(encoded []byte) bool {
	return len(encoded) > c.maxMessageSize
}

// ChunkMessage splits an oversized encoded payload into equal-size
// fragments sharing a freshly generated group id, each stamped with its
// index and the shared total. Calling it on a payload under the ceiling is
// a precondition violation and fails with ErrChunkingNotNeeded.
func (c *Chunker) ChunkMessage(original message.Type, encoded []byte) ([]*message.ChunkedMessage, error) {
	if !c.NeedsChunking(encoded) {
		return nil, fmt.Errorf("%w: %d bytes within %d byte ceiling",
			constants.ErrChunkingNotNeeded, len(encoded), c.maxMessageSize)
	}

	groupID, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("chunking: error generating chunk group id: %w", err)
	}

	// Fragments are sized so that, after base64 expansion and the envelope
	// fields, each encoded chunked_message still fits under the ceiling.
	fragmentSize := ((c.maxMessageSize - envelopeOverhead) / 4) * 3
	total := (len(encoded) + fragmentSize - 1) / fragmentSize
	// Re-divide so fragments come out equal-size rather than n full
	// fragments plus a small tail.
	fragmentSize = (len(encoded) + total - 1) / total

	chunks := make([]*message.ChunkedMessage, 0, total)
	for i := 0; i < total; i++ {
		start := i * fragmentSize
		end := start + fragmentSize
		if end > len(encoded) {
			end = len(encoded)
		}

		chunks = append(chunks, &message.ChunkedMessage{
			ChunkID:             groupID.String(),
			ChunkIndex:          i,
			TotalChunks:         total,
			OriginalMessageType: original,
			TotalSize:           len(encoded),
			ChunkData:           base64.StdEncoding.EncodeToString(encoded[start:end]),
		})
	}

	return chunks, nil
}
