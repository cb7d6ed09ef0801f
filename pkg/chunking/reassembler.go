package chunking

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/opendiagram/collab.go/pkg/constants"
	"github.com/opendiagram/collab.go/pkg/logger"
	"github.com/opendiagram/collab.go/pkg/message"
)

// Reassembled is a fully reconstructed logical message: the original tag
// plus its complete encoded payload, ready to be parsed.
type Reassembled struct {
	OriginalType message.Type
	Data         []byte
}

// Stats is a point-in-time view of the reassembly buffer, for operational
// visibility only.
type Stats struct {
	ActiveGroups      int
	OldestAge         *time.Duration
	FragmentsReceived uint64
}

type reassemblyEntry struct {
	total        int
	totalSize    int
	originalType message.Type
	fragments    map[int][]byte
	firstSeen    time.Time
}

// ReassemblerParams configures a Reassembler. Zero durations fall back to
// the package defaults in constants.
type ReassemblerParams struct {
	MaxAge        time.Duration
	SweepInterval time.Duration
	Logger        logger.Logger
}

// Reassembler accumulates chunk envelopes per group id and emits the
// reconstructed message once every index has been seen. Duplicate fragments
// are idempotent no-ops; groups that never complete are reclaimed by a
// periodic sweep.
type Reassembler struct {
	mu        sync.Mutex
	entries   map[string]*reassemblyEntry
	fragments uint64

	maxAge        time.Duration
	sweepInterval time.Duration
	logger        logger.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

func NewReassembler(p ReassemblerParams) *Reassembler {
	if p.MaxAge <= 0 {
		p.MaxAge = constants.ReassemblyMaxAge
	}
	if p.SweepInterval <= 0 {
		p.SweepInterval = constants.ReassemblySweepInterval
	}
	if p.Logger == nil {
		p.Logger = logger.Nop{}
	}

	return &Reassembler{
		entries:       make(map[string]*reassemblyEntry),
		maxAge:        p.MaxAge,
		sweepInterval: p.SweepInterval,
		logger:        p.Logger,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start launches the background sweep. Calling it more than once is a no-op.
func (r *Reassembler) Start() {
	r.startOnce.Do(func() {
		go r.sweepLoop()
	})
}

// Stop halts the background sweep. Idempotent. Entries already buffered stay
// available to ProcessChunk.
func (r *Reassembler) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
}

// ProcessChunk records one fragment. It returns the reconstructed message
// once the fragment completes its group, and nil otherwise. A fragment whose
// index was already recorded is discarded without changing any state.
func (r *Reassembler) ProcessChunk(cm *message.ChunkedMessage) (*Reassembled, error) {
	if cm.ChunkID == "" || cm.TotalChunks < 1 || cm.ChunkIndex < 0 || cm.ChunkIndex >= cm.TotalChunks {
		return nil, fmt.Errorf("%w: group %q index %d of %d",
			constants.ErrInvalidChunk, cm.ChunkID, cm.ChunkIndex, cm.TotalChunks)
	}

	fragment, err := base64.StdEncoding.DecodeString(cm.ChunkData)
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable fragment payload: %v", constants.ErrInvalidChunk, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[cm.ChunkID]
	if !ok {
		entry = &reassemblyEntry{
			total:        cm.TotalChunks,
			totalSize:    cm.TotalSize,
			originalType: cm.OriginalMessageType,
			fragments:    make(map[int][]byte, cm.TotalChunks),
			firstSeen:    time.Now(),
		}
		r.entries[cm.ChunkID] = entry
	}

	if entry.total != cm.TotalChunks {
		return nil, fmt.Errorf("%w: group %q total changed from %d to %d",
			constants.ErrInvalidChunk, cm.ChunkID, entry.total, cm.TotalChunks)
	}

	if _, dup := entry.fragments[cm.ChunkIndex]; dup {
		// Idempotent duplicate: no state change, no result.
		return nil, nil
	}

	entry.fragments[cm.ChunkIndex] = fragment
	r.fragments++

	if len(entry.fragments) < entry.total {
		return nil, nil
	}

	delete(r.entries, cm.ChunkID)

	var buf bytes.Buffer
	buf.Grow(entry.totalSize)
	for i := 0; i < entry.total; i++ {
		buf.Write(entry.fragments[i])
	}

	r.logger.Debug("chunking: reassembled message",
		"group", cm.ChunkID, "fragments", entry.total, "bytes", buf.Len())

	return &Reassembled{OriginalType: entry.originalType, Data: buf.Bytes()}, nil
}

// Sweep purges groups older than the configured max age, returning how many
// it removed. The background loop calls it; tests may call it directly.
func (r *Reassembler) Sweep() int {
	cutoff := time.Now().Add(-r.maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	purged := 0
	for id, entry := range r.entries {
		if entry.firstSeen.Before(cutoff) {
			delete(r.entries, id)
			purged++
		}
	}

	if purged > 0 {
		r.logger.Warn("chunking: purged stale chunk groups", "count", purged)
	}

	return purged
}

// Stats reports the in-flight group count, the age of the oldest in-flight
// group (nil when none), and the cumulative fragments received.
func (r *Reassembler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{
		ActiveGroups:      len(r.entries),
		FragmentsReceived: r.fragments,
	}

	var oldest time.Time
	for _, entry := range r.entries {
		if oldest.IsZero() || entry.firstSeen.Before(oldest) {
			oldest = entry.firstSeen
		}
	}
	if !oldest.IsZero() {
		age := time.Since(oldest)
		s.OldestAge = &age
	}

	return s
}

func (r *Reassembler) sweepLoop() {
	defer close(r.doneCh)

	for {
		select {
		case <-r.stopCh:
			return
		case <-time.After(r.sweepInterval):
		}

		r.Sweep()
	}
}
