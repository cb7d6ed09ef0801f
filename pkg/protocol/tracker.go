// Package protocol implements the operation-ordering and conflict-detection
// protocol over a monotonically increasing document version counter. The
// client side (Tracker) stamps outbound mutations and validates inbound
// ordering; the authoritative side (Authority) assigns sequence numbers and
// versions and accepts or rejects. Conflicting operations are rejected and
// recovered by a full-state resync, never merged.
package protocol

import (
	"context"
	"fmt"
	"sync"

	"github.com/gofrs/uuid"

	"github.com/opendiagram/collab.go/pkg/logger"
	"github.com/opendiagram/collab.go/pkg/message"
)

// Sender is the outbound send primitive, satisfied by the transport
// session. The protocol never touches the socket directly.
type Sender interface {
	Send(ctx context.Context, msg message.Message) error
}

// Renderer consumes accepted operations and full-state snapshots and
// applies them to the visible document. It is an external collaborator;
// this layer contains no drawing logic.
type Renderer interface {
	ApplyOperation(ev *message.OperationEvent)
	ApplyState(st *message.DiagramState)
}

// TrackerParams configures a Tracker.
type TrackerParams struct {
	Sender   Sender
	Renderer Renderer
	Logger   logger.Logger

	// Self is stamped on outbound operations as the sender identity.
	Self message.User

	// OnRejected, when set, is invoked for every operation the service
	// refuses, after the tracker has handled any required resync.
	OnRejected func(*message.OperationRejected)
}

// Tracker is the client side of the sync protocol. All Handle methods are
// invoked from the transport read loop, one message at a time; public
// methods may be called from any goroutine.
type Tracker struct {
	sender     Sender
	renderer   Renderer
	logger     logger.Logger
	self       message.User
	onRejected func(*message.OperationRejected)

	mu           sync.Mutex
	version      uint64
	lastSequence uint64
	pending      map[string]*message.OperationRequest
}

func NewTracker(p TrackerParams) *Tracker {
	if p.Logger == nil {
		p.Logger = logger.Nop{}
	}

	return &Tracker{
		sender:     p.Sender,
		renderer:   p.Renderer,
		logger:     p.Logger,
		self:       p.Self,
		onRejected: p.OnRejected,
		pending:    make(map[string]*message.OperationRequest),
	}
}

// Version returns the last acknowledged document version.
func (t *Tracker) Version() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.version
}

// PendingCount returns how many local operations await acknowledgement.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// SubmitOperation stamps one batch of cell mutations with a fresh operation
// id and the current version, records it as pending, and sends it. The
// returned id is the operation's idempotency key.
func (t *Tracker) SubmitOperation(ctx context.Context, cells []message.CellPatch) (string, error) {
	if len(cells) == 0 {
		return "", fmt.Errorf("protocol: refusing to submit an empty operation")
	}

	id, err := uuid.NewV4()
	if err != nil {
		return "", fmt.Errorf("protocol: error generating operation id: %w", err)
	}

	t.mu.Lock()
	req := &message.OperationRequest{
		OperationID: id.String(),
		User:        t.self,
		BaseVersion: t.version,
		Operation: message.Operation{
			Type:  message.OperationPatch,
			Cells: cells,
		},
	}
	t.pending[req.OperationID] = req
	t.mu.Unlock()

	if err := t.sender.Send(ctx, req); err != nil {
		t.mu.Lock()
		delete(t.pending, req.OperationID)
		t.mu.Unlock()
		return "", fmt.Errorf("protocol: error sending operation: %w", err)
	}

	return req.OperationID, nil
}

// Undo and Redo flow through the same ordering and conflict machinery as
// ordinary operations; the service answers with a diagram_operation_event
// or an operation_rejected like any other mutation.
func (t *Tracker) Undo(ctx context.Context) error {
	return t.sender.Send(ctx, &message.UndoRequest{User: t.self})
}

func (t *Tracker) Redo(ctx context.Context) error {
	return t.sender.Send(ctx, &message.RedoRequest{User: t.self})
}

// CheckStatus asks for the current version only; the response either
// confirms the local version or triggers a full resync.
func (t *Tracker) CheckStatus(ctx context.Context) error {
	return t.sender.Send(ctx, &message.SyncStatusRequest{})
}

// RequestResync asks for the complete current document.
func (t *Tracker) RequestResync(ctx context.Context) error {
	return t.sender.Send(ctx, &message.SyncRequest{})
}

// HandleOperationEvent applies one authoritative broadcast. The assigned
// counters are the source of truth: an event at or below the applied
// version, or whose sequence number does not advance past the last applied
// one, is a replay and dropped; an event further ahead than the next
// version means missed operations, which triggers a resync.
func (t *Tracker) HandleOperationEvent(ev *message.OperationEvent) {
	t.mu.Lock()

	if ev.Version <= t.version || ev.SequenceNumber <= t.lastSequence {
		delete(t.pending, ev.OperationID)
		t.mu.Unlock()
		t.logger.Debug("protocol: dropping replayed operation event",
			"operation_id", ev.OperationID, "version", ev.Version, "sequence", ev.SequenceNumber)
		return
	}

	if ev.Version != t.version+1 {
		t.mu.Unlock()
		t.logger.Warn("protocol: version gap detected, requesting resync",
			"local_version", t.version, "event_version", ev.Version)
		if err := t.RequestResync(context.Background()); err != nil {
			t.logger.Error("protocol: error requesting resync", "error", err)
		}
		return
	}

	t.version = ev.Version
	t.lastSequence = ev.SequenceNumber
	delete(t.pending, ev.OperationID)
	t.mu.Unlock()

	if t.renderer != nil {
		t.renderer.ApplyOperation(ev)
	}
}

// HandleRejected drops the refused operation and resyncs when the service
// says the local state is stale. Rejections are surfaced through the
// OnRejected callback, never swallowed.
func (t *Tracker) HandleRejected(rej *message.OperationRejected) {
	t.mu.Lock()
	delete(t.pending, rej.OperationID)
	t.mu.Unlock()

	t.logger.Warn("protocol: operation rejected",
		"operation_id", rej.OperationID, "reason", rej.Reason, "requires_resync", rej.RequiresResync)

	if rej.RequiresResync {
		if err := t.RequestResync(context.Background()); err != nil {
			t.logger.Error("protocol: error requesting resync", "error", err)
		}
	}

	if t.onRejected != nil {
		t.onRejected(rej)
	}
}

// HandleSyncStatus compares versions after a cheap staleness check.
func (t *Tracker) HandleSyncStatus(resp *message.SyncStatusResponse) {
	t.mu.Lock()
	stale := resp.Version != t.version
	t.mu.Unlock()

	if !stale {
		return
	}

	t.logger.Info("protocol: version mismatch on status check, requesting resync",
		"remote_version", resp.Version)
	if err := t.RequestResync(context.Background()); err != nil {
		t.logger.Error("protocol: error requesting resync", "error", err)
	}
}

// HandleDiagramState applies a full snapshot. It supersedes local state,
// discarding unacknowledged local operations, the designed cost of conflict
// recovery. The one exception: a snapshot older than what is already applied
// is a superseded response arriving late, and is discarded instead.
func (t *Tracker) HandleDiagramState(st *message.DiagramState) {
	t.mu.Lock()

	if st.Version < t.version {
		t.mu.Unlock()
		t.logger.Debug("protocol: discarding stale snapshot",
			"snapshot_version", st.Version, "local_version", t.version)
		return
	}

	discarded := len(t.pending)
	t.version = st.Version
	t.pending = make(map[string]*message.OperationRequest)
	t.mu.Unlock()

	if discarded > 0 {
		t.logger.Info("protocol: discarded unacknowledged operations on resync",
			"count", discarded)
	}

	if t.renderer != nil {
		t.renderer.ApplyState(st)
	}
}
