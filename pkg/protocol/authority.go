package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/opendiagram/collab.go/pkg/logger"
	"github.com/opendiagram/collab.go/pkg/message"
)

// AuthorityParams configures an Authority. InitialVersion and
// InitialSequence seed the counters when the diagram is resumed from
// persisted state.
type AuthorityParams struct {
	DiagramID string
	Logger    logger.Logger

	InitialVersion  uint64
	InitialSequence uint64

	// Cells seeds the document, keyed by cell id.
	Cells map[string]json.RawMessage
}

// historyEntry records one applied operation alongside the patch that
// undoes it.
type historyEntry struct {
	forward []message.CellPatch
	inverse []message.CellPatch
}

// Authority is the authoritative side of the sync protocol for one diagram.
// It validates operations, assigns sequence numbers and versions, and keeps
// the undo history. Rejections never mutate state or advance counters.
type Authority struct {
	diagramID string
	logger    logger.Logger

	mu          sync.Mutex
	version     uint64
	sequence    uint64
	cells       map[string]json.RawMessage
	permissions map[string]message.Permission
	applied     map[string]*message.OperationEvent
	undoLog     []historyEntry
	redoLog     []historyEntry
}

func NewAuthority(p AuthorityParams) *Authority {
	if p.Logger == nil {
		p.Logger = logger.Nop{}
	}

	cells := make(map[string]json.RawMessage, len(p.Cells))
	for id, data := range p.Cells {
		cells[id] = data
	}

	return &Authority{
		diagramID:   p.DiagramID,
		logger:      p.Logger,
		version:     p.InitialVersion,
		sequence:    p.InitialSequence,
		cells:       cells,
		permissions: make(map[string]message.Permission),
		applied:     make(map[string]*message.OperationEvent),
	}
}

// SetPermission records a participant's access level. Users with no
// recorded permission are treated as writers.
func (a *Authority) SetPermission(u message.User, perm message.Permission) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.permissions[u.Key()] = perm
}

// Version returns the current document version.
func (a *Authority) Version() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.version
}

// State returns the full document snapshot at the current version, for
// answering sync_request.
func (a *Authority) State() (*message.DiagramState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cells, err := json.Marshal(a.cells)
	if err != nil {
		return nil, fmt.Errorf("protocol: error encoding diagram state: %w", err)
	}

	return &message.DiagramState{
		Version: a.version,
		Cells:   cells,
	}, nil
}

// SyncStatus answers a sync_status_request with the version only.
func (a *Authority) SyncStatus() *message.SyncStatusResponse {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &message.SyncStatusResponse{Version: a.version}
}

// Submit validates and applies one operation. Exactly one of the returns is
// non-nil: an event to broadcast to every participant including the sender,
// or a rejection addressed to the sender alone. Resubmitting an already
// accepted operation id returns the original event without reapplying.
func (a *Authority) Submit(req *message.OperationRequest) (*message.OperationEvent, *message.OperationRejected) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ev, ok := a.applied[req.OperationID]; ok {
		return ev, nil
	}

	if perm, ok := a.permissions[req.User.Key()]; ok && perm != message.PermissionWriter {
		return nil, reject(req.OperationID, message.ReasonPermissionDenied, false,
			"user does not have write access")
	}

	if reason, detail, ok := validateOperation(req.Operation); !ok {
		return nil, reject(req.OperationID, reason, false, detail)
	}

	if req.BaseVersion != a.version {
		return nil, reject(req.OperationID, message.ReasonConflictDetected, true,
			fmt.Sprintf("base version %d does not match current version %d", req.BaseVersion, a.version))
	}

	changed, inverse := a.apply(req.Operation.Cells)
	if !changed {
		return nil, reject(req.OperationID, message.ReasonNoStateChange, false,
			"operation left the document unchanged")
	}

	ev := a.commit(req.OperationID, req.User, req.Operation.Cells)
	a.undoLog = append(a.undoLog, historyEntry{forward: req.Operation.Cells, inverse: inverse})
	a.redoLog = nil

	a.logger.Debug("protocol: operation accepted",
		"diagram_id", a.diagramID, "operation_id", req.OperationID,
		"sequence", ev.SequenceNumber, "version", ev.Version)

	return ev, nil
}

// Undo reverts the most recent applied operation. The inverse patch is
// broadcast as an ordinary diagram_operation_event, so clients need no undo
// awareness. An empty history is reported as no_state_change.
func (a *Authority) Undo(u message.User) (*message.OperationEvent, *message.OperationRejected) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if perm, ok := a.permissions[u.Key()]; ok && perm != message.PermissionWriter {
		return nil, reject("", message.ReasonPermissionDenied, false,
			"user does not have write access")
	}

	if len(a.undoLog) == 0 {
		return nil, reject("", message.ReasonNoStateChange, false, "nothing to undo")
	}

	entry := a.undoLog[len(a.undoLog)-1]
	a.undoLog = a.undoLog[:len(a.undoLog)-1]
	a.redoLog = append(a.redoLog, entry)

	a.apply(entry.inverse)
	ev := a.commit("", u, entry.inverse)

	return ev, nil
}

// Redo reapplies the most recently undone operation.
func (a *Authority) Redo(u message.User) (*message.OperationEvent, *message.OperationRejected) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if perm, ok := a.permissions[u.Key()]; ok && perm != message.PermissionWriter {
		return nil, reject("", message.ReasonPermissionDenied, false,
			"user does not have write access")
	}

	if len(a.redoLog) == 0 {
		return nil, reject("", message.ReasonNoStateChange, false, "nothing to redo")
	}

	entry := a.redoLog[len(a.redoLog)-1]
	a.redoLog = a.redoLog[:len(a.redoLog)-1]
	a.undoLog = append(a.undoLog, entry)

	a.apply(entry.forward)
	ev := a.commit("", u, entry.forward)

	return ev, nil
}

// commit advances the counters and builds the broadcast event. Callers hold
// the lock and have already applied the cells.
func (a *Authority) commit(operationID string, u message.User, cells []message.CellPatch) *message.OperationEvent {
	a.sequence++
	a.version++

	ev := &message.OperationEvent{
		OperationID:    operationID,
		User:           u,
		SequenceNumber: a.sequence,
		Version:        a.version,
		Operation: message.Operation{
			Type:  message.OperationPatch,
			Cells: cells,
		},
	}

	if operationID != "" {
		a.applied[operationID] = ev
	}

	return ev
}

// apply mutates the cell map and returns whether anything changed, plus the
// patch that undoes the change. Entries that would not change the document
// (adding an identical cell, updating to identical content, removing a cell
// that does not exist) contribute nothing. The inverse is built in reverse
// order so replaying it walks the mutations back.
func (a *Authority) apply(cells []message.CellPatch) (bool, []message.CellPatch) {
	var inverse []message.CellPatch

	for _, patch := range cells {
		old, exists := a.cells[patch.ID]

		switch patch.Operation {
		case message.CellAdd, message.CellUpdate:
			if exists && bytes.Equal(old, patch.Data) {
				continue
			}
			a.cells[patch.ID] = patch.Data
			if exists {
				inverse = append(inverse, message.CellPatch{
					ID: patch.ID, Operation: message.CellUpdate, Data: old,
				})
			} else {
				inverse = append(inverse, message.CellPatch{
					ID: patch.ID, Operation: message.CellRemove,
				})
			}
		case message.CellRemove:
			if !exists {
				continue
			}
			delete(a.cells, patch.ID)
			inverse = append(inverse, message.CellPatch{
				ID: patch.ID, Operation: message.CellAdd, Data: old,
			})
		}
	}

	if len(inverse) == 0 {
		return false, nil
	}

	for i, j := 0, len(inverse)-1; i < j; i, j = i+1, j-1 {
		inverse[i], inverse[j] = inverse[j], inverse[i]
	}

	return true, inverse
}

// validateOperation checks shape only; version conflicts are a separate
// concern checked after validation so the caller sees the most specific
// reason.
func validateOperation(op message.Operation) (message.RejectionReason, string, bool) {
	if op.Type != message.OperationPatch {
		return message.ReasonInvalidOperationType,
			fmt.Sprintf("unsupported operation type %q", op.Type), false
	}

	if len(op.Cells) == 0 {
		return message.ReasonEmptyOperation, "operation contains no cells", false
	}

	for i, patch := range op.Cells {
		if patch.ID == "" {
			return message.ReasonValidationFailed,
				fmt.Sprintf("cell %d is missing an id", i), false
		}
		switch patch.Operation {
		case message.CellAdd, message.CellUpdate:
			if len(patch.Data) == 0 {
				return message.ReasonValidationFailed,
					fmt.Sprintf("cell %q %s has no data", patch.ID, patch.Operation), false
			}
		case message.CellRemove:
		default:
			return message.ReasonValidationFailed,
				fmt.Sprintf("cell %q has unknown operation %q", patch.ID, patch.Operation), false
		}
	}

	return "", "", true
}

func reject(operationID string, reason message.RejectionReason, resync bool, detail string) *message.OperationRejected {
	return &message.OperationRejected{
		OperationID:    operationID,
		Reason:         reason,
		RequiresResync: resync,
		Detail:         detail,
	}
}
