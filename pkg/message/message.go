// Package message defines the wire message families exchanged over a
// collaboration connection as a closed tagged union. Every message carries a
// message_type tag; inbound data is parsed into exactly one variant, with
// unrecognized tags surfaced as the distinct Unknown variant rather than
// dropped.
package message

import (
	"encoding/json"
)

// Type is the wire tag discriminating message variants.
type Type string

const (
	TypeChunked            Type = "chunked_message"
	TypeOperationRequest   Type = "diagram_operation_request"
	TypeOperationEvent     Type = "diagram_operation_event"
	TypeSyncStatusRequest  Type = "sync_status_request"
	TypeSyncStatusResponse Type = "sync_status_response"
	TypeSyncRequest        Type = "sync_request"
	TypeDiagramState       Type = "diagram_state"
	TypeUndoRequest        Type = "undo_request"
	TypeRedoRequest        Type = "redo_request"
	TypePresenterRequest   Type = "presenter_request"
	TypePresenterDenied    Type = "presenter_denied"
	TypeChangePresenter    Type = "change_presenter_request"
	TypeCurrentPresenter   Type = "current_presenter"
	TypeParticipantsUpdate Type = "participants_update"
	TypeCursorMove         Type = "cursor_move"
	TypeOperationRejected  Type = "operation_rejected"
	TypeSessionEnded       Type = "session_ended"
	TypeError              Type = "error"
)

// Header carries the wire tag. Every message variant embeds it.
type Header struct {
	MessageType Type `json:"message_type"`
}

func (h *Header) header() *Header { return h }

// Message is the closed union over all wire message variants. Only types in
// this package implement it.
type Message interface {
	Type() Type
	header() *Header
}

// RejectionReason classifies why the authoritative side refused an
// operation.
type RejectionReason string

const (
	ReasonValidationFailed     RejectionReason = "validation_failed"
	ReasonConflictDetected     RejectionReason = "conflict_detected"
	ReasonNoStateChange        RejectionReason = "no_state_change"
	ReasonDiagramNotFound      RejectionReason = "diagram_not_found"
	ReasonPermissionDenied     RejectionReason = "permission_denied"
	ReasonInvalidOperationType RejectionReason = "invalid_operation_type"
	ReasonEmptyOperation       RejectionReason = "empty_operation"
)

// CellOperationType is one entry kind inside an operation patch.
type CellOperationType string

const (
	CellAdd    CellOperationType = "add"
	CellUpdate CellOperationType = "update"
	CellRemove CellOperationType = "remove"
)

// CellPatch is one cell mutation. Cell content is opaque to this layer; the
// renderer owns its shape.
type CellPatch struct {
	ID        string            `json:"id"`
	Operation CellOperationType `json:"operation"`
	Data      json.RawMessage   `json:"data,omitempty"`
}

// Operation is one atomic batch of cell mutations.
type Operation struct {
	Type  string      `json:"type"`
	Cells []CellPatch `json:"cells"`
}

// OperationPatch is the Operation.Type value for an ordinary cell patch.
const OperationPatch = "patch"

// ChunkedMessage is one fragment of a message whose encoded size exceeded
// the transport ceiling. ChunkData is the base64-encoded fragment of the
// original encoded payload.
type ChunkedMessage struct {
	Header
	ChunkID             string `json:"chunk_id"`
	ChunkIndex          int    `json:"chunk_index"`
	TotalChunks         int    `json:"total_chunks"`
	OriginalMessageType Type   `json:"original_message_type"`
	TotalSize           int    `json:"total_size"`
	ChunkData           string `json:"chunk_data"`
}

func (*ChunkedMessage) Type() Type { return TypeChunked }

// OperationRequest is a client-originated document mutation. BaseVersion is
// the version the sender believed was current when it issued the operation.
type OperationRequest struct {
	Header
	OperationID string    `json:"operation_id"`
	User        User      `json:"user,omitempty"`
	BaseVersion uint64    `json:"base_version"`
	Operation   Operation `json:"operation"`
}

func (*OperationRequest) Type() Type { return TypeOperationRequest }

// OperationEvent is the authoritative broadcast of an accepted operation,
// stamped with the assigned sequence number and resulting version. The
// sender receives it too, as its acknowledgement.
type OperationEvent struct {
	Header
	OperationID    string    `json:"operation_id"`
	User           User      `json:"user"`
	SequenceNumber uint64    `json:"sequence_number"`
	Version        uint64    `json:"version"`
	Operation      Operation `json:"operation"`
}

func (*OperationEvent) Type() Type { return TypeOperationEvent }

// SyncStatusRequest asks the service for the current version only, for
// cheap staleness checks.
type SyncStatusRequest struct {
	Header
}

func (*SyncStatusRequest) Type() Type { return TypeSyncStatusRequest }

type SyncStatusResponse struct {
	Header
	Version uint64 `json:"version"`
}

func (*SyncStatusResponse) Type() Type { return TypeSyncStatusResponse }

// SyncRequest asks for the complete current document.
type SyncRequest struct {
	Header
}

func (*SyncRequest) Type() Type { return TypeSyncRequest }

// DiagramState is the full document snapshot. It supersedes local state
// unconditionally; unacknowledged local operations are discarded when it is
// applied.
type DiagramState struct {
	Header
	Version uint64          `json:"version"`
	Cells   json.RawMessage `json:"cells"`
}

func (*DiagramState) Type() Type { return TypeDiagramState }

// UndoRequest and RedoRequest flow through the same ordering and conflict
// machinery as ordinary operations.
type UndoRequest struct {
	Header
	User User `json:"user,omitempty"`
}

func (*UndoRequest) Type() Type { return TypeUndoRequest }

type RedoRequest struct {
	Header
	User User `json:"user,omitempty"`
}

func (*RedoRequest) Type() Type { return TypeRedoRequest }

// PresenterRequest is a non-host raising their hand.
type PresenterRequest struct {
	Header
	User User `json:"user"`
}

func (*PresenterRequest) Type() Type { return TypePresenterRequest }

// PresenterDenied reverts the named requester to hand_down. Only the
// requester is notified.
type PresenterDenied struct {
	Header
	User User `json:"user"`
}

func (*PresenterDenied) Type() Type { return TypePresenterDenied }

// ChangePresenterRequest is the host assigning or reclaiming the presenter
// role, either approving a raised hand or unilaterally.
type ChangePresenterRequest struct {
	Header
	NewPresenter User `json:"new_presenter"`
}

func (*ChangePresenterRequest) Type() Type { return TypeChangePresenter }

// CurrentPresenter announces the active presenter to all participants.
type CurrentPresenter struct {
	Header
	User User `json:"user"`
}

func (*CurrentPresenter) Type() Type { return TypeCurrentPresenter }

// ParticipantsUpdate is the authoritative membership broadcast. The client
// replaces its participant list in full; membership is never derived by
// diffing join/leave events.
type ParticipantsUpdate struct {
	Header
	InitiatingUser   *User         `json:"initiating_user,omitempty"`
	Participants     []Participant `json:"participants"`
	Host             User          `json:"host"`
	CurrentPresenter *User         `json:"current_presenter,omitempty"`
}

func (*ParticipantsUpdate) Type() Type { return TypeParticipantsUpdate }

// CursorMove is presence-only and never version-stamped.
type CursorMove struct {
	Header
	User User    `json:"user"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

func (*CursorMove) Type() Type { return TypeCursorMove }

// OperationRejected reports why an operation was refused and whether the
// sender must resynchronize its full local state before continuing.
type OperationRejected struct {
	Header
	OperationID    string          `json:"operation_id"`
	Reason         RejectionReason `json:"reason"`
	RequiresResync bool            `json:"requires_resync"`
	Detail         string          `json:"detail,omitempty"`
}

func (*OperationRejected) Type() Type { return TypeOperationRejected }

// SessionEnded is the server-pushed session termination.
type SessionEnded struct {
	Header
	Message string `json:"message,omitempty"`
}

func (*SessionEnded) Type() Type { return TypeSessionEnded }

// ErrorMessage is a session-level error. Whether it is fatal is the session
// coordinator's call.
type ErrorMessage struct {
	Header
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (*ErrorMessage) Type() Type { return TypeError }

// Unknown holds a message whose tag no variant claims. It is dispatched
// explicitly rather than falling through silently.
type Unknown struct {
	Header
	Raw []byte `json:"-"`
}

func (m *Unknown) Type() Type { return m.MessageType }
