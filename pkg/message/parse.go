package message

import (
	"fmt"

	"github.com/opendiagram/collab.go/internal/codec"
)

var factories = map[Type]func() Message{
	TypeChunked:            func() Message { return &ChunkedMessage{} },
	TypeOperationRequest:   func() Message { return &OperationRequest{} },
	TypeOperationEvent:     func() Message { return &OperationEvent{} },
	TypeSyncStatusRequest:  func() Message { return &SyncStatusRequest{} },
	TypeSyncStatusResponse: func() Message { return &SyncStatusResponse{} },
	TypeSyncRequest:        func() Message { return &SyncRequest{} },
	TypeDiagramState:       func() Message { return &DiagramState{} },
	TypeUndoRequest:        func() Message { return &UndoRequest{} },
	TypeRedoRequest:        func() Message { return &RedoRequest{} },
	TypePresenterRequest:   func() Message { return &PresenterRequest{} },
	TypePresenterDenied:    func() Message { return &PresenterDenied{} },
	TypeChangePresenter:    func() Message { return &ChangePresenterRequest{} },
	TypeCurrentPresenter:   func() Message { return &CurrentPresenter{} },
	TypeParticipantsUpdate: func() Message { return &ParticipantsUpdate{} },
	TypeCursorMove:         func() Message { return &CursorMove{} },
	TypeOperationRejected:  func() Message { return &OperationRejected{} },
	TypeSessionEnded:       func() Message { return &SessionEnded{} },
	TypeError:              func() Message { return &ErrorMessage{} },
}

// Marshal encodes a message, stamping the wire tag from the variant's
// static type so callers cannot send a mistagged message.
func Marshal(m codec.Marshaler, msg Message) ([]byte, error) {
	msg.header().MessageType = msg.Type()
	data, err := m.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("message: error marshaling %s: %w", msg.Type(), err)
	}
	return data, nil
}

// Parse decodes one wire message into its variant. A tag no variant claims
// yields *Unknown with the raw bytes preserved; a missing tag is an error.
func Parse(u codec.Unmarshaler, data []byte) (Message, error) {
	tag, err := peekType(u, data)
	if err != nil {
		return nil, err
	}

	factory, ok := factories[tag]
	if !ok {
		return &Unknown{Header: Header{MessageType: tag}, Raw: data}, nil
	}

	msg := factory()
	if err := u.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("message: error unmarshaling %s: %w", tag, err)
	}

	return msg, nil
}

func peekType(u codec.Unmarshaler, data []byte) (Type, error) {
	// Codecs that can extract the tag without a full decode let the
	// dispatch avoid unmarshaling every message twice.
	if p, ok := u.(codec.Peeker); ok {
		s, found := p.PeekString(data, "message_type")
		if !found {
			return "", fmt.Errorf("message: missing message_type tag")
		}
		return Type(s), nil
	}

	var h Header
	if err := u.Unmarshal(data, &h); err != nil {
		return "", fmt.Errorf("message: error reading message_type tag: %w", err)
	}
	if h.MessageType == "" {
		return "", fmt.Errorf("message: missing message_type tag")
	}
	return h.MessageType, nil
}
