package constants

import "errors"

// Transport errors
var (
	ErrNoEndpoint    = errors.New("endpoint not set")
	ErrNoMarshaler   = errors.New("marshaler is not set")
	ErrNoUnmarshaler = errors.New("unmarshaler is not set")
	ErrNotConnected  = errors.New("not connected")
	ErrClosed        = errors.New("connection closed")
)

// Protocol and session errors
var (
	ErrChunkingNotNeeded = errors.New("message does not need chunking")
	ErrInvalidChunk      = errors.New("invalid chunk envelope")
	ErrNotHost           = errors.New("operation requires the session host")
	ErrSessionEnded      = errors.New("collaboration session has ended")
	ErrUnknownUser       = errors.New("user is not a session participant")
)
