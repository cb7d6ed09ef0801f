// Package connection owns the duplex transport beneath a collaboration
// session: the websocket lifecycle, a typed inbound dispatch, and the
// outbound send primitive everything else is built on. Inbound messages are
// handled one at a time in arrival order, so session state built on top of
// this package needs no internal locking of its own.
package connection

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/opendiagram/collab.go/internal/codec"
	"github.com/opendiagram/collab.go/pkg/chunking"
	"github.com/opendiagram/collab.go/pkg/constants"
	"github.com/opendiagram/collab.go/pkg/logger"
	"github.com/opendiagram/collab.go/pkg/message"
)

// DefaultDialer is the default gorilla dialer used by Session: the default
// gorilla dialer with compression enabled.
var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  gorilla.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
}

// Handler consumes one dispatched inbound message. Handlers run on the read
// loop goroutine; each message is delivered to at most one handler, in
// arrival order.
type Handler func(msg message.Message)

// NewSessionParams configures a transport session.
type NewSessionParams struct {
	// Endpoint is the full websocket URL of the collaboration session.
	Endpoint string
	// Token is the bearer credential, appended to the dial URL as a query
	// parameter.
	Token string

	Marshaler   codec.Marshaler
	Unmarshaler codec.Unmarshaler

	Logger logger.Logger
	Dialer *gorilla.Dialer

	// MaxMessageSize overrides the transport ceiling used to decide when an
	// outbound message must be chunked.
	MaxMessageSize int

	// BinaryFrames selects binary websocket frames, for binary codecs such
	// as CBOR. JSON uses text frames.
	BinaryFrames bool

	// PingInterval and PongWait tune the keepalive. Zero values use the
	// defaults.
	PingInterval time.Duration
	PongWait     time.Duration
}

// Session is the transport session. It exclusively owns the websocket
// connection; every other component writes to the wire only through Send.
type Session struct {
	endpoint string
	token    string

	marshaler   codec.Marshaler
	unmarshaler codec.Unmarshaler
	logger      logger.Logger
	dialer      *gorilla.Dialer

	chunker     *chunking.Chunker
	reassembler *chunking.Reassembler

	messageKind  int
	pingInterval time.Duration
	pongWait     time.Duration

	conn     *gorilla.Conn
	connLock sync.Mutex

	handlersMu     sync.RWMutex
	handlers       map[message.Type]Handler
	unknownHandler Handler

	stateMu   sync.Mutex
	state     State
	listeners []func(State)

	lostMu sync.Mutex
	lostCh chan struct{}

	closeOnce sync.Once
	closeCh   chan struct{}
}

// NewSession validates the params and returns an unconnected Session.
func NewSession(p NewSessionParams) (*Session, error) {
	if p.Endpoint == "" {
		return nil, constants.ErrNoEndpoint
	}
	if p.Marshaler == nil {
		return nil, constants.ErrNoMarshaler
	}
	if p.Unmarshaler == nil {
		return nil, constants.ErrNoUnmarshaler
	}
	if p.Logger == nil {
		p.Logger = logger.Nop{}
	}
	if p.Dialer == nil {
		p.Dialer = DefaultDialer
	}
	if p.PingInterval <= 0 {
		p.PingInterval = 30 * time.Second
	}
	if p.PongWait <= 0 {
		p.PongWait = p.PingInterval * 2
	}

	kind := gorilla.TextMessage
	if p.BinaryFrames {
		kind = gorilla.BinaryMessage
	}

	return &Session{
		endpoint:    p.Endpoint,
		token:       p.Token,
		marshaler:   p.Marshaler,
		unmarshaler: p.Unmarshaler,
		logger:      p.Logger,
		dialer:      p.Dialer,
		chunker:     chunking.NewChunker(p.MaxMessageSize),
		reassembler: chunking.NewReassembler(chunking.ReassemblerParams{Logger: p.Logger}),

		messageKind:  kind,
		pingInterval: p.PingInterval,
		pongWait:     p.PongWait,

		handlers: make(map[message.Type]Handler),
		state:    StateDisconnected,
		closeCh:  make(chan struct{}),
	}, nil
}

// RegisterHandler routes inbound messages of the given type to h. Register
// handlers before Connect.
func (s *Session) RegisterHandler(t message.Type, h Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[t] = h
}

// RegisterUnknownHandler receives every message whose tag no variant or
// handler claims. Without one, such messages are logged and dropped.
func (s *Session) RegisterUnknownHandler(h Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.unknownHandler = h
}

// OnStateChange registers a state observer. Observers run on the goroutine
// that drove the transition and must not block.
func (s *Session) OnStateChange(fn func(State)) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// State returns the current transport lifecycle state.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// ConnectionLost returns a channel closed when the current connection is
// lost unexpectedly. It is re-armed on every successful dial.
func (s *Session) ConnectionLost() <-chan struct{} {
	s.lostMu.Lock()
	defer s.lostMu.Unlock()
	return s.lostCh
}

// ReassemblyStats exposes the inbound reassembly buffer's counters.
func (s *Session) ReassemblyStats() chunking.Stats {
	return s.reassembler.Stats()
}

// Connect dials the endpoint and starts the read loop.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.transitionTo(StateConnecting); err != nil {
		return err
	}

	if err := s.dial(ctx); err != nil {
		s.mustTransitionTo(StateDisconnected)
		return err
	}

	s.reassembler.Start()
	s.mustTransitionTo(StateConnected)

	return nil
}

// Redial re-establishes a connection that was lost while connected. The
// session must be in the reconnecting state.
func (s *Session) Redial(ctx context.Context) error {
	if st := s.State(); st != StateReconnecting {
		return fmt.Errorf("connection: cannot redial while %v", st)
	}

	if err := s.dial(ctx); err != nil {
		return err
	}

	s.mustTransitionTo(StateConnected)
	return nil
}

func (s *Session) dial(ctx context.Context) error {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return fmt.Errorf("connection: invalid endpoint %q: %w", s.endpoint, err)
	}
	if s.token != "" {
		q := u.Query()
		q.Set("token", s.token)
		u.RawQuery = q.Encode()
	}

	conn, res, err := s.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("connection: dial failed: %w", err)
	}
	defer res.Body.Close()

	if err := conn.SetReadDeadline(time.Now().Add(s.pongWait)); err != nil {
		conn.Close()
		return fmt.Errorf("connection: error setting read deadline: %w", err)
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	lostCh := make(chan struct{})

	s.connLock.Lock()
	s.conn = conn
	s.connLock.Unlock()

	s.lostMu.Lock()
	s.lostCh = lostCh
	s.lostMu.Unlock()

	go s.readLoop(conn, lostCh)
	go s.pingLoop(conn, lostCh)

	return nil
}

// Send encodes and writes one message. Messages whose encoded size exceeds
// the transport ceiling are fragmented into chunk envelopes transparently.
func (s *Session) Send(ctx context.Context, msg message.Message) error {
	select {
	case <-s.closeCh:
		return constants.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if st := s.State(); st != StateConnected {
		return fmt.Errorf("%w: transport is %v", constants.ErrNotConnected, st)
	}

	data, err := message.Marshal(s.marshaler, msg)
	if err != nil {
		return err
	}

	if !s.chunker.NeedsChunking(data) {
		return s.write(ctx, data)
	}

	chunks, err := s.chunker.ChunkMessage(msg.Type(), data)
	if err != nil {
		return err
	}
	for _, chunk := range chunks {
		encoded, err := message.Marshal(s.marshaler, chunk)
		if err != nil {
			return err
		}
		if err := s.write(ctx, encoded); err != nil {
			return fmt.Errorf("connection: error sending chunk %d/%d: %w",
				chunk.ChunkIndex+1, chunk.TotalChunks, err)
		}
	}

	return nil
}

func (s *Session) write(ctx context.Context, data []byte) error {
	s.connLock.Lock()
	defer s.connLock.Unlock()

	if s.conn == nil {
		return constants.ErrNotConnected
	}

	deadline := time.Now().Add(constants.DefaultSendTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("connection: error setting write deadline: %w", err)
	}

	return s.conn.WriteMessage(s.messageKind, data)
}

// Close tears the transport down. It is idempotent: the second call, or a
// close racing a server-pushed termination, does nothing.
func (s *Session) Close(ctx context.Context) error {
	var closeErr error

	s.closeOnce.Do(func() {
		close(s.closeCh)
		s.reassembler.Stop()

		s.connLock.Lock()
		conn := s.conn
		s.conn = nil
		s.connLock.Unlock()

		if conn == nil {
			s.setStateLenient(StateDisconnected)
			return
		}

		// Try to tell the server we are leaving, but never block teardown
		// on an unreliable network: if the write hangs past the caller's
		// context the socket is closed anyway.
		writeErr := make(chan error, 1)
		go func() {
			writeErr <- conn.WriteMessage(gorilla.CloseMessage,
				gorilla.FormatCloseMessage(constants.CloseMessageCode, ""))
		}()

		select {
		case err := <-writeErr:
			if err != nil {
				s.logger.Debug("connection: failed to write close message", "error", err)
			}
		case <-ctx.Done():
		}

		closeErr = conn.Close()
		s.setStateLenient(StateDisconnected)
	})

	return closeErr
}

func (s *Session) readLoop(conn *gorilla.Conn, lostCh chan struct{}) {
	for {
		select {
		case <-s.closeCh:
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closeCh:
				// Expected: Close tore the connection down.
			default:
				s.logger.Warn("connection: lost", "error", err)
				s.setStateLenient(StateReconnecting)
				close(lostCh)
			}
			return
		}

		// Dispatch inline: one message at a time, in arrival order.
		s.dispatch(data)
	}
}

func (s *Session) dispatch(data []byte) {
	msg, err := message.Parse(s.unmarshaler, data)
	if err != nil {
		s.logger.Error("connection: dropping undecodable message", "error", err)
		return
	}

	if cm, ok := msg.(*message.ChunkedMessage); ok {
		res, err := s.reassembler.ProcessChunk(cm)
		if err != nil {
			s.logger.Error("connection: dropping invalid chunk", "error", err)
			return
		}
		if res == nil {
			return
		}

		inner, err := message.Parse(s.unmarshaler, res.Data)
		if err != nil {
			s.logger.Error("connection: dropping undecodable reassembled message",
				"original_type", res.OriginalType, "error", err)
			return
		}
		if inner.Type() != res.OriginalType {
			s.logger.Warn("connection: reassembled tag differs from chunk envelope",
				"envelope_type", res.OriginalType, "parsed_type", inner.Type())
		}
		msg = inner
	}

	s.handlersMu.RLock()
	handler, ok := s.handlers[msg.Type()]
	unknown := s.unknownHandler
	s.handlersMu.RUnlock()

	if _, isUnknown := msg.(*message.Unknown); isUnknown || !ok {
		if unknown != nil {
			unknown(msg)
			return
		}
		s.logger.Debug("connection: no handler for message", "message_type", msg.Type())
		return
	}

	handler(msg)
}

func (s *Session) pingLoop(conn *gorilla.Conn, lostCh chan struct{}) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeCh:
			return
		case <-lostCh:
			return
		case <-ticker.C:
		}

		deadline := time.Now().Add(constants.DefaultSendTimeout)
		if err := conn.WriteControl(gorilla.PingMessage, nil, deadline); err != nil {
			s.logger.Debug("connection: ping failed", "error", err)
			return
		}
	}
}

func (s *Session) transitionTo(newState State) error {
	s.stateMu.Lock()

	if err := s.state.validateTransitionTo(newState); err != nil {
		s.stateMu.Unlock()
		return err
	}

	s.state = newState
	listeners := make([]func(State), len(s.listeners))
	copy(listeners, s.listeners)
	s.stateMu.Unlock()

	s.logger.Debug("connection: state transitioned", "new_state", newState)
	for _, fn := range listeners {
		fn(newState)
	}

	return nil
}

func (s *Session) mustTransitionTo(newState State) {
	if err := s.transitionTo(newState); err != nil {
		panic(fmt.Sprintf("BUG: %v", err))
	}
}

// setStateLenient applies a transition that may race another (close racing
// a read error, a failure landing after teardown). An invalid transition is
// logged and ignored rather than treated as a bug.
func (s *Session) setStateLenient(newState State) {
	if err := s.transitionTo(newState); err != nil {
		s.logger.Debug("connection: suppressed state transition", "error", err)
	}
}

// fail marks the transport terminally failed. The reconnecting wrapper uses
// it when retries are exhausted.
func (s *Session) fail() {
	s.setStateLenient(StateFailed)
}
