// Package session coordinates membership and the presenter role for one
// collaboration session. The participant roster is authoritative and
// replaced wholesale on every broadcast; presenter arbitration keeps at
// most one presenter at a time.
package session

import (
	"context"
	"sync"

	"github.com/opendiagram/collab.go/pkg/connection"
	"github.com/opendiagram/collab.go/pkg/constants"
	"github.com/opendiagram/collab.go/pkg/logger"
	"github.com/opendiagram/collab.go/pkg/message"
	"github.com/opendiagram/collab.go/pkg/protocol"
)

// CloseReason says why a session stopped.
type CloseReason string

const (
	ReasonLeft             CloseReason = "left"
	ReasonEndedByHost      CloseReason = "ended_by_host"
	ReasonServerEnded      CloseReason = "server_ended"
	ReasonConnectionFailed CloseReason = "connection_failed"
	ReasonFatalError       CloseReason = "fatal_error"
)

// Notifier receives session events for presentation to the user. Methods
// are called from the transport read loop and must not block. Any method
// set may be a no-op; a nil Notifier disables all notifications.
type Notifier interface {
	ParticipantsChanged(participants []message.Participant, host message.User)
	PresenterChanged(presenter *message.User)
	PresenterRequested(requester message.User)
	PresenterDenied()
	CursorMoved(u message.User, x, y float64)
	SessionClosed(reason CloseReason, err error)
}

// CoordinatorParams configures a Coordinator.
type CoordinatorParams struct {
	Sender   protocol.Sender
	Notifier Notifier
	Logger   logger.Logger

	// Self is the local user, used to gate host-only actions and to drop
	// echoes of the local cursor.
	Self message.User
}

// Coordinator tracks who is in the session, who hosts it, and who presents.
// Handle methods are invoked from the transport read loop, one message at a
// time; public methods may be called from any goroutine.
type Coordinator struct {
	sender   protocol.Sender
	notifier Notifier
	logger   logger.Logger
	self     message.User

	mu           sync.Mutex
	participants []message.Participant
	host         message.User
	presenter    *message.User
	active       bool
	closed       bool
}

func NewCoordinator(p CoordinatorParams) *Coordinator {
	if p.Logger == nil {
		p.Logger = logger.Nop{}
	}

	return &Coordinator{
		sender:   p.Sender,
		notifier: p.Notifier,
		logger:   p.Logger,
		self:     p.Self,
	}
}

// Active reports whether the first authoritative roster has arrived.
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Participants returns a copy of the current roster.
func (c *Coordinator) Participants() []message.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]message.Participant, len(c.participants))
	copy(out, c.participants)
	return out
}

// Host returns the session host.
func (c *Coordinator) Host() message.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.host
}

// Presenter returns the current presenter, or nil when nobody presents.
func (c *Coordinator) Presenter() *message.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.presenter == nil {
		return nil
	}
	u := *c.presenter
	return &u
}

// IsHost reports whether the local user hosts the session.
func (c *Coordinator) IsHost() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return message.SameUser(c.host, c.self)
}

// IsPresenter reports whether the local user currently presents.
func (c *Coordinator) IsPresenter() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presenter != nil && message.SameUser(*c.presenter, c.self)
}

// RequestPresenter raises the local user's hand. Presenters have nothing to
// request, so the call is a no-op for them.
func (c *Coordinator) RequestPresenter(ctx context.Context) error {
	if c.IsPresenter() {
		return nil
	}
	return c.sender.Send(ctx, &message.PresenterRequest{User: c.self})
}

// SetPresenter assigns the presenter role to the named participant. Only
// the host may call it.
func (c *Coordinator) SetPresenter(ctx context.Context, u message.User) error {
	if !c.IsHost() {
		return constants.ErrNotHost
	}
	if !c.isParticipant(u) {
		return constants.ErrUnknownUser
	}
	return c.sender.Send(ctx, &message.ChangePresenterRequest{NewPresenter: u})
}

// ApprovePresenterRequest grants a raised hand. It is SetPresenter with the
// same host gate, named for the approval flow.
func (c *Coordinator) ApprovePresenterRequest(ctx context.Context, u message.User) error {
	return c.SetPresenter(ctx, u)
}

// DenyPresenterRequest refuses a raised hand. Only the requester learns of
// the denial.
func (c *Coordinator) DenyPresenterRequest(ctx context.Context, u message.User) error {
	if !c.IsHost() {
		return constants.ErrNotHost
	}
	if !c.isParticipant(u) {
		return constants.ErrUnknownUser
	}
	return c.sender.Send(ctx, &message.PresenterDenied{User: u})
}

// MoveCursor broadcasts the local cursor position. Presence only, never
// version-stamped.
func (c *Coordinator) MoveCursor(ctx context.Context, x, y float64) error {
	return c.sender.Send(ctx, &message.CursorMove{User: c.self, X: x, Y: y})
}

// Leave tears the session down locally without notifying the service; the
// server notices the departure when the connection closes.
func (c *Coordinator) Leave() {
	c.teardown(ReasonLeft, nil)
}

// End tears the session down for everyone. Only the host may end a session;
// the caller performs the service-side termination.
func (c *Coordinator) End() error {
	if !c.IsHost() {
		return constants.ErrNotHost
	}
	c.teardown(ReasonEndedByHost, nil)
	return nil
}

// HandleParticipantsUpdate replaces the roster wholesale. Membership is
// never derived by diffing join and leave events. The first update also
// marks the session active. Broadcasts arriving after teardown are dropped;
// a closed session never re-activates.
func (c *Coordinator) HandleParticipantsUpdate(upd *message.ParticipantsUpdate) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.participants = upd.Participants
	c.host = upd.Host
	c.presenter = upd.CurrentPresenter
	c.active = true
	host := c.host
	roster := make([]message.Participant, len(c.participants))
	copy(roster, c.participants)
	c.mu.Unlock()

	c.logger.Debug("session: roster replaced", "participants", len(roster))

	if c.notifier != nil {
		c.notifier.ParticipantsChanged(roster, host)
	}
}

// HandleCurrentPresenter applies a presenter change: the named user becomes
// the presenter and every other participant drops to hand_down, so exactly
// one presenter exists at a time. A zero user clears the role.
func (c *Coordinator) HandleCurrentPresenter(msg *message.CurrentPresenter) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if msg.User.IsZero() {
		c.presenter = nil
	} else {
		u := msg.User
		c.presenter = &u
	}
	for i := range c.participants {
		if c.presenter != nil && message.SameUser(c.participants[i].User, *c.presenter) {
			c.participants[i].PresenterState = message.Presenter
		} else {
			c.participants[i].PresenterState = message.HandDown
		}
	}
	presenter := c.presenter
	c.mu.Unlock()

	if c.notifier != nil {
		c.notifier.PresenterChanged(presenter)
	}
}

// HandlePresenterRequest surfaces a raised hand to the host. Non-hosts see
// the state change through the next roster broadcast instead.
func (c *Coordinator) HandlePresenterRequest(req *message.PresenterRequest) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	for i := range c.participants {
		if message.SameUser(c.participants[i].User, req.User) {
			c.participants[i].PresenterState = message.HandRaised
		}
	}
	isHost := message.SameUser(c.host, c.self)
	c.mu.Unlock()

	if isHost && c.notifier != nil {
		c.notifier.PresenterRequested(req.User)
	}
}

// HandlePresenterDenied reverts the local hand to down. Denials addressed
// to other users are not broadcast, so any that arrive are dropped.
func (c *Coordinator) HandlePresenterDenied(msg *message.PresenterDenied) {
	if !message.SameUser(msg.User, c.self) {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	for i := range c.participants {
		if message.SameUser(c.participants[i].User, c.self) {
			c.participants[i].PresenterState = message.HandDown
		}
	}
	c.mu.Unlock()

	if c.notifier != nil {
		c.notifier.PresenterDenied()
	}
}

// HandleCursorMove forwards remote cursors; echoes of the local cursor are
// dropped.
func (c *Coordinator) HandleCursorMove(msg *message.CursorMove) {
	if message.SameUser(msg.User, c.self) {
		return
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	if c.notifier != nil {
		c.notifier.CursorMoved(msg.User, msg.X, msg.Y)
	}
}

// HandleSessionEnded is the server terminating the session for everyone.
func (c *Coordinator) HandleSessionEnded(msg *message.SessionEnded) {
	c.logger.Info("session: ended by server", "message", msg.Message)
	c.teardown(ReasonServerEnded, nil)
}

// HandleError classifies a session-level error. Errors naming the session
// or authorization are fatal and end the session; everything else is
// logged and survived.
func (c *Coordinator) HandleError(msg *message.ErrorMessage) {
	if fatalErrors[msg.Error] {
		c.logger.Error("session: fatal error", "error", msg.Error, "message", msg.Message)
		c.teardown(ReasonFatalError, constants.ErrSessionEnded)
		return
	}
	c.logger.Warn("session: transient error", "error", msg.Error, "message", msg.Message)
}

var fatalErrors = map[string]bool{
	"unauthorized":      true,
	"forbidden":         true,
	"session_not_found": true,
	"session_ended":     true,
	"invalid_token":     true,
}

// HandleConnectionState watches the transport lifecycle. Transitions before
// the session is active are startup noise and suppressed; once active, a
// failed transport ends the session.
func (c *Coordinator) HandleConnectionState(s connection.State) {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()

	if !active {
		c.logger.Debug("session: ignoring pre-activation state change", "state", s)
		return
	}

	switch s {
	case connection.StateReconnecting:
		c.logger.Warn("session: connection lost, reconnecting")
	case connection.StateFailed, connection.StateError:
		c.teardown(ReasonConnectionFailed, constants.ErrNotConnected)
	}
}

// teardown marks the session closed and notifies once. Later calls with a
// different reason are dropped; the first reason wins.
func (c *Coordinator) teardown(reason CloseReason, err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.active = false
	c.participants = nil
	c.presenter = nil
	c.mu.Unlock()

	c.logger.Info("session: closed", "reason", reason)

	if c.notifier != nil {
		c.notifier.SessionClosed(reason, err)
	}
}

func (c *Coordinator) isParticipant(u message.User) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.participants {
		if message.SameUser(p.User, u) {
			return true
		}
	}
	return false
}
