package collab

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/opendiagram/collab.go/httpclient"
	icodec "github.com/opendiagram/collab.go/internal/codec"
	"github.com/opendiagram/collab.go/pkg/codec"
	"github.com/opendiagram/collab.go/pkg/connection"
	"github.com/opendiagram/collab.go/pkg/health"
	"github.com/opendiagram/collab.go/pkg/logger"
	"github.com/opendiagram/collab.go/pkg/message"
	"github.com/opendiagram/collab.go/pkg/protocol"
	"github.com/opendiagram/collab.go/pkg/session"
)

// Config configures a collaboration client.
type Config struct {
	// BaseURL is the service root, e.g. https://api.example.com. The
	// realtime endpoint is derived from it unless the service reports one.
	BaseURL string
	// Token is the bearer credential used for both REST and the websocket.
	Token string

	ThreatModelID string
	DiagramID     string

	// Self identifies the local user on outbound operations and presence.
	Self message.User

	// Renderer receives accepted operations and snapshots. Required.
	Renderer protocol.Renderer
	// Notifier receives session events. Optional.
	Notifier session.Notifier
	// OnRejected is invoked for every operation the service refuses.
	OnRejected func(*message.OperationRejected)

	Logger     logger.Logger
	HTTPClient *http.Client

	// BinaryFrames selects the CBOR wire codec over binary frames instead
	// of JSON over text frames.
	BinaryFrames bool

	// Reconnect tunes the reconnection backoff. Zero values use defaults.
	Reconnect connection.ReconnectingSessionParams
}

// Client is a connected collaboration session: the REST lifecycle, the
// realtime transport, operation sync, and presenter coordination behind one
// handle.
type Client struct {
	cfg    Config
	logger logger.Logger

	rest        *httpclient.Client
	transport   *connection.ReconnectingSession
	tracker     *protocol.Tracker
	coordinator *session.Coordinator
	monitor     *health.Monitor

	info *httpclient.Session

	closeOnce sync.Once
	closeErr  error
}

// Connect starts or joins the diagram's collaboration session and opens the
// realtime connection. The returned client is live: inbound operations flow
// to the Renderer as soon as Connect returns.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("collab: BaseURL is required")
	}
	if cfg.ThreatModelID == "" || cfg.DiagramID == "" {
		return nil, fmt.Errorf("collab: ThreatModelID and DiagramID are required")
	}
	if cfg.Renderer == nil {
		return nil, fmt.Errorf("collab: Renderer is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop{}
	}

	rest := httpclient.New(httpclient.Params{
		BaseURL:    cfg.BaseURL,
		Token:      cfg.Token,
		HTTPClient: cfg.HTTPClient,
		Logger:     cfg.Logger,
	})

	info, err := rest.StartSession(ctx, cfg.ThreatModelID, cfg.DiagramID)
	if err != nil {
		return nil, fmt.Errorf("collab: error starting session: %w", err)
	}

	wsURL := info.WebsocketURL
	if wsURL == "" {
		wsURL, err = httpclient.WebSocketURL(cfg.BaseURL, cfg.DiagramID)
		if err != nil {
			return nil, err
		}
	}

	var marshaler icodec.Marshaler
	var unmarshaler icodec.Unmarshaler
	if cfg.BinaryFrames {
		c := codec.NewCBOR()
		marshaler, unmarshaler = c, c
	} else {
		c := codec.NewJSON()
		marshaler, unmarshaler = c, c
	}

	sess, err := connection.NewSession(connection.NewSessionParams{
		Endpoint:     wsURL,
		Token:        cfg.Token,
		Marshaler:    marshaler,
		Unmarshaler:  unmarshaler,
		Logger:       cfg.Logger,
		BinaryFrames: cfg.BinaryFrames,
	})
	if err != nil {
		return nil, err
	}
	transport := connection.NewReconnectingSession(sess, cfg.Reconnect)

	tracker := protocol.NewTracker(protocol.TrackerParams{
		Sender:     transport,
		Renderer:   cfg.Renderer,
		Logger:     cfg.Logger,
		Self:       cfg.Self,
		OnRejected: cfg.OnRejected,
	})

	coordinator := session.NewCoordinator(session.CoordinatorParams{
		Sender:   transport,
		Notifier: cfg.Notifier,
		Logger:   cfg.Logger,
		Self:     cfg.Self,
	})

	monitor := health.NewMonitor(health.MonitorParams{
		Endpoint:   cfg.BaseURL,
		HTTPClient: cfg.HTTPClient,
		Logger:     cfg.Logger,
	})

	c := &Client{
		cfg:         cfg,
		logger:      cfg.Logger,
		rest:        rest,
		transport:   transport,
		tracker:     tracker,
		coordinator: coordinator,
		monitor:     monitor,
		info:        info,
	}
	c.registerHandlers()

	if err := transport.Connect(ctx); err != nil {
		return nil, fmt.Errorf("collab: error connecting: %w", err)
	}
	monitor.Start()

	// An initial sync request fetches the authoritative document so the
	// renderer never starts from a guessed state.
	if err := tracker.RequestResync(ctx); err != nil {
		_ = transport.Close(ctx)
		return nil, fmt.Errorf("collab: error requesting initial state: %w", err)
	}

	return c, nil
}

// registerHandlers wires every inbound message family to its consumer. The
// transport dispatches one message at a time, so none of these races
// another.
func (c *Client) registerHandlers() {
	c.transport.RegisterHandler(message.TypeOperationEvent, func(m message.Message) {
		c.tracker.HandleOperationEvent(m.(*message.OperationEvent))
	})
	c.transport.RegisterHandler(message.TypeOperationRejected, func(m message.Message) {
		c.tracker.HandleRejected(m.(*message.OperationRejected))
	})
	c.transport.RegisterHandler(message.TypeSyncStatusResponse, func(m message.Message) {
		c.tracker.HandleSyncStatus(m.(*message.SyncStatusResponse))
	})
	c.transport.RegisterHandler(message.TypeDiagramState, func(m message.Message) {
		c.tracker.HandleDiagramState(m.(*message.DiagramState))
	})

	c.transport.RegisterHandler(message.TypeParticipantsUpdate, func(m message.Message) {
		c.coordinator.HandleParticipantsUpdate(m.(*message.ParticipantsUpdate))
	})
	c.transport.RegisterHandler(message.TypeCurrentPresenter, func(m message.Message) {
		c.coordinator.HandleCurrentPresenter(m.(*message.CurrentPresenter))
	})
	c.transport.RegisterHandler(message.TypePresenterRequest, func(m message.Message) {
		c.coordinator.HandlePresenterRequest(m.(*message.PresenterRequest))
	})
	c.transport.RegisterHandler(message.TypePresenterDenied, func(m message.Message) {
		c.coordinator.HandlePresenterDenied(m.(*message.PresenterDenied))
	})
	c.transport.RegisterHandler(message.TypeCursorMove, func(m message.Message) {
		c.coordinator.HandleCursorMove(m.(*message.CursorMove))
	})
	c.transport.RegisterHandler(message.TypeSessionEnded, func(m message.Message) {
		c.coordinator.HandleSessionEnded(m.(*message.SessionEnded))
	})
	c.transport.RegisterHandler(message.TypeError, func(m message.Message) {
		c.coordinator.HandleError(m.(*message.ErrorMessage))
	})

	c.transport.OnStateChange(c.coordinator.HandleConnectionState)
}

// Session returns the service's description of the joined session.
func (c *Client) Session() *httpclient.Session {
	return c.info
}

// Version returns the last acknowledged document version.
func (c *Client) Version() uint64 {
	return c.tracker.Version()
}

// Participants returns the current roster.
func (c *Client) Participants() []message.Participant {
	return c.coordinator.Participants()
}

// Presenter returns the current presenter, or nil.
func (c *Client) Presenter() *message.User {
	return c.coordinator.Presenter()
}

// IsHost reports whether the local user hosts the session.
func (c *Client) IsHost() bool {
	return c.coordinator.IsHost()
}

// Health returns the backing service's health status.
func (c *Client) Health() (health.Status, error) {
	return c.monitor.Status()
}

// SubmitOperation sends one batch of cell mutations and returns its
// operation id.
func (c *Client) SubmitOperation(ctx context.Context, cells []message.CellPatch) (string, error) {
	return c.tracker.SubmitOperation(ctx, cells)
}

// Undo asks the service to revert the most recent operation.
func (c *Client) Undo(ctx context.Context) error {
	return c.tracker.Undo(ctx)
}

// Redo asks the service to reapply the most recently undone operation.
func (c *Client) Redo(ctx context.Context) error {
	return c.tracker.Redo(ctx)
}

// CheckSync performs a cheap staleness check against the service.
func (c *Client) CheckSync(ctx context.Context) error {
	return c.tracker.CheckStatus(ctx)
}

// Resync requests the complete current document.
func (c *Client) Resync(ctx context.Context) error {
	return c.tracker.RequestResync(ctx)
}

// MoveCursor broadcasts the local cursor position.
func (c *Client) MoveCursor(ctx context.Context, x, y float64) error {
	return c.coordinator.MoveCursor(ctx, x, y)
}

// RequestPresenter raises the local user's hand.
func (c *Client) RequestPresenter(ctx context.Context) error {
	return c.coordinator.RequestPresenter(ctx)
}

// SetPresenter assigns the presenter role. Host only.
func (c *Client) SetPresenter(ctx context.Context, u message.User) error {
	return c.coordinator.SetPresenter(ctx, u)
}

// ApprovePresenterRequest grants a raised hand. Host only.
func (c *Client) ApprovePresenterRequest(ctx context.Context, u message.User) error {
	return c.coordinator.ApprovePresenterRequest(ctx, u)
}

// DenyPresenterRequest refuses a raised hand. Host only.
func (c *Client) DenyPresenterRequest(ctx context.Context, u message.User) error {
	return c.coordinator.DenyPresenterRequest(ctx, u)
}

// Leave disconnects the local user without affecting the session for
// others. Idempotent.
func (c *Client) Leave(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.coordinator.Leave()
		c.monitor.Stop()
		c.closeErr = c.transport.Close(ctx)
	})
	return c.closeErr
}

// End terminates the session for every participant. Only the host may end a
// session.
func (c *Client) End(ctx context.Context) error {
	if err := c.coordinator.End(); err != nil {
		return err
	}
	if err := c.rest.EndSession(ctx, c.cfg.ThreatModelID, c.cfg.DiagramID); err != nil {
		return err
	}

	c.closeOnce.Do(func() {
		c.monitor.Stop()
		c.closeErr = c.transport.Close(ctx)
	})
	return c.closeErr
}
