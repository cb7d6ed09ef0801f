// Package httpclient is the REST client for collaboration session
// lifecycle: starting or joining a session, checking it, ending it, and
// discovering active sessions. The realtime traffic itself flows over the
// websocket transport, not through this package.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opendiagram/collab.go/internal/rand"
	"github.com/opendiagram/collab.go/pkg/constants"
	"github.com/opendiagram/collab.go/pkg/logger"
	"github.com/opendiagram/collab.go/pkg/message"
)

// Session is the service's description of one collaboration session.
type Session struct {
	SessionID     string                `json:"session_id"`
	ThreatModelID string                `json:"threat_model_id"`
	DiagramID     string                `json:"diagram_id"`
	Participants  []message.Participant `json:"participants,omitempty"`
	Host          message.User          `json:"host,omitempty"`
	WebsocketURL  string                `json:"websocket_url,omitempty"`
}

// apiError is the service's error body.
type apiError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Params configures a Client.
type Params struct {
	// BaseURL is the service root, e.g. https://api.example.com.
	BaseURL string
	// Token is sent as a bearer token on every request.
	Token string

	HTTPClient *http.Client
	Logger     logger.Logger
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     logger.Logger
}

func New(p Params) *Client {
	if p.HTTPClient == nil {
		p.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if p.Logger == nil {
		p.Logger = logger.Nop{}
	}

	return &Client{
		baseURL:    strings.TrimRight(p.BaseURL, "/"),
		token:      p.Token,
		httpClient: p.HTTPClient,
		logger:     p.Logger,
	}
}

func collaborationPath(threatModelID, diagramID string) string {
	return fmt.Sprintf("/threat_models/%s/diagrams/%s/collaborate",
		url.PathEscape(threatModelID), url.PathEscape(diagramID))
}

// StartSession creates a collaboration session for the diagram, or joins
// the existing one. The caller becomes host only when it created the
// session.
func (c *Client) StartSession(ctx context.Context, threatModelID, diagramID string) (*Session, error) {
	var s Session
	if err := c.do(ctx, http.MethodPost, collaborationPath(threatModelID, diagramID), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSession returns the current session for the diagram.
func (c *Client) GetSession(ctx context.Context, threatModelID, diagramID string) (*Session, error) {
	var s Session
	if err := c.do(ctx, http.MethodGet, collaborationPath(threatModelID, diagramID), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// EndSession terminates the session for every participant. The service
// enforces that only the host may do this.
func (c *Client) EndSession(ctx context.Context, threatModelID, diagramID string) error {
	return c.do(ctx, http.MethodDelete, collaborationPath(threatModelID, diagramID), nil, nil)
}

// ListSessions returns every session the caller may see.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var sessions []Session
	if err := c.do(ctx, http.MethodGet, "/collaboration/sessions", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("httpclient: error encoding request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("httpclient: error building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	requestID := rand.String(constants.RequestIDLength)
	req.Header.Set("X-Request-ID", requestID)

	c.logger.Debug("httpclient: request", "method", method, "path", path, "request_id", requestID)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("httpclient: request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		var apiErr apiError
		data, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("httpclient: %s %s returned HTTP %d: %s: %s",
				method, path, res.StatusCode, apiErr.Error, apiErr.ErrorDescription)
		}
		return fmt.Errorf("httpclient: %s %s returned HTTP %d", method, path, res.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("httpclient: error decoding response: %w", err)
	}
	return nil
}

// WebSocketURL derives the realtime endpoint for a diagram from the REST
// base URL: the scheme swaps to its websocket counterpart and the path is
// /ws/diagrams/{id}.
func WebSocketURL(baseURL, diagramID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("httpclient: error parsing base URL: %w", err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("httpclient: unsupported scheme %q", u.Scheme)
	}

	u.Path = "/ws/diagrams/" + url.PathEscape(diagramID)
	u.RawQuery = ""

	return u.String(), nil
}
