package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendiagram/collab.go/httpclient"
	"github.com/opendiagram/collab.go/pkg/codec"
	"github.com/opendiagram/collab.go/pkg/message"
	"github.com/opendiagram/collab.go/pkg/protocol"
	"github.com/opendiagram/collab.go/pkg/session"
)

var testUser = message.User{Provider: "oidc", ProviderID: "u-1", DisplayName: "Test User"}

// fakeService is a minimal collaboration backend: the REST lifecycle
// endpoints plus a websocket loop backed by a protocol.Authority.
type fakeService struct {
	srv       *httptest.Server
	authority *protocol.Authority
	codec     *codec.JSON
	upgrader  gorilla.Upgrader

	mu    sync.Mutex
	conns []*gorilla.Conn
}

func newFakeService(t *testing.T) *fakeService {
	t.Helper()

	s := &fakeService{
		authority: protocol.NewAuthority(protocol.AuthorityParams{DiagramID: "d-1"}),
		codec:     codec.NewJSON(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":{"code":"OK"}}`))
	})
	mux.HandleFunc("/threat_models/tm-1/diagrams/d-1/collaborate", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodGet:
			json.NewEncoder(w).Encode(httpclient.Session{
				SessionID:     "s-1",
				ThreatModelID: "tm-1",
				DiagramID:     "d-1",
				Host:          testUser,
			})
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
	})
	mux.HandleFunc("/ws/diagrams/d-1", func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go s.serve(conn)
	})

	s.srv = httptest.NewServer(mux)
	t.Cleanup(func() {
		s.mu.Lock()
		for _, conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		s.srv.Close()
	})

	return s
}

func (s *fakeService) send(conn *gorilla.Conn, msg message.Message) {
	data, err := message.Marshal(s.codec, msg)
	if err != nil {
		return
	}
	conn.WriteMessage(gorilla.TextMessage, data)
}

func (s *fakeService) serve(conn *gorilla.Conn) {
	s.send(conn, &message.ParticipantsUpdate{
		Participants: []message.Participant{{
			User:           testUser,
			Permission:     message.PermissionWriter,
			PresenterState: message.HandDown,
		}},
		Host: testUser,
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := message.Parse(s.codec, data)
		if err != nil {
			continue
		}

		switch m := msg.(type) {
		case *message.SyncRequest:
			st, err := s.authority.State()
			if err == nil {
				s.send(conn, st)
			}
		case *message.SyncStatusRequest:
			s.send(conn, s.authority.SyncStatus())
		case *message.OperationRequest:
			ev, rej := s.authority.Submit(m)
			if rej != nil {
				s.send(conn, rej)
				continue
			}
			s.send(conn, ev)
		case *message.UndoRequest:
			ev, rej := s.authority.Undo(m.User)
			if rej != nil {
				s.send(conn, rej)
				continue
			}
			s.send(conn, ev)
		}
	}
}

// syncRenderer signals every applied operation and snapshot.
type syncRenderer struct {
	ops    chan *message.OperationEvent
	states chan *message.DiagramState
}

func newSyncRenderer() *syncRenderer {
	return &syncRenderer{
		ops:    make(chan *message.OperationEvent, 16),
		states: make(chan *message.DiagramState, 16),
	}
}

func (r *syncRenderer) ApplyOperation(ev *message.OperationEvent) { r.ops <- ev }
func (r *syncRenderer) ApplyState(st *message.DiagramState)       { r.states <- st }

type closeNotifier struct {
	closed chan session.CloseReason
}

func (n *closeNotifier) ParticipantsChanged([]message.Participant, message.User) {}
func (n *closeNotifier) PresenterChanged(*message.User)                          {}
func (n *closeNotifier) PresenterRequested(message.User)                         {}
func (n *closeNotifier) PresenterDenied()                                        {}
func (n *closeNotifier) CursorMoved(message.User, float64, float64)              {}
func (n *closeNotifier) SessionClosed(reason session.CloseReason, err error) {
	n.closed <- reason
}

func TestClientLifecycle(t *testing.T) {
	svc := newFakeService(t)
	renderer := newSyncRenderer()
	notifier := &closeNotifier{closed: make(chan session.CloseReason, 1)}

	client, err := Connect(context.Background(), Config{
		BaseURL:       svc.srv.URL,
		Token:         "tok",
		ThreatModelID: "tm-1",
		DiagramID:     "d-1",
		Self:          testUser,
		Renderer:      renderer,
		Notifier:      notifier,
	})
	require.NoError(t, err)
	defer client.Leave(context.Background())

	assert.Equal(t, "s-1", client.Session().SessionID)

	// The initial sync snapshot arrives before any edits.
	select {
	case st := <-renderer.states:
		assert.Equal(t, uint64(0), st.Version)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for initial state")
	}

	cell, _ := json.Marshal(map[string]string{"label": "start"})
	opID, err := client.SubmitOperation(context.Background(), []message.CellPatch{
		{ID: "c1", Operation: message.CellAdd, Data: cell},
	})
	require.NoError(t, err)

	select {
	case ev := <-renderer.ops:
		assert.Equal(t, opID, ev.OperationID)
		assert.Equal(t, uint64(1), ev.Version)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for operation event")
	}
	assert.Equal(t, uint64(1), client.Version())

	require.NoError(t, client.Undo(context.Background()))
	select {
	case ev := <-renderer.ops:
		assert.Equal(t, uint64(2), ev.Version)
		require.Len(t, ev.Operation.Cells, 1)
		assert.Equal(t, message.CellRemove, ev.Operation.Cells[0].Operation)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for undo event")
	}

	require.NoError(t, client.Leave(context.Background()))
	require.NoError(t, client.Leave(context.Background()))

	select {
	case reason := <-notifier.closed:
		assert.Equal(t, session.ReasonLeft, reason)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for session close")
	}
}

func TestClientRejectionSurfacesAndResyncs(t *testing.T) {
	svc := newFakeService(t)
	renderer := newSyncRenderer()

	rejections := make(chan *message.OperationRejected, 1)
	client, err := Connect(context.Background(), Config{
		BaseURL:       svc.srv.URL,
		Token:         "tok",
		ThreatModelID: "tm-1",
		DiagramID:     "d-1",
		Self:          testUser,
		Renderer:      renderer,
		OnRejected: func(rej *message.OperationRejected) {
			rejections <- rej
		},
	})
	require.NoError(t, err)
	defer client.Leave(context.Background())

	select {
	case <-renderer.states:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for initial state")
	}

	// Advance the document behind the client's back so its next edit
	// conflicts.
	cell, _ := json.Marshal(map[string]string{"label": "sneaky"})
	_, rej := svc.authority.Submit(&message.OperationRequest{
		OperationID: "op-remote",
		Operation: message.Operation{
			Type:  message.OperationPatch,
			Cells: []message.CellPatch{{ID: "c9", Operation: message.CellAdd, Data: cell}},
		},
	})
	require.Nil(t, rej)

	_, err = client.SubmitOperation(context.Background(), []message.CellPatch{
		{ID: "c1", Operation: message.CellAdd, Data: cell},
	})
	require.NoError(t, err)

	select {
	case got := <-rejections:
		assert.Equal(t, message.ReasonConflictDetected, got.Reason)
		assert.True(t, got.RequiresResync)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for rejection")
	}

	// The rejection triggers a resync that lands the authoritative state.
	select {
	case st := <-renderer.states:
		assert.Equal(t, svc.authority.Version(), st.Version)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for resync state")
	}
	assert.Equal(t, svc.authority.Version(), client.Version())
}

func TestConnectValidatesConfig(t *testing.T) {
	_, err := Connect(context.Background(), Config{})
	assert.Error(t, err)

	_, err = Connect(context.Background(), Config{BaseURL: "http://x"})
	assert.Error(t, err)

	_, err = Connect(context.Background(), Config{
		BaseURL: "http://x", ThreatModelID: "tm", DiagramID: "d",
	})
	assert.Error(t, err)
}
