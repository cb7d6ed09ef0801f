package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendiagram/collab.go/pkg/codec"
)

func TestMarshalStampsTag(t *testing.T) {
	c := codec.NewJSON()

	// The header is left unset deliberately; Marshal must stamp it.
	data, err := Marshal(c, &SyncStatusRequest{})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message_type":"sync_status_request"`)
}

func TestMarshalOverwritesWrongTag(t *testing.T) {
	c := codec.NewJSON()

	msg := &SyncRequest{Header: Header{MessageType: TypeDiagramState}}
	data, err := Marshal(c, msg)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message_type":"sync_request"`)
}

func TestParseRoundTripsEveryVariant(t *testing.T) {
	c := codec.NewJSON()

	msgs := []Message{
		&ChunkedMessage{ChunkID: "g", TotalChunks: 2},
		&OperationRequest{OperationID: "op-1", BaseVersion: 3},
		&OperationEvent{OperationID: "op-1", SequenceNumber: 4, Version: 4},
		&SyncStatusRequest{},
		&SyncStatusResponse{Version: 9},
		&SyncRequest{},
		&DiagramState{Version: 9},
		&UndoRequest{},
		&RedoRequest{},
		&PresenterRequest{User: User{Email: "a@b.c"}},
		&PresenterDenied{User: User{Email: "a@b.c"}},
		&ChangePresenterRequest{NewPresenter: User{Email: "a@b.c"}},
		&CurrentPresenter{User: User{Email: "a@b.c"}},
		&ParticipantsUpdate{Host: User{Email: "a@b.c"}},
		&CursorMove{X: 1.5, Y: 2.5},
		&OperationRejected{OperationID: "op-1", Reason: ReasonConflictDetected},
		&SessionEnded{},
		&ErrorMessage{Error: "boom"},
	}

	for _, msg := range msgs {
		data, err := Marshal(c, msg)
		require.NoError(t, err)

		parsed, err := Parse(c, data)
		require.NoError(t, err, "type %s", msg.Type())
		assert.Equal(t, msg.Type(), parsed.Type())
		assert.IsType(t, msg, parsed)
	}
}

func TestParseUnknownTagPreservesRaw(t *testing.T) {
	c := codec.NewJSON()
	data := []byte(`{"message_type":"future_thing","payload":42}`)

	msg, err := Parse(c, data)
	require.NoError(t, err)

	unknown, ok := msg.(*Unknown)
	require.True(t, ok)
	assert.Equal(t, Type("future_thing"), unknown.Type())
	assert.Equal(t, data, unknown.Raw)
}

func TestParseMissingTagFails(t *testing.T) {
	c := codec.NewJSON()

	_, err := Parse(c, []byte(`{"version":3}`))
	assert.Error(t, err)
}

func TestParseWithCBOR(t *testing.T) {
	c := codec.NewCBOR()

	data, err := Marshal(c, &SyncStatusResponse{Version: 7})
	require.NoError(t, err)

	parsed, err := Parse(c, data)
	require.NoError(t, err)

	resp, ok := parsed.(*SyncStatusResponse)
	require.True(t, ok)
	assert.Equal(t, uint64(7), resp.Version)
}

func TestSameUser(t *testing.T) {
	cases := []struct {
		name string
		a, b User
		want bool
	}{
		{
			name: "matching provider identity",
			a:    User{Provider: "oidc", ProviderID: "1", Email: "x@y.z"},
			b:    User{Provider: "oidc", ProviderID: "1", Email: "other@y.z"},
			want: true,
		},
		{
			name: "different provider id",
			a:    User{Provider: "oidc", ProviderID: "1"},
			b:    User{Provider: "oidc", ProviderID: "2"},
			want: false,
		},
		{
			name: "email fallback is case-insensitive",
			a:    User{Email: "Alice@Example.org"},
			b:    User{Provider: "oidc", Email: "alice@example.org"},
			want: true,
		},
		{
			name: "no common identity form",
			a:    User{Provider: "oidc", ProviderID: "1"},
			b:    User{Email: "alice@example.org"},
			want: false,
		},
		{
			name: "both zero",
			a:    User{},
			b:    User{},
			want: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, SameUser(tc.a, tc.b))
			assert.Equal(t, tc.want, SameUser(tc.b, tc.a))
		})
	}
}

func TestUserKey(t *testing.T) {
	assert.Equal(t, "oidc:1", User{Provider: "oidc", ProviderID: "1", Email: "a@b.c"}.Key())
	assert.Equal(t, "alice@example.org", User{Email: "Alice@Example.org"}.Key())
}
