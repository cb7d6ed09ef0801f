// Package collab is a realtime collaboration client for shared diagram
// editing. It opens a websocket session against the collaboration service
// and keeps a local document synchronized through versioned, sequenced
// operations: conflicting edits are rejected and recovered by a full-state
// resync, never merged.
//
// The root package ties four layers together, each usable on its own:
//
//   - pkg/connection: the websocket transport, with automatic reconnection,
//     keepalive, and transparent chunking of oversized messages.
//   - pkg/protocol: operation ordering and conflict detection on top of a
//     monotonically increasing document version.
//   - pkg/session: participant roster and presenter arbitration.
//   - pkg/health: a background probe of the service's status endpoint.
//
// A minimal client:
//
//	client, err := collab.Connect(ctx, collab.Config{
//		BaseURL:       "https://api.example.org",
//		Token:         token,
//		ThreatModelID: tmID,
//		DiagramID:     diagramID,
//		Self:          message.User{Provider: "oidc", ProviderID: sub},
//		Renderer:      myRenderer,
//	})
//	if err != nil {
//		return err
//	}
//	defer client.Leave(ctx)
//
//	opID, err := client.SubmitOperation(ctx, []message.CellPatch{
//		{ID: cellID, Operation: message.CellAdd, Data: cellJSON},
//	})
package collab
