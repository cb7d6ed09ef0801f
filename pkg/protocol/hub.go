package protocol

import (
	"sync"

	"github.com/opendiagram/collab.go/pkg/logger"
	"github.com/opendiagram/collab.go/pkg/message"
)

// Hub routes operations to per-diagram authorities. Submitting against a
// diagram the hub does not know yields a diagram_not_found rejection;
// resyncing cannot fix that, so it is not flagged for resync.
type Hub struct {
	logger logger.Logger

	mu       sync.Mutex
	diagrams map[string]*Authority
}

func NewHub(l logger.Logger) *Hub {
	if l == nil {
		l = logger.Nop{}
	}
	return &Hub{
		logger:   l,
		diagrams: make(map[string]*Authority),
	}
}

// Add registers an authority under its diagram id, replacing any previous
// one.
func (h *Hub) Add(diagramID string, a *Authority) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.diagrams[diagramID] = a
}

// Get returns the authority for a diagram, or nil.
func (h *Hub) Get(diagramID string) *Authority {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.diagrams[diagramID]
}

// Remove drops a diagram's authority, typically when its session ends.
func (h *Hub) Remove(diagramID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.diagrams, diagramID)
}

// Submit routes one operation to the named diagram.
func (h *Hub) Submit(diagramID string, req *message.OperationRequest) (*message.OperationEvent, *message.OperationRejected) {
	a := h.Get(diagramID)
	if a == nil {
		h.logger.Warn("protocol: operation for unknown diagram", "diagram_id", diagramID)
		return nil, reject(req.OperationID, message.ReasonDiagramNotFound, false,
			"diagram "+diagramID+" is not active")
	}
	return a.Submit(req)
}
