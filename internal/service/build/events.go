package build

import (
	"log/slog"
	"sync"

	"forma/internal/domain/models/cad"
)

// clientBuffer sizes each subscriber's channel. A slow SSE client drops
// events rather than blocking the pipeline.
const clientBuffer = 16

// Hub fans build progress events out to SSE subscribers, keyed by turn.
// Subscribers receive fully formatted SSE frames.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[string]chan string // turnID -> clientID -> channel
	logger  *slog.Logger
}

// NewHub creates an event hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[string]chan string),
		logger:  logger,
	}
}

// Subscribe registers a client for a turn's events. The returned channel
// is closed when the caller invokes the returned cancel function.
func (h *Hub) Subscribe(turnID, clientID string) (<-chan string, func()) {
	ch := make(chan string, clientBuffer)

	h.mu.Lock()
	if h.clients[turnID] == nil {
		h.clients[turnID] = make(map[string]chan string)
	}
	h.clients[turnID][clientID] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if clients, ok := h.clients[turnID]; ok {
			if c, ok := clients[clientID]; ok {
				delete(clients, clientID)
				close(c)
			}
			if len(clients) == 0 {
				delete(h.clients, turnID)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish formats and delivers an event to every subscriber of the turn.
// Delivery is best-effort: a full client buffer drops the frame.
func (h *Hub) Publish(turnID, eventType string, data interface{}) {
	frame, err := cad.FormatSSE(eventType, data)
	if err != nil {
		h.logger.Error("failed to format build event", "error", err, "event", eventType)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for clientID, ch := range h.clients[turnID] {
		select {
		case ch <- frame:
		default:
			h.logger.Warn("dropping build event for slow client",
				"turn_id", turnID,
				"client_id", clientID,
				"event", eventType,
			)
		}
	}
}
