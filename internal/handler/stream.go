package handler

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"forma/internal/handler/sse"
	"forma/internal/httputil"
	"forma/internal/service/build"
)

// StreamHandler streams build progress events for a turn via
// Server-Sent Events
type StreamHandler struct {
	hub    *build.Hub
	config *sse.Config
	logger *slog.Logger
}

// NewStreamHandler creates a new SSE stream handler
func NewStreamHandler(hub *build.Hub, config *sse.Config, logger *slog.Logger) *StreamHandler {
	if config == nil {
		config = sse.DefaultConfig()
	}
	return &StreamHandler{
		hub:    hub,
		config: config,
		logger: logger,
	}
}

// StreamBuild handles GET /api/turns/{id}/stream.
// Events already published before the client connects are not replayed;
// the client reads terminal state from the turn itself.
func (h *StreamHandler) StreamBuild(w http.ResponseWriter, r *http.Request) {
	turnID := r.PathValue("id")

	if _, err := uuid.Parse(turnID); err != nil {
		h.logger.Warn("invalid turn ID format",
			"turn_id", turnID,
			"error", err,
		)
		httputil.RespondError(w, http.StatusBadRequest, "invalid turn ID format")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.RespondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)

	clientID := uuid.New().String()
	events, unsubscribe := h.hub.Subscribe(turnID, clientID)
	defer unsubscribe()

	h.logger.Debug("SSE stream established",
		"turn_id", turnID,
		"client_id", clientID,
	)

	writer := sse.NewFrameWriter(w, flusher)

	// Initial comment so the client sees the stream open immediately
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepAlive := sse.NewTickerKeepAlive(h.config.KeepAliveInterval)
	stopChan := keepAlive.Start(writer, h.logger.With("turn_id", turnID, "client_id", clientID))
	defer keepAlive.Stop()

	for {
		select {
		case frame, open := <-events:
			if !open {
				h.logger.Debug("event channel closed, ending stream",
					"turn_id", turnID,
					"client_id", clientID,
				)
				return
			}
			if err := writer.WriteFrame(frame); err != nil {
				h.logger.Info("client disconnected during event write",
					"turn_id", turnID,
					"client_id", clientID,
					"error", err,
				)
				return
			}

		case <-stopChan:
			// Keep-alive write failed, connection is gone
			return

		case <-r.Context().Done():
			h.logger.Debug("SSE stream ended",
				"turn_id", turnID,
				"client_id", clientID,
			)
			return
		}
	}
}
