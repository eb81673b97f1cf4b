package handler

import (
	"log/slog"
	"net/http"

	"forma/internal/domain/models/cad"
	cadSvc "forma/internal/domain/services/cad"
	"forma/internal/httputil"
)

// VoiceHandler handles voice session HTTP requests
type VoiceHandler struct {
	voiceService cadSvc.VoiceService
	logger       *slog.Logger
}

// NewVoiceHandler creates a new voice handler
func NewVoiceHandler(voiceService cadSvc.VoiceService, logger *slog.Logger) *VoiceHandler {
	return &VoiceHandler{
		voiceService: voiceService,
		logger:       logger,
	}
}

type startVoiceSessionRequest struct {
	Title          string  `json:"title"`
	ConversationID *string `json:"conversation_id,omitempty"`
}

// StartSession opens a voice session, optionally bound to an existing
// conversation
// POST /api/voice-sessions
func (h *VoiceHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r)

	var req startVoiceSessionRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	session, err := h.voiceService.StartSession(r.Context(), userID, req.Title, req.ConversationID)
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusCreated, session)
}

// GetSession retrieves a voice session by ID
// GET /api/voice-sessions/{id}
func (h *VoiceHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		httputil.RespondError(w, http.StatusBadRequest, "Session ID is required")
		return
	}
	userID := httputil.GetUserID(r)

	session, err := h.voiceService.GetSession(r.Context(), id, userID)
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, session)
}

// AppendTranscript appends a finalized transcript to the session's
// conversation tree, exactly like a typed turn
// POST /api/voice-sessions/{id}/transcripts
func (h *VoiceHandler) AppendTranscript(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		httputil.RespondError(w, http.StatusBadRequest, "Session ID is required")
		return
	}
	userID := httputil.GetUserID(r)

	var transcript cad.VoiceTranscript
	if err := httputil.ParseJSON(w, r, &transcript); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	turn, err := h.voiceService.AppendTranscript(r.Context(), id, userID, transcript)
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusCreated, turn)
}

// EndSession stamps the session finished
// POST /api/voice-sessions/{id}/end
func (h *VoiceHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		httputil.RespondError(w, http.StatusBadRequest, "Session ID is required")
		return
	}
	userID := httputil.GetUserID(r)

	if err := h.voiceService.EndSession(r.Context(), id, userID); err != nil {
		handleError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
