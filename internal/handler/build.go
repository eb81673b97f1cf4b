package handler

import (
	"log/slog"
	"net/http"

	cadSvc "forma/internal/domain/services/cad"
	"forma/internal/httputil"
)

// BuildHandler handles compile and repair-retry requests for assistant
// turns
type BuildHandler struct {
	conversationService cadSvc.ConversationService
	logger              *slog.Logger
}

// NewBuildHandler creates a new build handler
func NewBuildHandler(conversationService cadSvc.ConversationService, logger *slog.Logger) *BuildHandler {
	return &BuildHandler{
		conversationService: conversationService,
		logger:              logger,
	}
}

type compileRequest struct {
	SourceCode string `json:"source_code"`
	OutputKind string `json:"output_kind,omitempty"`
}

type retryFixRequest struct {
	OutputKind string `json:"output_kind,omitempty"`
}

// Compile starts (or restarts) a build for an assistant turn. A build
// already in flight for the conversation is superseded.
// POST /api/conversations/{id}/turns/{turnID}/compile
func (h *BuildHandler) Compile(w http.ResponseWriter, r *http.Request) {
	conversationID, turnID, ok := pathIDs(w, r)
	if !ok {
		return
	}
	userID := httputil.GetUserID(r)

	var req compileRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	err := h.conversationService.Compile(
		r.Context(), conversationID, userID, turnID, req.SourceCode, parseOutputKind(req.OutputKind))
	if err != nil {
		handleError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// RetryFix runs one more repair cycle on a failed turn and recompiles
// the proposal
// POST /api/conversations/{id}/turns/{turnID}/retry-fix
func (h *BuildHandler) RetryFix(w http.ResponseWriter, r *http.Request) {
	conversationID, turnID, ok := pathIDs(w, r)
	if !ok {
		return
	}
	userID := httputil.GetUserID(r)

	// Body is optional; retry-fix defaults to the STL profile.
	var req retryFixRequest
	if r.ContentLength != 0 {
		if err := httputil.ParseJSON(w, r, &req); err != nil {
			httputil.RespondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	err := h.conversationService.RetryFix(
		r.Context(), conversationID, userID, turnID, parseOutputKind(req.OutputKind))
	if err != nil {
		handleError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}
