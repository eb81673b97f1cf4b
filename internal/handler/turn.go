package handler

import (
	"log/slog"
	"net/http"

	cadSvc "forma/internal/domain/services/cad"
	"forma/internal/httputil"
)

// TurnHandler handles version tree navigation and editing requests.
// All routes are scoped under the owning conversation.
type TurnHandler struct {
	conversationService cadSvc.ConversationService
	logger              *slog.Logger
}

// NewTurnHandler creates a new turn handler
func NewTurnHandler(conversationService cadSvc.ConversationService, logger *slog.Logger) *TurnHandler {
	return &TurnHandler{
		conversationService: conversationService,
		logger:              logger,
	}
}

type editPromptRequest struct {
	Text string `json:"text"`
}

type stepBranchRequest struct {
	Offset int `json:"offset"`
}

// pathIDs extracts the conversation and turn IDs from the URL path
func pathIDs(w http.ResponseWriter, r *http.Request) (conversationID, turnID string, ok bool) {
	conversationID = r.PathValue("id")
	turnID = r.PathValue("turnID")
	if conversationID == "" || turnID == "" {
		httputil.RespondError(w, http.StatusBadRequest, "Conversation ID and turn ID are required")
		return "", "", false
	}
	return conversationID, turnID, true
}

// GetTurnPath returns the root-first path to a turn
// GET /api/conversations/{id}/turns/{turnID}/path
func (h *TurnHandler) GetTurnPath(w http.ResponseWriter, r *http.Request) {
	conversationID, turnID, ok := pathIDs(w, r)
	if !ok {
		return
	}
	userID := httputil.GetUserID(r)

	path, err := h.conversationService.GetTurnPath(r.Context(), conversationID, userID, turnID)
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, path)
}

// GetTurnSiblings returns a turn's siblings and its position among them
// GET /api/conversations/{id}/turns/{turnID}/siblings
func (h *TurnHandler) GetTurnSiblings(w http.ResponseWriter, r *http.Request) {
	conversationID, turnID, ok := pathIDs(w, r)
	if !ok {
		return
	}
	userID := httputil.GetUserID(r)

	info, err := h.conversationService.GetTurnSiblings(r.Context(), conversationID, userID, turnID)
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, info)
}

// SelectLeaf moves the conversation's current leaf pointer to the turn
// POST /api/conversations/{id}/turns/{turnID}/select
func (h *TurnHandler) SelectLeaf(w http.ResponseWriter, r *http.Request) {
	conversationID, turnID, ok := pathIDs(w, r)
	if !ok {
		return
	}
	userID := httputil.GetUserID(r)

	if err := h.conversationService.SelectLeaf(r.Context(), conversationID, userID, turnID); err != nil {
		handleError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// StepBranch moves to a sibling branch at the given offset and descends
// to its leaf. Offsets past the ends clamp to the nearest sibling.
// POST /api/conversations/{id}/turns/{turnID}/step
func (h *TurnHandler) StepBranch(w http.ResponseWriter, r *http.Request) {
	conversationID, turnID, ok := pathIDs(w, r)
	if !ok {
		return
	}
	userID := httputil.GetUserID(r)

	var req stepBranchRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	leaf, err := h.conversationService.StepBranch(r.Context(), conversationID, userID, turnID, req.Offset)
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, leaf)
}

// EditPrompt creates a sibling branch of a user turn with new text.
// The original turn and its subtree are preserved.
// POST /api/conversations/{id}/turns/{turnID}/edit
func (h *TurnHandler) EditPrompt(w http.ResponseWriter, r *http.Request) {
	conversationID, turnID, ok := pathIDs(w, r)
	if !ok {
		return
	}
	userID := httputil.GetUserID(r)

	var req editPromptRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	turn, err := h.conversationService.EditPrompt(r.Context(), conversationID, userID, turnID, req.Text)
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusCreated, turn)
}
