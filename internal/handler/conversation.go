package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	cadSvc "forma/internal/domain/services/cad"
	"forma/internal/httputil"
)

// ConversationHandler handles conversation HTTP requests
type ConversationHandler struct {
	conversationService cadSvc.ConversationService
	logger              *slog.Logger
}

// NewConversationHandler creates a new conversation handler
func NewConversationHandler(conversationService cadSvc.ConversationService, logger *slog.Logger) *ConversationHandler {
	return &ConversationHandler{
		conversationService: conversationService,
		logger:              logger,
	}
}

type createConversationRequest struct {
	Title string `json:"title"`
}

type renameConversationRequest struct {
	Title string `json:"title"`
}

type sendPromptRequest struct {
	ParentTurnID *string `json:"parent_turn_id,omitempty"`
	Text         string  `json:"text"`
	SourceCode   string  `json:"source_code"`
	OutputKind   string  `json:"output_kind,omitempty"`
}

// ListConversations retrieves the user's conversations, newest first
// GET /api/conversations
func (h *ConversationHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r)

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			httputil.RespondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	conversations, err := h.conversationService.ListConversations(r.Context(), userID, limit)
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, conversations)
}

// CreateConversation starts a new empty conversation
// POST /api/conversations
func (h *ConversationHandler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r)

	var req createConversationRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	conversation, err := h.conversationService.CreateConversation(r.Context(), userID, req.Title)
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusCreated, conversation)
}

// GetConversation retrieves a conversation by ID
// GET /api/conversations/{id}
func (h *ConversationHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		httputil.RespondError(w, http.StatusBadRequest, "Conversation ID is required")
		return
	}
	userID := httputil.GetUserID(r)

	conversation, err := h.conversationService.GetConversation(r.Context(), id, userID)
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, conversation)
}

// RenameConversation updates a conversation's title
// PATCH /api/conversations/{id}
func (h *ConversationHandler) RenameConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		httputil.RespondError(w, http.StatusBadRequest, "Conversation ID is required")
		return
	}
	userID := httputil.GetUserID(r)

	var req renameConversationRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.conversationService.RenameConversation(r.Context(), id, userID, req.Title); err != nil {
		handleError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DeleteConversation soft-deletes a conversation and tears down its
// build session
// DELETE /api/conversations/{id}
func (h *ConversationHandler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		httputil.RespondError(w, http.StatusBadRequest, "Conversation ID is required")
		return
	}
	userID := httputil.GetUserID(r)

	if err := h.conversationService.DeleteConversation(r.Context(), id, userID); err != nil {
		handleError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetTree returns the full version tree for a conversation
// GET /api/conversations/{id}/tree
func (h *ConversationHandler) GetTree(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		httputil.RespondError(w, http.StatusBadRequest, "Conversation ID is required")
		return
	}
	userID := httputil.GetUserID(r)

	tree, err := h.conversationService.GetTree(r.Context(), id, userID)
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, tree)
}

// SendPrompt appends a user turn plus a pending assistant turn and
// starts a build against the assistant turn
// POST /api/conversations/{id}/prompts
func (h *ConversationHandler) SendPrompt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		httputil.RespondError(w, http.StatusBadRequest, "Conversation ID is required")
		return
	}
	userID := httputil.GetUserID(r)

	var req sendPromptRequest
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	turn, err := h.conversationService.SendPrompt(
		r.Context(), id, userID, req.ParentTurnID, req.Text, req.SourceCode, parseOutputKind(req.OutputKind))
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusCreated, turn)
}
