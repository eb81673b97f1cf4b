package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"forma/internal/config"
	cadSvc "forma/internal/domain/services/cad"
	"forma/internal/httputil"
	"forma/internal/service/activity"
)

// ActivityHandler handles the merged recent activity feed
type ActivityHandler struct {
	activityService cadSvc.ActivityService
	logger          *slog.Logger
}

// NewActivityHandler creates a new activity handler
func NewActivityHandler(activityService cadSvc.ActivityService, logger *slog.Logger) *ActivityHandler {
	return &ActivityHandler{
		activityService: activityService,
		logger:          logger,
	}
}

// RecentActivity returns conversations and voice sessions merged into a
// single feed, newest first
// GET /api/activity
func (h *ActivityHandler) RecentActivity(w http.ResponseWriter, r *http.Request) {
	userID := httputil.GetUserID(r)

	limit := activity.DefaultFeedLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			httputil.RespondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if parsed > config.MaxActivityFeedLimit {
			parsed = config.MaxActivityFeedLimit
		}
		limit = parsed
	}

	items, err := h.activityService.RecentActivity(r.Context(), userID, limit)
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, items)
}
