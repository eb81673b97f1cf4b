package activity

import (
	"context"
	"fmt"
	"log/slog"

	"forma/internal/domain/models/cad"
	cadRepo "forma/internal/domain/repositories/cad"
)

// DefaultFeedLimit caps the history feed when the caller does not ask for
// a specific size.
const DefaultFeedLimit = 50

// Service produces the merged history feed for a user.
type Service struct {
	conversations cadRepo.ConversationRepository
	voiceSessions cadRepo.VoiceSessionRepository
	logger        *slog.Logger
}

// NewService creates an activity service.
func NewService(conversations cadRepo.ConversationRepository, voiceSessions cadRepo.VoiceSessionRepository, logger *slog.Logger) *Service {
	return &Service{
		conversations: conversations,
		voiceSessions: voiceSessions,
		logger:        logger,
	}
}

// RecentActivity returns the user's merged feed, newest first. Each
// source is fetched up to limit rows; the merge truncates to limit again
// so the feed never exceeds it.
func (s *Service) RecentActivity(ctx context.Context, userID string, limit int) ([]cad.ActivityItem, error) {
	if limit <= 0 {
		limit = DefaultFeedLimit
	}

	convs, err := s.conversations.ListConversations(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	sessions, err := s.voiceSessions.ListVoiceSessions(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list voice sessions: %w", err)
	}

	return Merge(convs, sessions, limit), nil
}
