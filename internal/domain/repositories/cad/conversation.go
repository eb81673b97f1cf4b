package cad

import (
	"context"

	"forma/internal/domain/models/cad"
)

// ConversationRepository defines data access for conversation sessions.
type ConversationRepository interface {
	// CreateConversation persists a new conversation.
	CreateConversation(ctx context.Context, conv *cad.Conversation) error

	// GetConversation retrieves a conversation by ID, scoped to its owner.
	// Returns domain.ErrNotFound for unknown or soft-deleted rows.
	GetConversation(ctx context.Context, conversationID, userID string) (*cad.Conversation, error)

	// ListConversations retrieves a user's conversations ordered by
	// last-update time descending, capped at limit.
	ListConversations(ctx context.Context, userID string, limit int) ([]cad.Conversation, error)

	// UpdateConversation updates title and/or current leaf pointer and
	// bumps updated_at.
	UpdateConversation(ctx context.Context, conv *cad.Conversation) error

	// SetCurrentLeaf persists the current-leaf pointer.
	SetCurrentLeaf(ctx context.Context, conversationID string, turnID *string) error

	// DeleteConversation soft-deletes a conversation.
	DeleteConversation(ctx context.Context, conversationID, userID string) error
}
