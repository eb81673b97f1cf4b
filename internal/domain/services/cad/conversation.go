// Package cad defines the service interfaces the HTTP layer depends on.
package cad

import (
	"context"

	"forma/internal/compiler"
	"forma/internal/domain/models/cad"
)

// TreeSnapshot is the UI-facing view of a conversation's version tree.
type TreeSnapshot struct {
	Conversation *cad.Conversation `json:"conversation"`
	Turns        []cad.Turn        `json:"turns"`
	CurrentLeaf  *cad.Turn         `json:"current_leaf,omitempty"`
	BuildBusy    bool              `json:"build_busy"`
}

// SiblingInfo describes a turn's position among its siblings.
type SiblingInfo struct {
	Turn     cad.Turn   `json:"turn"`
	Index    int        `json:"index"`
	Count    int        `json:"count"`
	Siblings []cad.Turn `json:"siblings"`
}

// ConversationService owns conversation lifecycle and version tree
// operations. All operations are scoped to the owning user.
type ConversationService interface {
	// CreateConversation starts an empty conversation.
	CreateConversation(ctx context.Context, userID, title string) (*cad.Conversation, error)

	// GetConversation retrieves a conversation by ID.
	GetConversation(ctx context.Context, conversationID, userID string) (*cad.Conversation, error)

	// ListConversations returns the user's conversations, newest first.
	ListConversations(ctx context.Context, userID string, limit int) ([]cad.Conversation, error)

	// RenameConversation updates the title.
	RenameConversation(ctx context.Context, conversationID, userID, title string) error

	// DeleteConversation soft-deletes a conversation and tears down any
	// live build session.
	DeleteConversation(ctx context.Context, conversationID, userID string) error

	// GetTree returns the full version tree for rendering.
	GetTree(ctx context.Context, conversationID, userID string) (*TreeSnapshot, error)

	// SendPrompt appends a user turn and a pending assistant turn, then
	// starts compiling sourceCode against the assistant turn. Returns
	// the assistant turn.
	SendPrompt(ctx context.Context, conversationID, userID string, parentTurnID *string, text, sourceCode string, kind compiler.OutputKind) (*cad.Turn, error)

	// EditPrompt creates a new sibling branch of a user turn with the
	// replacement text. The original turn is preserved.
	EditPrompt(ctx context.Context, conversationID, userID, turnID, text string) (*cad.Turn, error)

	// GetTurnPath returns the root-first path to a turn.
	GetTurnPath(ctx context.Context, conversationID, userID, turnID string) ([]cad.Turn, error)

	// GetTurnSiblings returns a turn's siblings and position.
	GetTurnSiblings(ctx context.Context, conversationID, userID, turnID string) (*SiblingInfo, error)

	// SelectLeaf moves the current leaf pointer to turnID. Returns
	// ErrConflict while a build is in flight.
	SelectLeaf(ctx context.Context, conversationID, userID, turnID string) error

	// StepBranch moves to the sibling at offset from turnID (clamped at
	// the ends) and descends to its leaf, which becomes current.
	// Returns ErrConflict while a build is in flight.
	StepBranch(ctx context.Context, conversationID, userID, turnID string, offset int) (*cad.Turn, error)

	// Compile starts (or restarts) a build for an assistant turn.
	Compile(ctx context.Context, conversationID, userID, turnID, sourceCode string, kind compiler.OutputKind) error

	// RetryFix explicitly triggers one more repair cycle on a failed
	// turn, then recompiles the proposal.
	RetryFix(ctx context.Context, conversationID, userID, turnID string, kind compiler.OutputKind) error
}

// VoiceService owns voice sessions and the transcript boundary.
type VoiceService interface {
	// StartSession opens a voice session, optionally bound to an
	// existing conversation.
	StartSession(ctx context.Context, userID, title string, conversationID *string) (*cad.VoiceSession, error)

	// GetSession retrieves a session by ID.
	GetSession(ctx context.Context, sessionID, userID string) (*cad.VoiceSession, error)

	// AppendTranscript appends a finalized transcript to the session's
	// conversation tree, exactly like a typed turn. A session without a
	// conversation gets one created on the first transcript.
	AppendTranscript(ctx context.Context, sessionID, userID string, transcript cad.VoiceTranscript) (*cad.Turn, error)

	// EndSession stamps the session finished.
	EndSession(ctx context.Context, sessionID, userID string) error
}

// ActivityService produces the merged history feed.
type ActivityService interface {
	// RecentActivity returns conversations and voice sessions merged
	// newest first, capped at limit.
	RecentActivity(ctx context.Context, userID string, limit int) ([]cad.ActivityItem, error)
}
