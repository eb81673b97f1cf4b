package cad

import (
	"context"

	"forma/internal/domain/models/cad"
)

// VoiceSessionRepository defines data access for voice sessions.
type VoiceSessionRepository interface {
	// CreateVoiceSession persists a new voice session.
	CreateVoiceSession(ctx context.Context, session *cad.VoiceSession) error

	// GetVoiceSession retrieves a session by ID, scoped to its owner.
	GetVoiceSession(ctx context.Context, sessionID, userID string) (*cad.VoiceSession, error)

	// ListVoiceSessions retrieves a user's sessions ordered by start time
	// descending, capped at limit.
	ListVoiceSessions(ctx context.Context, userID string, limit int) ([]cad.VoiceSession, error)

	// BindConversation attaches a session to the conversation its first
	// transcript created.
	BindConversation(ctx context.Context, sessionID, conversationID string) error

	// IncrementTranscriptCount bumps the count of transcripts this
	// session has appended.
	IncrementTranscriptCount(ctx context.Context, sessionID string) error

	// EndVoiceSession stamps ended_at.
	EndVoiceSession(ctx context.Context, sessionID string) error
}
