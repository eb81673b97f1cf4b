package cad

import (
	"time"
)

// VoiceSession records one voice interaction. Finalized transcripts are
// appended to the conversation's version tree exactly like typed turns;
// the session row exists so the history feed can show voice activity
// alongside conversations.
type VoiceSession struct {
	ID              string     `json:"id" db:"id"`
	UserID          string     `json:"user_id" db:"user_id"`
	ConversationID  *string    `json:"conversation_id,omitempty" db:"conversation_id"`
	Title           string     `json:"title" db:"title"`
	StartedAt       time.Time  `json:"started_at" db:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	TranscriptCount int        `json:"transcript_count" db:"transcript_count"`
}

// VoiceTranscript is a finalized utterance arriving over the voice
// boundary. It maps one-to-one onto a turn.
type VoiceTranscript struct {
	Role     string           `json:"role"` // "user" or "assistant"
	Text     string           `json:"text"`
	Artifact *ArtifactContent `json:"artifact,omitempty"`
}
