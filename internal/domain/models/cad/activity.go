package cad

import (
	"time"
)

// ActivityKind discriminates the recent-activity feed union.
type ActivityKind string

const (
	ActivityKindConversation ActivityKind = "conversation"
	ActivityKindVoiceSession ActivityKind = "voice_session"
)

// ActivityItem is one row of the recency-ordered history feed. Timestamp
// is the single derived sort key: a conversation's last-update time or a
// voice session's start time.
type ActivityItem struct {
	Kind         ActivityKind  `json:"kind"`
	Timestamp    time.Time     `json:"timestamp"`
	Conversation *Conversation `json:"conversation,omitempty"`
	VoiceSession *VoiceSession `json:"voice_session,omitempty"`
}
