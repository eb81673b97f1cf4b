package cad

import (
	"time"
)

// Turn roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn represents a single node in a conversation's version tree.
// Turns form a tree via ParentTurnID: children of the same parent are
// siblings and represent alternative edits/branches of that step,
// ordered by creation time.
type Turn struct {
	ID             string      `json:"id" db:"id"`
	ConversationID string      `json:"conversation_id" db:"conversation_id"`
	ParentTurnID   *string     `json:"parent_turn_id,omitempty" db:"parent_turn_id"`
	Role           string      `json:"role" db:"role"` // "user" or "assistant"
	Content        TurnContent `json:"content" db:"content"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
}

// IsRoot reports whether this turn has no parent.
func (t *Turn) IsRoot() bool {
	return t.ParentTurnID == nil
}
