package cad

import (
	"time"
)

// Conversation is one modeling session: a version tree of turns plus the
// pointer to the turn the user is currently viewing.
type Conversation struct {
	ID                string     `json:"id" db:"id"`
	UserID            string     `json:"user_id" db:"user_id"`
	Title             string     `json:"title" db:"title"`
	CurrentLeafTurnID *string    `json:"current_leaf_turn_id,omitempty" db:"current_leaf_turn_id"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt         *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}
