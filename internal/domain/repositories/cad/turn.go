package cad

import (
	"context"

	"forma/internal/domain/models/cad"
)

// TurnReader defines read operations for turn data access.
type TurnReader interface {
	// GetTurn retrieves a turn by ID.
	// Returns domain.ErrNotFound if not found.
	GetTurn(ctx context.Context, turnID string) (*cad.Turn, error)

	// GetConversationTurns retrieves every turn of a conversation ordered
	// by creation time (id as tie-break), the order the in-memory tree is
	// rebuilt from.
	GetConversationTurns(ctx context.Context, conversationID string) ([]cad.Turn, error)

	// GetTurnPath retrieves the path from a turn to the root using a
	// recursive CTE with a depth limit. Returns turns root-first.
	GetTurnPath(ctx context.Context, turnID string) ([]cad.Turn, error)

	// GetTurnSiblings retrieves all siblings (including self) for a turn:
	// turns sharing the same parent_turn_id, ordered by creation time.
	GetTurnSiblings(ctx context.Context, turnID string) ([]cad.Turn, error)
}

// TurnWriter defines write operations for turn data access.
type TurnWriter interface {
	// CreateTurn persists a new turn. Validates that parent_turn_id
	// exists if provided.
	CreateTurn(ctx context.Context, turn *cad.Turn) error

	// UpdateTurnContent replaces a turn's content JSONB in place. This is
	// the only mutation ever applied to an existing turn; turns are
	// otherwise immutable.
	UpdateTurnContent(ctx context.Context, turnID string, content cad.TurnContent) error
}

// TurnRepository combines turn read and write access.
type TurnRepository interface {
	TurnReader
	TurnWriter
}
