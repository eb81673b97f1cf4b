// Package cad implements the CAD repositories using PostgreSQL.
package cad

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"forma/internal/domain"
	"forma/internal/domain/models/cad"
	cadRepo "forma/internal/domain/repositories/cad"
	"forma/internal/repository/postgres"
)

const (
	// MaxRecursionDepth bounds the recursive turn path query
	MaxRecursionDepth = 100
)

// PostgresTurnRepository implements the TurnRepository interface using PostgreSQL
type PostgresTurnRepository struct {
	pool   *pgxpool.Pool
	tables *postgres.TableNames
	logger *slog.Logger
}

// NewTurnRepository creates a new PostgresTurnRepository
func NewTurnRepository(config *postgres.RepositoryConfig) cadRepo.TurnRepository {
	return &PostgresTurnRepository{
		pool:   config.Pool,
		tables: config.Tables,
		logger: config.Logger,
	}
}

// CreateTurn creates a new turn in the conversation tree
func (r *PostgresTurnRepository) CreateTurn(ctx context.Context, turn *cad.Turn) error {
	// Validate parent turn exists if provided
	if turn.ParentTurnID != nil {
		exists, err := r.turnExists(ctx, *turn.ParentTurnID)
		if err != nil {
			return fmt.Errorf("validate parent turn: %w", err)
		}
		if !exists {
			return fmt.Errorf("parent turn %s: %w", *turn.ParentTurnID, domain.ErrNotFound)
		}
	}

	content, err := turn.Content.Value()
	if err != nil {
		return fmt.Errorf("encode turn content: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, conversation_id, parent_turn_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, r.tables.Turns)

	executor := postgres.GetExecutor(ctx, r.pool)
	err = executor.QueryRow(ctx, query,
		turn.ID,
		turn.ConversationID,
		turn.ParentTurnID,
		turn.Role,
		content, // JSONB
		turn.CreatedAt,
	).Scan(&turn.CreatedAt)

	if err != nil {
		if postgres.IsPgForeignKeyError(err) {
			return fmt.Errorf("conversation %s: %w", turn.ConversationID, domain.ErrNotFound)
		}
		if postgres.IsPgDuplicateError(err) {
			return fmt.Errorf("turn %s: %w", turn.ID, domain.ErrConflict)
		}
		return fmt.Errorf("create turn: %w", err)
	}

	return nil
}

// UpdateTurnContent replaces a turn's content JSONB in place
func (r *PostgresTurnRepository) UpdateTurnContent(ctx context.Context, turnID string, content cad.TurnContent) error {
	encoded, err := content.Value()
	if err != nil {
		return fmt.Errorf("encode turn content: %w", err)
	}

	query := fmt.Sprintf(`UPDATE %s SET content = $2 WHERE id = $1`, r.tables.Turns)

	executor := postgres.GetExecutor(ctx, r.pool)
	tag, err := executor.Exec(ctx, query, turnID, encoded)
	if err != nil {
		return fmt.Errorf("update turn content: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("turn %s: %w", turnID, domain.ErrNotFound)
	}
	return nil
}

// GetTurn retrieves a turn by ID
func (r *PostgresTurnRepository) GetTurn(ctx context.Context, turnID string) (*cad.Turn, error) {
	query := fmt.Sprintf(`
		SELECT id, conversation_id, parent_turn_id, role, content, created_at
		FROM %s
		WHERE id = $1
	`, r.tables.Turns)

	executor := postgres.GetExecutor(ctx, r.pool)
	turn, err := r.scanTurnRow(executor.QueryRow(ctx, query, turnID))
	if err != nil {
		if postgres.IsPgNoRowsError(err) {
			return nil, fmt.Errorf("turn %s: %w", turnID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get turn: %w", err)
	}
	return turn, nil
}

// GetConversationTurns retrieves every turn of a conversation in creation
// order, the order the in-memory tree is rebuilt from
func (r *PostgresTurnRepository) GetConversationTurns(ctx context.Context, conversationID string) ([]cad.Turn, error) {
	query := fmt.Sprintf(`
		SELECT id, conversation_id, parent_turn_id, role, content, created_at
		FROM %s
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC
	`, r.tables.Turns)

	executor := postgres.GetExecutor(ctx, r.pool)
	rows, err := executor.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("get conversation turns: %w", err)
	}
	defer rows.Close()

	var turns []cad.Turn
	for rows.Next() {
		turn, err := r.scanTurnRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, *turn)
	}
	return turns, rows.Err()
}

// GetTurnPath retrieves the path from a turn back to the root using a
// recursive CTE. Returns turns root-first.
func (r *PostgresTurnRepository) GetTurnPath(ctx context.Context, turnID string) ([]cad.Turn, error) {
	query := fmt.Sprintf(`
		WITH RECURSIVE turn_path AS (
			-- Base case: start with the specified turn
			SELECT id, conversation_id, parent_turn_id, role, content, created_at, 1 as depth
			FROM %s
			WHERE id = $1

			UNION ALL

			-- Recursive case: follow parent links
			SELECT t.id, t.conversation_id, t.parent_turn_id, t.role, t.content, t.created_at, tp.depth + 1
			FROM %s t
			INNER JOIN turn_path tp ON t.id = tp.parent_turn_id
			WHERE tp.depth < %d  -- Prevent infinite recursion
		)
		SELECT id, conversation_id, parent_turn_id, role, content, created_at
		FROM turn_path
		ORDER BY depth DESC  -- Root first, specified turn last
	`, r.tables.Turns, r.tables.Turns, MaxRecursionDepth)

	executor := postgres.GetExecutor(ctx, r.pool)
	rows, err := executor.Query(ctx, query, turnID)
	if err != nil {
		return nil, fmt.Errorf("get turn path: %w", err)
	}
	defer rows.Close()

	var turns []cad.Turn
	for rows.Next() {
		turn, err := r.scanTurnRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, *turn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(turns) == 0 {
		return nil, fmt.Errorf("turn %s: %w", turnID, domain.ErrNotFound)
	}
	return turns, nil
}

// GetTurnSiblings retrieves all turns sharing the queried turn's parent
// (including the turn itself), ordered by creation time
func (r *PostgresTurnRepository) GetTurnSiblings(ctx context.Context, turnID string) ([]cad.Turn, error) {
	query := fmt.Sprintf(`
		SELECT s.id, s.conversation_id, s.parent_turn_id, s.role, s.content, s.created_at
		FROM %s s
		INNER JOIN %s t ON s.conversation_id = t.conversation_id
			AND s.parent_turn_id IS NOT DISTINCT FROM t.parent_turn_id
		WHERE t.id = $1
		ORDER BY s.created_at ASC, s.id ASC
	`, r.tables.Turns, r.tables.Turns)

	executor := postgres.GetExecutor(ctx, r.pool)
	rows, err := executor.Query(ctx, query, turnID)
	if err != nil {
		return nil, fmt.Errorf("get turn siblings: %w", err)
	}
	defer rows.Close()

	var turns []cad.Turn
	for rows.Next() {
		turn, err := r.scanTurnRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, *turn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(turns) == 0 {
		return nil, fmt.Errorf("turn %s: %w", turnID, domain.ErrNotFound)
	}
	return turns, nil
}

// turnExists checks if a turn exists
func (r *PostgresTurnRepository) turnExists(ctx context.Context, turnID string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE id = $1)`, r.tables.Turns)

	var exists bool
	executor := postgres.GetExecutor(ctx, r.pool)
	err := executor.QueryRow(ctx, query, turnID).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// scanner defines the interface for row scanning (implemented by both
// pgx.Row and pgx.Rows)
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanTurnRow scans a database row into a Turn, decoding the content
// JSONB into the tagged union
func (r *PostgresTurnRepository) scanTurnRow(row scanner) (*cad.Turn, error) {
	var turn cad.Turn
	var content []byte
	err := row.Scan(
		&turn.ID,
		&turn.ConversationID,
		&turn.ParentTurnID,
		&turn.Role,
		&content,
		&turn.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	turn.Content, err = cad.ScanContent(content)
	if err != nil {
		return nil, err
	}
	return &turn, nil
}
