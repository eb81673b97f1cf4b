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

// PostgresConversationRepository implements the ConversationRepository
// interface using PostgreSQL
type PostgresConversationRepository struct {
	pool   *pgxpool.Pool
	tables *postgres.TableNames
	logger *slog.Logger
}

// NewConversationRepository creates a new PostgresConversationRepository
func NewConversationRepository(config *postgres.RepositoryConfig) cadRepo.ConversationRepository {
	return &PostgresConversationRepository{
		pool:   config.Pool,
		tables: config.Tables,
		logger: config.Logger,
	}
}

// CreateConversation persists a new conversation
func (r *PostgresConversationRepository) CreateConversation(ctx context.Context, conv *cad.Conversation) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, user_id, title, current_leaf_turn_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, r.tables.Conversations)

	executor := postgres.GetExecutor(ctx, r.pool)
	err := executor.QueryRow(ctx, query,
		conv.ID,
		conv.UserID,
		conv.Title,
		conv.CurrentLeafTurnID,
		conv.CreatedAt,
		conv.UpdatedAt,
	).Scan(&conv.CreatedAt, &conv.UpdatedAt)

	if err != nil {
		if postgres.IsPgDuplicateError(err) {
			return fmt.Errorf("conversation %s: %w", conv.ID, domain.ErrConflict)
		}
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by ID, scoped to its owner.
// Soft-deleted rows are invisible.
func (r *PostgresConversationRepository) GetConversation(ctx context.Context, conversationID, userID string) (*cad.Conversation, error) {
	query := fmt.Sprintf(`
		SELECT id, user_id, title, current_leaf_turn_id, created_at, updated_at, deleted_at
		FROM %s
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL
	`, r.tables.Conversations)

	var conv cad.Conversation
	executor := postgres.GetExecutor(ctx, r.pool)
	err := executor.QueryRow(ctx, query, conversationID, userID).Scan(
		&conv.ID,
		&conv.UserID,
		&conv.Title,
		&conv.CurrentLeafTurnID,
		&conv.CreatedAt,
		&conv.UpdatedAt,
		&conv.DeletedAt,
	)
	if err != nil {
		if postgres.IsPgNoRowsError(err) {
			return nil, fmt.Errorf("conversation %s: %w", conversationID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &conv, nil
}

// ListConversations retrieves a user's conversations, most recently
// updated first
func (r *PostgresConversationRepository) ListConversations(ctx context.Context, userID string, limit int) ([]cad.Conversation, error) {
	query := fmt.Sprintf(`
		SELECT id, user_id, title, current_leaf_turn_id, created_at, updated_at, deleted_at
		FROM %s
		WHERE user_id = $1 AND deleted_at IS NULL
		ORDER BY updated_at DESC
		LIMIT $2
	`, r.tables.Conversations)

	executor := postgres.GetExecutor(ctx, r.pool)
	rows, err := executor.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var convs []cad.Conversation
	for rows.Next() {
		var conv cad.Conversation
		if err := rows.Scan(
			&conv.ID,
			&conv.UserID,
			&conv.Title,
			&conv.CurrentLeafTurnID,
			&conv.CreatedAt,
			&conv.UpdatedAt,
			&conv.DeletedAt,
		); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// UpdateConversation updates title and current leaf, bumping updated_at
func (r *PostgresConversationRepository) UpdateConversation(ctx context.Context, conv *cad.Conversation) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET title = $3, current_leaf_turn_id = $4, updated_at = NOW()
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL
		RETURNING updated_at
	`, r.tables.Conversations)

	executor := postgres.GetExecutor(ctx, r.pool)
	err := executor.QueryRow(ctx, query,
		conv.ID,
		conv.UserID,
		conv.Title,
		conv.CurrentLeafTurnID,
	).Scan(&conv.UpdatedAt)

	if err != nil {
		if postgres.IsPgNoRowsError(err) {
			return fmt.Errorf("conversation %s: %w", conv.ID, domain.ErrNotFound)
		}
		return fmt.Errorf("update conversation: %w", err)
	}
	return nil
}

// SetCurrentLeaf persists the current-leaf pointer
func (r *PostgresConversationRepository) SetCurrentLeaf(ctx context.Context, conversationID string, turnID *string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET current_leaf_turn_id = $2, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`, r.tables.Conversations)

	executor := postgres.GetExecutor(ctx, r.pool)
	tag, err := executor.Exec(ctx, query, conversationID, turnID)
	if err != nil {
		return fmt.Errorf("set current leaf: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s: %w", conversationID, domain.ErrNotFound)
	}
	return nil
}

// DeleteConversation soft-deletes a conversation. Turns stay in place so
// the tree can be restored.
func (r *PostgresConversationRepository) DeleteConversation(ctx context.Context, conversationID, userID string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET deleted_at = NOW()
		WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL
	`, r.tables.Conversations)

	executor := postgres.GetExecutor(ctx, r.pool)
	tag, err := executor.Exec(ctx, query, conversationID, userID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s: %w", conversationID, domain.ErrNotFound)
	}
	return nil
}
